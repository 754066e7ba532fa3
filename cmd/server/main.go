// Copyright 2025 RTCMock Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/rtcmock/rtcmock-server/pkg/config"
	"github.com/rtcmock/rtcmock-server/pkg/logger"
	"github.com/rtcmock/rtcmock-server/pkg/service"
	"github.com/rtcmock/rtcmock-server/version"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to rtcmock config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "rtcmock config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"RTCMOCK_CONFIG"},
	},
	&cli.Uint64Flag{
		Name:  "prometheus-port",
		Usage: "port to expose prometheus metrics on",
	},
	&cli.Uint64Flag{
		Name:  "ice-port-start",
		Usage: "start of UDP port range for ICE candidates",
	},
	&cli.Uint64Flag{
		Name:  "ice-port-end",
		Usage: "end of UDP port range for ICE candidates",
	},
	&cli.StringSliceFlag{
		Name:  "stun-server",
		Usage: "STUN server address, use flag multiple times to specify multiple servers",
	},
	&cli.BoolFlag{
		Name:  "use-external-ip",
		Usage: "advertise the STUN-discovered public address in host candidates",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn, or error",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "console log formatter and debug log level. insecure for production",
	},
}

func main() {
	app := &cli.App{
		Name:        "rtcmock-server",
		Usage:       "Scriptable server-side WebRTC mock peer",
		Description: "run without subcommands to start the server",
		Flags:       flags,
		Action:      startServer,
		Version:     version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startServer(c *cli.Context) error {
	confString, err := getConfigString(c)
	if err != nil {
		return err
	}
	conf, err := config.NewConfig(confString, c)
	if err != nil {
		return err
	}

	if conf.Development {
		logger.InitDevelopment(conf.Logging.Level)
	} else {
		logger.InitProduction(conf.Logging.Level)
	}

	server, err := service.NewMockServer(conf)
	if err != nil {
		return err
	}
	if err = server.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infow("exit requested, shutting down", "signal", sig)
	server.Stop()
	return nil
}

func getConfigString(c *cli.Context) (string, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" && configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return "", err
		}
		configBody = string(content)
	}
	return configBody, nil
}
