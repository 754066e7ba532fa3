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

package config

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

type Config struct {
	Prometheus  PrometheusConfig `yaml:"prometheus,omitempty"`
	RTC         RTCConfig        `yaml:"rtc,omitempty"`
	Logging     LoggingConfig    `yaml:"logging,omitempty"`
	Development bool             `yaml:"development,omitempty"`
}

type PrometheusConfig struct {
	Port uint32 `yaml:"port,omitempty"`
}

type RTCConfig struct {
	ICEPortRangeStart uint16   `yaml:"ice_port_range_start,omitempty"`
	ICEPortRangeEnd   uint16   `yaml:"ice_port_range_end,omitempty"`
	StunServers       []string `yaml:"stun_servers,omitempty"`
	UseExternalIP     bool     `yaml:"use_external_ip,omitempty"`
	// gather candidates on loopback interfaces, needed when testing on one host
	IncludeLoopback bool `yaml:"include_loopback,omitempty"`

	// timeouts in seconds, zero falls back to defaults
	ICEDisconnectedTimeout uint32 `yaml:"ice_disconnected_timeout,omitempty"`
	ICEFailedTimeout       uint32 `yaml:"ice_failed_timeout,omitempty"`
	ICEKeepaliveInterval   uint32 `yaml:"ice_keepalive_interval,omitempty"`
	GatherTimeout          uint32 `yaml:"gather_timeout,omitempty"`
	HandshakeTimeout       uint32 `yaml:"handshake_timeout,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

func NewConfig(confString string, c *cli.Context) (*Config, error) {
	conf := &Config{
		RTC: RTCConfig{
			ICEPortRangeStart: 50000,
			ICEPortRangeEnd:   60000,
			StunServers:       DefaultStunServers,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (conf *Config) Validate() error {
	rangeStart, rangeEnd := conf.RTC.ICEPortRangeStart, conf.RTC.ICEPortRangeEnd
	if (rangeStart == 0) != (rangeEnd == 0) {
		return errors.New("ice_port_range_start and ice_port_range_end must be set together")
	}
	if rangeStart != 0 && rangeEnd <= rangeStart {
		return errors.Errorf("invalid ICE port range: %d-%d", rangeStart, rangeEnd)
	}
	if conf.RTC.UseExternalIP && len(conf.RTC.StunServers) == 0 {
		return errors.New("stun_servers are required when use_external_ip is set")
	}
	return nil
}

func (conf *Config) updateFromCLI(c *cli.Context) error {
	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("prometheus-port") {
		conf.Prometheus.Port = uint32(c.Uint64("prometheus-port"))
	}
	if c.IsSet("ice-port-start") {
		conf.RTC.ICEPortRangeStart = uint16(c.Uint64("ice-port-start"))
	}
	if c.IsSet("ice-port-end") {
		conf.RTC.ICEPortRangeEnd = uint16(c.Uint64("ice-port-end"))
	}
	if c.IsSet("stun-server") {
		conf.RTC.StunServers = c.StringSlice("stun-server")
	}
	if c.IsSet("use-external-ip") {
		conf.RTC.UseExternalIP = c.Bool("use-external-ip")
	}
	if c.IsSet("log-level") {
		conf.Logging.Level = c.String("log-level")
	}
	if conf.Development && conf.Logging.Level == "" {
		conf.Logging.Level = "debug"
	}
	return nil
}
