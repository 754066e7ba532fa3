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

package service

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/rtcmock/rtcmock-server/pkg/config"
	"github.com/rtcmock/rtcmock-server/pkg/logger"
	"github.com/rtcmock/rtcmock-server/pkg/rtc"
	"github.com/rtcmock/rtcmock-server/pkg/telemetry/prometheus"
	"github.com/rtcmock/rtcmock-server/pkg/utils"
	"github.com/rtcmock/rtcmock-server/version"
)

const nodeStatsInterval = 30 * time.Second

// MockServer is the process-level facade: it owns the WebRTC configuration,
// the session registry, and the optional metrics endpoint. Start and Stop
// are the only lifecycle hooks the embedding harness needs.
type MockServer struct {
	conf       *config.Config
	rtcConf    *rtc.WebRTCConfig
	nodeID     string
	manager    *SessionManager
	logger     logger.Logger
	promServer *http.Server

	running atomic.Bool
	stopped core.Fuse
}

func NewMockServer(conf *config.Config) (*MockServer, error) {
	nodeID := utils.NewGuid(utils.NodePrefix)
	l := logger.GetLogger().WithValues("nodeID", nodeID)

	var externalIP string
	if conf.RTC.UseExternalIP {
		ip, err := conf.DetermineIP()
		if err != nil {
			return nil, err
		}
		externalIP = ip
		l.Infow("using external IP", "ip", externalIP)
	}

	rtcConf, err := rtc.NewWebRTCConfig(&conf.RTC, externalIP)
	if err != nil {
		return nil, err
	}

	s := &MockServer{
		conf:    conf,
		rtcConf: rtcConf,
		nodeID:  nodeID,
		manager: NewSessionManager(l),
		logger:  l,
		stopped: core.NewFuse(),
	}
	if conf.Prometheus.Port > 0 {
		prometheus.Init(nodeID)
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.Prometheus.Port),
			Handler: promhttp.Handler(),
		}
	}
	return s, nil
}

func (s *MockServer) Start() error {
	if s.running.Swap(true) {
		return nil
	}

	if s.promServer != nil {
		ln, err := net.Listen("tcp", s.promServer.Addr)
		if err != nil {
			return err
		}
		go func() {
			_ = s.promServer.Serve(ln)
		}()
		_ = prometheus.UpdateNodeStats()
		go prometheus.StartNodeStatsLoop(nodeStatsInterval, s.stopped.Watch())
	}

	s.logger.Infow("mock server started",
		"version", version.Version,
		"portRange", fmt.Sprintf("%d-%d", s.conf.RTC.ICEPortRangeStart, s.conf.RTC.ICEPortRangeEnd),
	)
	return nil
}

func (s *MockServer) IsRunning() bool {
	return s.running.Load()
}

// Stop closes every session and releases transport resources. Idempotent.
func (s *MockServer) Stop() {
	s.stopped.Once(func() {
		s.manager.CloseAll()
		if s.promServer != nil {
			_ = s.promServer.Close()
		}
		s.running.Store(false)
		prometheus.RecordServiceOperation("stop", "success", "")
		s.logger.Infow("mock server stopped",
			"sessionsServed", prometheus.SessionsTotal(),
			"negotiations", prometheus.NegotiationsTotal(),
			"activeSessions", prometheus.SessionsCurrent(),
		)
	})
}

// StopSignal resolves when Stop has completed, for signal-driven mains.
func (s *MockServer) StopSignal() <-chan struct{} {
	return s.stopped.Watch()
}

func (s *MockServer) NodeID() string {
	return s.nodeID
}

// Session looks up a live session by id, e.g. to renegotiate it.
func (s *MockServer) Session(id string) (*rtc.Session, bool) {
	return s.manager.Get(id)
}

func (s *MockServer) SessionCount() int {
	return s.manager.Count()
}
