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

package rtc

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/rtcmock/rtcmock-server/pkg/config"
	"github.com/rtcmock/rtcmock-server/pkg/logger"
)

const (
	dtlsRetransmissionInterval = 100 * time.Millisecond

	iceDisconnectedTimeout = 10 * time.Second // compatible for ice-lite with firefox client
	iceFailedTimeout       = 25 * time.Second // pion's default
	iceKeepaliveInterval   = 2 * time.Second  // pion's default

	defaultGatherTimeout    = 10 * time.Second
	defaultHandshakeTimeout = 15 * time.Second

	shortConnectionThreshold = 90 * time.Second
)

type WebRTCConfig struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine

	GatherTimeout    time.Duration
	HandshakeTimeout time.Duration
}

func NewWebRTCConfig(conf *config.RTCConfig, externalIP string) (*WebRTCConfig, error) {
	c := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	s := webrtc.SettingEngine{}

	if conf.ICEPortRangeStart != 0 && conf.ICEPortRangeEnd != 0 {
		if err := s.SetEphemeralUDPPortRange(conf.ICEPortRangeStart, conf.ICEPortRangeEnd); err != nil {
			return nil, err
		}
	}

	iceUrls := make([]string, 0)
	for _, stunServer := range conf.StunServers {
		iceUrls = append(iceUrls, fmt.Sprintf("stun:%s", stunServer))
	}
	if len(iceUrls) > 0 {
		c.ICEServers = []webrtc.ICEServer{
			{
				URLs: iceUrls,
			},
		}
	}
	if conf.UseExternalIP && externalIP != "" {
		s.SetNAT1To1IPs([]string{externalIP}, webrtc.ICECandidateTypeHost)
	}
	if conf.IncludeLoopback {
		s.SetIncludeLoopbackCandidate(true)
	}

	s.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	s.SetICETimeouts(
		durationOrDefault(conf.ICEDisconnectedTimeout, iceDisconnectedTimeout),
		durationOrDefault(conf.ICEFailedTimeout, iceFailedTimeout),
		durationOrDefault(conf.ICEKeepaliveInterval, iceKeepaliveInterval),
	)

	if lf := logger.LoggerFactory(); lf != nil {
		s.LoggerFactory = lf
	}

	return &WebRTCConfig{
		Configuration:    c,
		SettingEngine:    s,
		GatherTimeout:    durationOrDefault(conf.GatherTimeout, defaultGatherTimeout),
		HandshakeTimeout: durationOrDefault(conf.HandshakeTimeout, defaultHandshakeTimeout),
	}, nil
}

func durationOrDefault(seconds uint32, def time.Duration) time.Duration {
	if seconds == 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}
