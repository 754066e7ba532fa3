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
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/rtcmock/rtcmock-server/pkg/config"
	"github.com/rtcmock/rtcmock-server/pkg/logger"
	"github.com/rtcmock/rtcmock-server/pkg/sdp"
)

func newTestSession(t *testing.T) *Session {
	conf, err := config.NewConfig("", nil)
	require.NoError(t, err)
	conf.RTC.StunServers = nil
	conf.RTC.IncludeLoopback = true
	rtcConf, err := NewWebRTCConfig(&conf.RTC, "")
	require.NoError(t, err)

	s, err := NewSession(SessionParams{
		ID:     "PC-session-test",
		Config: rtcConf,
		Logger: logger.GetLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestFailureFromReplacedTransportIgnored(t *testing.T) {
	s := newTestSession(t)

	// a generation that was never installed as current, standing in for one
	// replaced mid-connect by an ICE restart
	stale, err := s.newTransportLocked([]sdp.MediaSection{{
		MID:      "0",
		Kind:     sdp.KindApplication,
		Protocol: sdp.ProtocolSCTP,
	}})
	require.NoError(t, err)
	defer func() { _ = stale.Close() }()

	s.handleICEState(stale, webrtc.ICETransportStateFailed)
	require.NotEqual(t, SessionStateFailed, s.State())
	require.False(t, s.closed.IsBroken())
}

func TestMediaOnlyTransportHasNoDataChannel(t *testing.T) {
	s := newTestSession(t)

	tr, err := s.newTransportLocked([]sdp.MediaSection{{
		MID:       "audio1",
		Kind:      sdp.KindAudio,
		Protocol:  sdp.ProtocolSAVPF,
		Direction: sdp.DirectionSendRecv,
		PayloadFormats: []sdp.PayloadFormat{
			{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2},
		},
	}})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	require.False(t, tr.supportsData())
	_, err = tr.NewDataChannel("data", true)
	require.Error(t, err)
}
