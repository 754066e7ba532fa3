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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	conf, err := NewConfig("", nil)
	require.NoError(t, err)
	require.EqualValues(t, 50000, conf.RTC.ICEPortRangeStart)
	require.EqualValues(t, 60000, conf.RTC.ICEPortRangeEnd)
	require.Equal(t, DefaultStunServers, conf.RTC.StunServers)
	require.Equal(t, "info", conf.Logging.Level)
	require.False(t, conf.Development)
}

func TestParseYAML(t *testing.T) {
	conf, err := NewConfig(`
prometheus:
  port: 6789
rtc:
  ice_port_range_start: 40000
  ice_port_range_end: 40100
  stun_servers:
    - stun.example.com:3478
  include_loopback: true
  handshake_timeout: 5
logging:
  level: debug
development: true
`, nil)
	require.NoError(t, err)
	require.EqualValues(t, 6789, conf.Prometheus.Port)
	require.EqualValues(t, 40000, conf.RTC.ICEPortRangeStart)
	require.EqualValues(t, 40100, conf.RTC.ICEPortRangeEnd)
	require.Equal(t, []string{"stun.example.com:3478"}, conf.RTC.StunServers)
	require.True(t, conf.RTC.IncludeLoopback)
	require.EqualValues(t, 5, conf.RTC.HandshakeTimeout)
	require.Equal(t, "debug", conf.Logging.Level)
	require.True(t, conf.Development)
}

func TestInvalidYAML(t *testing.T) {
	_, err := NewConfig("rtc: [not a mapping", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "could not parse config")
}

func TestValidatePortRange(t *testing.T) {
	_, err := NewConfig(`
rtc:
  ice_port_range_start: 50000
  ice_port_range_end: 0
`, nil)
	require.Error(t, err)

	_, err = NewConfig(`
rtc:
  ice_port_range_start: 50000
  ice_port_range_end: 40000
`, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid ICE port range")
}

func TestValidateExternalIPNeedsStun(t *testing.T) {
	_, err := NewConfig(`
rtc:
  use_external_ip: true
  stun_servers: []
`, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "stun_servers")
}
