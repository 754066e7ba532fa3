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

package sdp

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseCandidateHost(t *testing.T) {
	for _, raw := range []string{
		"candidate:4234997325 1 udp 2130706431 192.0.2.1 41205 typ host",
		"4234997325 1 udp 2130706431 192.0.2.1 41205 typ host",
	} {
		c, err := ParseCandidate(raw)
		require.NoError(t, err)
		require.Equal(t, "4234997325", c.Foundation)
		require.EqualValues(t, 1, c.Component)
		require.Equal(t, "udp", c.Protocol)
		require.EqualValues(t, 2130706431, c.Priority)
		require.Equal(t, "192.0.2.1", c.Address)
		require.EqualValues(t, 41205, c.Port)
		require.Equal(t, CandidateHost, c.Typ)
	}
}

func TestParseCandidateSrflxRelated(t *testing.T) {
	c, err := ParseCandidate("1 1 udp 1694498815 203.0.113.5 45000 typ srflx raddr 10.0.0.5 rport 40000")
	require.NoError(t, err)
	require.Equal(t, CandidateServerReflexive, c.Typ)
	require.Equal(t, "10.0.0.5", c.RelatedAddress)
	require.EqualValues(t, 40000, c.RelatedPort)

	require.Contains(t, c.Marshal(), "raddr 10.0.0.5 rport 40000")
}

func TestParseCandidateRejectsGarbage(t *testing.T) {
	_, err := ParseCandidate("not a candidate line")
	require.ErrorIs(t, errors.Cause(err), ErrMalformedSDP)
}

func TestCandidateRoundTrip(t *testing.T) {
	c := Candidate{
		Foundation: "99",
		Component:  1,
		Protocol:   "udp",
		Priority:   ComputePriority(CandidateHost, 1),
		Address:    "127.0.0.1",
		Port:       50123,
		Typ:        CandidateHost,
	}
	parsed, err := ParseCandidate(c.String())
	require.NoError(t, err)
	require.Equal(t, c, parsed)
}

func TestComputePriorityOrdering(t *testing.T) {
	host := ComputePriority(CandidateHost, 1)
	prflx := ComputePriority(CandidatePeerReflexive, 1)
	srflx := ComputePriority(CandidateServerReflexive, 1)
	relay := ComputePriority(CandidateRelay, 1)
	require.Greater(t, host, prflx)
	require.Greater(t, prflx, srflx)
	require.Greater(t, srflx, relay)

	// RTP component outranks RTCP for the same type
	require.Greater(t, ComputePriority(CandidateHost, 1), ComputePriority(CandidateHost, 2))
}
