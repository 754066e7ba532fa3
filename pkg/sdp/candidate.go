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
	"fmt"
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pkg/errors"
)

type CandidateType string

const (
	CandidateHost            CandidateType = "host"
	CandidateServerReflexive CandidateType = "srflx"
	CandidatePeerReflexive   CandidateType = "prflx"
	CandidateRelay           CandidateType = "relay"
)

// Candidate is one ICE transport address as carried in a=candidate lines.
type Candidate struct {
	Foundation     string
	Component      uint16
	Protocol       string
	Priority       uint32
	Address        string
	Port           uint16
	Typ            CandidateType
	RelatedAddress string
	RelatedPort    uint16
}

// ParseCandidate reads an a=candidate value, with or without the
// "candidate:" prefix.
func ParseCandidate(raw string) (Candidate, error) {
	value := strings.TrimPrefix(strings.TrimSpace(raw), "candidate:")
	parsed, err := ice.UnmarshalCandidate(value)
	if err != nil {
		return Candidate{}, errors.Wrapf(ErrMalformedSDP, "invalid candidate %q: %v", raw, err)
	}
	c := Candidate{
		Foundation: parsed.Foundation(),
		Component:  parsed.Component(),
		Protocol:   parsed.NetworkType().NetworkShort(),
		Priority:   parsed.Priority(),
		Address:    parsed.Address(),
		Port:       uint16(parsed.Port()),
		Typ:        CandidateType(parsed.Type().String()),
	}
	if rel := parsed.RelatedAddress(); rel != nil {
		c.RelatedAddress = rel.Address
		c.RelatedPort = uint16(rel.Port)
	}
	return c, nil
}

// Marshal renders the attribute value, without the "candidate:" prefix.
func (c Candidate) Marshal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.Address, c.Port, c.Typ)
	if c.RelatedAddress != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	return b.String()
}

func (c Candidate) String() string {
	return "candidate:" + c.Marshal()
}

const candidateLocalPreference = 65535

// ComputePriority follows RFC 8445 so synthesized candidates order the same
// way on every run.
func ComputePriority(typ CandidateType, component uint16) uint32 {
	var typePref uint32
	switch typ {
	case CandidateHost:
		typePref = 126
	case CandidatePeerReflexive:
		typePref = 110
	case CandidateServerReflexive:
		typePref = 100
	case CandidateRelay:
		typePref = 0
	}
	return typePref<<24 | candidateLocalPreference<<8 | (256 - uint32(component))
}
