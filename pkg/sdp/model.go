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
	"strconv"

	"github.com/pkg/errors"
)

type Type string

const (
	TypeOffer  Type = "offer"
	TypeAnswer Type = "answer"
)

type Kind string

const (
	KindAudio       Kind = "audio"
	KindVideo       Kind = "video"
	KindApplication Kind = "application"
)

type Setup string

const (
	SetupActpass Setup = "actpass"
	SetupActive  Setup = "active"
	SetupPassive Setup = "passive"
)

const (
	ProtocolSAVPF = "UDP/TLS/RTP/SAVPF"
	ProtocolSCTP  = "UDP/DTLS/SCTP"

	FormatDataChannel = "webrtc-datachannel"

	DefaultSCTPPort       = 5000
	DefaultMaxMessageSize = 65536
)

type Fingerprint struct {
	Algorithm string
	Value     string
}

// TransportParams carries the per-session security and connectivity fields of
// a media section. These are never mirrored; every session generates its own.
type TransportParams struct {
	ICEUfrag        string
	ICEPwd          string
	Fingerprint     Fingerprint
	Setup           Setup
	Candidates      []Candidate
	EndOfCandidates bool
	SCTPPort        uint16
	MaxMessageSize  uint32
}

// Credential returns the ufrag:pwd pair used to detect ICE restarts.
func (t TransportParams) Credential() string {
	return t.ICEUfrag + ":" + t.ICEPwd
}

type PayloadFormat struct {
	PayloadType  uint8
	Name         string
	ClockRate    uint32
	Channels     uint16
	Fmtp         string
	RTCPFeedback []string
}

// SSRCInfo keeps the source-level attribute lines of one SSRC in input order,
// e.g. "cname:xyz" or "msid:stream track".
type SSRCInfo struct {
	ID         uint32
	Attributes []string
}

type SSRCGroup struct {
	Semantics string
	SSRCs     []uint32
}

// Extension is one a=extmap entry. ID keeps the raw token so
// direction-suffixed ids ("2/recvonly") survive mirroring.
type Extension struct {
	ID     string
	URI    string
	Params string
}

type MediaSection struct {
	MID            string
	Kind           Kind
	Protocol       string
	Direction      Direction
	PayloadFormats []PayloadFormat
	SSRCs          []SSRCInfo
	SSRCGroups     []SSRCGroup
	Extensions     []Extension
	MSID           string
	RTCPMux        bool
	// Rejected marks a port-zero section (RFC 3264); it stays in the
	// description to preserve m= line order but carries no transport
	Rejected  bool
	Transport TransportParams
}

// FormatIDs returns the payload types as m= line format tokens.
func (m *MediaSection) FormatIDs() []string {
	if m.Kind == KindApplication {
		return []string{FormatDataChannel}
	}
	ids := make([]string, 0, len(m.PayloadFormats))
	for _, pf := range m.PayloadFormats {
		ids = append(ids, strconv.Itoa(int(pf.PayloadType)))
	}
	return ids
}

// Description is the strongly-typed form of a session description. Raw SDP is
// lifted into it at the boundary and serialized back only at wire output.
type Description struct {
	Type       Type
	SessionID  uint64
	Version    uint64
	BundleMIDs []string
	Media      []MediaSection
}

func (d *Description) MediaForMID(mid string) *MediaSection {
	for i := range d.Media {
		if d.Media[i].MID == mid {
			return &d.Media[i]
		}
	}
	return nil
}

func (d *Description) Application() *MediaSection {
	for i := range d.Media {
		if d.Media[i].Kind == KindApplication {
			return &d.Media[i]
		}
	}
	return nil
}

// TransportForBundle returns the transport parameters governing the bundled
// session, taken from the first accepted media section.
func (d *Description) TransportForBundle() (*TransportParams, error) {
	for i := range d.Media {
		if d.Media[i].Rejected {
			continue
		}
		return &d.Media[i].Transport, nil
	}
	return nil, errors.Wrap(ErrMalformedSDP, "no accepted media sections")
}

func (d *Description) MIDs() []string {
	mids := make([]string, 0, len(d.Media))
	for i := range d.Media {
		mids = append(mids, d.Media[i].MID)
	}
	return mids
}

// ValidateMidContinuity enforces the renegotiation invariant: a mid agreed in
// prev keeps its media kind and position in next.
func ValidateMidContinuity(prev, next *Description) error {
	if prev == nil {
		return nil
	}
	if len(next.Media) < len(prev.Media) {
		return errors.Wrapf(ErrMidMismatch, "media section count shrank from %d to %d",
			len(prev.Media), len(next.Media))
	}
	for i := range prev.Media {
		pm, nm := &prev.Media[i], &next.Media[i]
		if nm.Rejected && nm.MID == "" {
			// rejected sections may omit mid; the kind still binds the slot
			if pm.Kind != nm.Kind {
				return errors.Wrapf(ErrMidMismatch, "mid %q changed kind from %s to %s", pm.MID, pm.Kind, nm.Kind)
			}
			continue
		}
		if pm.MID != nm.MID {
			return errors.Wrapf(ErrMidMismatch, "mid %q became %q at position %d", pm.MID, nm.MID, i)
		}
		if pm.Kind != nm.Kind {
			return errors.Wrapf(ErrMidMismatch, "mid %q changed kind from %s to %s", pm.MID, pm.Kind, nm.Kind)
		}
	}
	return nil
}
