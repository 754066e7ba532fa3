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
	"strings"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	pionsdp "github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// Parse lifts raw SDP into the typed model. The description type
// (offer/answer) is not part of the wire text; callers set it from context.
func Parse(raw string) (*Description, error) {
	parsed := &pionsdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, errors.Wrap(ErrMalformedSDP, err.Error())
	}

	d := &Description{
		SessionID: parsed.Origin.SessionID,
		Version:   parsed.Origin.SessionVersion,
	}

	for _, a := range parsed.Attributes {
		if a.Key == "group" && strings.HasPrefix(a.Value, "BUNDLE") {
			d.BundleMIDs = strings.Fields(a.Value)[1:]
			break
		}
	}

	// session-level transport attributes act as defaults for every section
	var sessionTransport TransportParams
	if ufrag, ok := parsed.Attribute("ice-ufrag"); ok {
		sessionTransport.ICEUfrag = ufrag
	}
	if pwd, ok := parsed.Attribute("ice-pwd"); ok {
		sessionTransport.ICEPwd = pwd
	}
	if fp, ok := parsed.Attribute("fingerprint"); ok {
		parsedFP, err := parseFingerprint(fp)
		if err != nil {
			return nil, err
		}
		sessionTransport.Fingerprint = parsedFP
	}
	if setup, ok := parsed.Attribute("setup"); ok {
		sessionTransport.Setup = Setup(setup)
	}

	for _, m := range parsed.MediaDescriptions {
		sec, err := parseMediaSection(m, sessionTransport)
		if err != nil {
			return nil, err
		}
		d.Media = append(d.Media, sec)
	}
	return d, nil
}

func parseMediaSection(m *pionsdp.MediaDescription, defaults TransportParams) (MediaSection, error) {
	sec := MediaSection{
		Kind:      Kind(m.MediaName.Media),
		Protocol:  strings.Join(m.MediaName.Protos, "/"),
		Direction: DirectionSendRecv,
		Transport: defaults,
	}

	formats := make(map[uint8]*PayloadFormat)
	ssrcOrder := make(map[uint32]int)

	for _, a := range m.Attributes {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			sec.Direction = Direction(a.Key)
		case "mid":
			sec.MID = a.Value
		case "msid":
			sec.MSID = a.Value
		case "rtcp-mux":
			sec.RTCPMux = true
		case "ice-ufrag":
			sec.Transport.ICEUfrag = a.Value
		case "ice-pwd":
			sec.Transport.ICEPwd = a.Value
		case "setup":
			sec.Transport.Setup = Setup(a.Value)
		case "fingerprint":
			fp, err := parseFingerprint(a.Value)
			if err != nil {
				return sec, err
			}
			sec.Transport.Fingerprint = fp
		case "candidate":
			c, err := ParseCandidate(a.Value)
			if err != nil {
				return sec, err
			}
			sec.Transport.Candidates = append(sec.Transport.Candidates, c)
		case "end-of-candidates":
			sec.Transport.EndOfCandidates = true
		case "sctp-port":
			port, err := strconv.ParseUint(a.Value, 10, 16)
			if err != nil {
				return sec, errors.Wrapf(ErrMalformedSDP, "invalid sctp-port %q", a.Value)
			}
			sec.Transport.SCTPPort = uint16(port)
		case "max-message-size":
			size, err := strconv.ParseUint(a.Value, 10, 32)
			if err != nil {
				return sec, errors.Wrapf(ErrMalformedSDP, "invalid max-message-size %q", a.Value)
			}
			sec.Transport.MaxMessageSize = uint32(size)
		case "extmap":
			ext, err := parseExtmap(a.Value)
			if err != nil {
				return sec, err
			}
			sec.Extensions = append(sec.Extensions, ext)
		case "rtpmap":
			pt, pf, err := parseRTPMap(a.Value)
			if err != nil {
				return sec, err
			}
			if existing, ok := formats[pt]; ok {
				pf.Fmtp = existing.Fmtp
				pf.RTCPFeedback = existing.RTCPFeedback
			}
			formats[pt] = &pf
		case "fmtp":
			pt, rest, err := splitPayloadAttr(a.Value)
			if err != nil {
				return sec, err
			}
			ensureFormat(formats, pt).Fmtp = rest
		case "rtcp-fb":
			token, rest, err := splitPayloadToken(a.Value)
			if err != nil {
				return sec, err
			}
			if token == "*" {
				for _, pf := range formats {
					pf.RTCPFeedback = append(pf.RTCPFeedback, rest)
				}
			} else {
				pt, err := parsePayloadType(token)
				if err != nil {
					return sec, err
				}
				pf := ensureFormat(formats, pt)
				pf.RTCPFeedback = append(pf.RTCPFeedback, rest)
			}
		case "ssrc":
			id, rest, err := splitSSRCAttr(a.Value)
			if err != nil {
				return sec, err
			}
			idx, seen := ssrcOrder[id]
			if !seen {
				idx = len(sec.SSRCs)
				ssrcOrder[id] = idx
				sec.SSRCs = append(sec.SSRCs, SSRCInfo{ID: id})
			}
			if rest != "" {
				sec.SSRCs[idx].Attributes = append(sec.SSRCs[idx].Attributes, rest)
			}
		case "ssrc-group":
			group, err := parseSSRCGroup(a.Value)
			if err != nil {
				return sec, err
			}
			sec.SSRCGroups = append(sec.SSRCGroups, group)
		}
	}

	if m.MediaName.Port.Value == 0 {
		// port zero marks a section the peer rejected (RFC 3264); it may
		// legally omit mid and every transport attribute
		sec.Rejected = true
		sec.Direction = DirectionInactive
		return sec, nil
	}
	if sec.MID == "" {
		return sec, errors.Wrap(ErrMalformedSDP, "media section missing mid")
	}

	if sec.Kind != KindApplication {
		// m= line format order is authoritative
		for _, f := range m.MediaName.Formats {
			pt, err := parsePayloadType(f)
			if err != nil {
				return sec, err
			}
			if pf, ok := formats[pt]; ok {
				pf.PayloadType = pt
				sec.PayloadFormats = append(sec.PayloadFormats, *pf)
			} else if static, ok := staticPayloadFormat(pt); ok {
				sec.PayloadFormats = append(sec.PayloadFormats, static)
			}
		}
	} else if sec.Transport.SCTPPort == 0 {
		// pre-RFC 8841 form carries the port as the m= format token
		if len(m.MediaName.Formats) == 1 {
			if port, err := strconv.ParseUint(m.MediaName.Formats[0], 10, 16); err == nil {
				sec.Transport.SCTPPort = uint16(port)
			}
		}
		if sec.Transport.SCTPPort == 0 {
			sec.Transport.SCTPPort = DefaultSCTPPort
		}
	}

	return sec, nil
}

func parseFingerprint(value string) (Fingerprint, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return Fingerprint{}, errors.Wrapf(ErrMalformedSDP, "invalid fingerprint %q", value)
	}
	if _, err := fingerprint.HashFromString(parts[0]); err != nil {
		return Fingerprint{}, errors.Wrapf(ErrMalformedSDP, "unsupported fingerprint hash %q", parts[0])
	}
	return Fingerprint{Algorithm: parts[0], Value: parts[1]}, nil
}

func parseExtmap(value string) (Extension, error) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return Extension{}, errors.Wrapf(ErrMalformedSDP, "invalid extmap %q", value)
	}
	ext := Extension{ID: fields[0], URI: fields[1]}
	if len(fields) > 2 {
		ext.Params = strings.Join(fields[2:], " ")
	}
	return ext, nil
}

func parseRTPMap(value string) (uint8, PayloadFormat, error) {
	token, rest, err := splitPayloadToken(value)
	if err != nil {
		return 0, PayloadFormat{}, err
	}
	pt, err := parsePayloadType(token)
	if err != nil {
		return 0, PayloadFormat{}, err
	}
	enc := strings.Split(rest, "/")
	if len(enc) < 2 {
		return 0, PayloadFormat{}, errors.Wrapf(ErrMalformedSDP, "invalid rtpmap %q", value)
	}
	clock, err := strconv.ParseUint(enc[1], 10, 32)
	if err != nil {
		return 0, PayloadFormat{}, errors.Wrapf(ErrMalformedSDP, "invalid rtpmap clock rate %q", value)
	}
	pf := PayloadFormat{PayloadType: pt, Name: enc[0], ClockRate: uint32(clock)}
	if len(enc) > 2 {
		channels, err := strconv.ParseUint(enc[2], 10, 16)
		if err != nil {
			return 0, PayloadFormat{}, errors.Wrapf(ErrMalformedSDP, "invalid rtpmap channels %q", value)
		}
		pf.Channels = uint16(channels)
	}
	return pt, pf, nil
}

func parseSSRCGroup(value string) (SSRCGroup, error) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return SSRCGroup{}, errors.Wrapf(ErrMalformedSDP, "invalid ssrc-group %q", value)
	}
	group := SSRCGroup{Semantics: fields[0]}
	for _, f := range fields[1:] {
		id, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return SSRCGroup{}, errors.Wrapf(ErrMalformedSDP, "invalid ssrc-group member %q", f)
		}
		group.SSRCs = append(group.SSRCs, uint32(id))
	}
	return group, nil
}

func splitSSRCAttr(value string) (uint32, string, error) {
	parts := strings.SplitN(value, " ", 2)
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", errors.Wrapf(ErrMalformedSDP, "invalid ssrc %q", value)
	}
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}
	return uint32(id), rest, nil
}

func splitPayloadToken(value string) (string, string, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return "", "", errors.Wrapf(ErrMalformedSDP, "invalid payload attribute %q", value)
	}
	return parts[0], parts[1], nil
}

func splitPayloadAttr(value string) (uint8, string, error) {
	token, rest, err := splitPayloadToken(value)
	if err != nil {
		return 0, "", err
	}
	pt, err := parsePayloadType(token)
	if err != nil {
		return 0, "", err
	}
	return pt, rest, nil
}

func parsePayloadType(token string) (uint8, error) {
	pt, err := strconv.ParseUint(token, 10, 8)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedSDP, "invalid payload type %q", token)
	}
	return uint8(pt), nil
}

func ensureFormat(formats map[uint8]*PayloadFormat, pt uint8) *PayloadFormat {
	if pf, ok := formats[pt]; ok {
		return pf
	}
	pf := &PayloadFormat{PayloadType: pt}
	formats[pt] = pf
	return pf
}

func staticPayloadFormat(pt uint8) (PayloadFormat, bool) {
	switch pt {
	case 0:
		return PayloadFormat{PayloadType: 0, Name: "PCMU", ClockRate: 8000, Channels: 1}, true
	case 8:
		return PayloadFormat{PayloadType: 8, Name: "PCMA", ClockRate: 8000, Channels: 1}, true
	}
	return PayloadFormat{}, false
}
