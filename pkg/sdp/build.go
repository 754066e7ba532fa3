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
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// BuildParams carries everything a session contributes to a description:
// fresh transport parameters and its negotiation posture.
type BuildParams struct {
	SessionID uint64
	Version   uint64
	Transport TransportParams
	// Mirror supplies the structural template, if any
	Mirror *MirrorSource
	// CanEcho marks sessions that send media back, which keeps send legs alive
	CanEcho             bool
	OfferToReceiveAudio bool
	OfferToReceiveVideo bool
}

// BuildOffer synthesizes an offer. Without a mirror source it is a minimal
// data-channel offer, optionally with recvonly media sections; with one, the
// media structure is the mirror's with this session's transport parameters.
func BuildOffer(p BuildParams) (*Description, error) {
	d := &Description{Type: TypeOffer, SessionID: p.SessionID, Version: p.Version}

	if p.Mirror != nil {
		src := p.Mirror.Description()
		for i := range src.Media {
			s := &src.Media[i]
			if s.Kind == KindApplication {
				d.Media = append(d.Media, applicationSection(s.MID, p.Transport))
				continue
			}
			sec := mirrorSection(s, p.Transport)
			sec.Direction = offerDirection(s.Direction, p.CanEcho)
			if sec.Direction.Send() {
				// outbound SSRCs belong to this session's senders
				sec.SSRCs = nil
				sec.SSRCGroups = nil
			}
			d.Media = append(d.Media, sec)
		}
	} else {
		mid := 0
		next := func() string {
			s := strconv.Itoa(mid)
			mid++
			return s
		}
		d.Media = append(d.Media, applicationSection(next(), p.Transport))
		if p.OfferToReceiveAudio {
			d.Media = append(d.Media, synthesizedSection(KindAudio, next(), DirectionRecvOnly, p.Transport))
		}
		if p.OfferToReceiveVideo {
			d.Media = append(d.Media, synthesizedSection(KindVideo, next(), DirectionRecvOnly, p.Transport))
		}
	}

	d.BundleMIDs = acceptedMIDs(d)
	return d, nil
}

// BuildAnswer produces one section per offered section, same order, same mid.
// Directions are the complement of the offer constrained by local capability.
func BuildAnswer(remote *Description, p BuildParams) (*Description, error) {
	if remote == nil || len(remote.Media) == 0 {
		return nil, errors.Wrap(ErrMalformedSDP, "offer has no media sections")
	}

	d := &Description{Type: TypeAnswer, SessionID: p.SessionID, Version: p.Version}
	mirrorUsed := make(map[Kind]int)

	for i := range remote.Media {
		rm := &remote.Media[i]
		if rm.Rejected {
			// a section the offerer already zeroed stays rejected, keeping
			// the m= line order intact
			d.Media = append(d.Media, rejectedSection(rm))
			continue
		}
		switch rm.Kind {
		case KindApplication:
			d.Media = append(d.Media, applicationSection(rm.MID, p.Transport))

		case KindAudio, KindVideo:
			if len(rm.PayloadFormats) == 0 {
				return nil, errors.Wrapf(ErrUnsupportedMedia, "mid %q has no usable payload formats", rm.MID)
			}
			var sec MediaSection
			if src := p.Mirror.sectionForKind(rm.Kind, mirrorUsed[rm.Kind]); src != nil {
				mirrorUsed[rm.Kind]++
				sec = mirrorSection(src, p.Transport)
				// answer structure comes from the offer
				sec.MID = rm.MID
				sec.Protocol = rm.Protocol
			} else {
				sec = MediaSection{
					MID:            rm.MID,
					Kind:           rm.Kind,
					Protocol:       rm.Protocol,
					PayloadFormats: clonePayloadFormats(rm.PayloadFormats),
					Extensions:     cloneExtensions(rm.Extensions),
					RTCPMux:        true,
					Transport:      p.Transport,
				}
			}
			sec.Direction = rm.Direction.Flip(p.CanEcho)
			if sec.Direction.Send() {
				sec.SSRCs = nil
				sec.SSRCGroups = nil
			}
			d.Media = append(d.Media, sec)

		default:
			return nil, errors.Wrapf(ErrUnsupportedMedia, "media kind %q", rm.Kind)
		}
	}

	d.BundleMIDs = acceptedMIDs(d)
	return d, nil
}

// acceptedMIDs lists the mids eligible for the BUNDLE group; rejected
// sections stay out of it.
func acceptedMIDs(d *Description) []string {
	mids := make([]string, 0, len(d.Media))
	for i := range d.Media {
		if d.Media[i].Rejected || d.Media[i].MID == "" {
			continue
		}
		mids = append(mids, d.Media[i].MID)
	}
	return mids
}

func rejectedSection(rm *MediaSection) MediaSection {
	return MediaSection{
		MID:            rm.MID,
		Kind:           rm.Kind,
		Protocol:       rm.Protocol,
		Direction:      DirectionInactive,
		PayloadFormats: clonePayloadFormats(rm.PayloadFormats),
		Rejected:       true,
	}
}

// offer directions state capability: sendrecv when this side echoes media
// back, recvonly when it only consumes, inactive mirrors inactive.
func offerDirection(src Direction, canEcho bool) Direction {
	if src == DirectionInactive {
		return DirectionInactive
	}
	if canEcho {
		return DirectionSendRecv
	}
	return DirectionRecvOnly
}

func applicationSection(mid string, tp TransportParams) MediaSection {
	if tp.SCTPPort == 0 {
		tp.SCTPPort = DefaultSCTPPort
	}
	if tp.MaxMessageSize == 0 {
		tp.MaxMessageSize = DefaultMaxMessageSize
	}
	return MediaSection{
		MID:       mid,
		Kind:      KindApplication,
		Protocol:  ProtocolSCTP,
		Direction: DirectionSendRecv,
		Transport: tp,
	}
}

func synthesizedSection(kind Kind, mid string, dir Direction, tp TransportParams) MediaSection {
	sec := MediaSection{
		MID:       mid,
		Kind:      kind,
		Protocol:  ProtocolSAVPF,
		Direction: dir,
		RTCPMux:   true,
		Transport: tp,
	}
	switch kind {
	case KindAudio:
		sec.PayloadFormats = []PayloadFormat{{
			PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2,
			Fmtp: "minptime=10;useinbandfec=1",
		}}
	case KindVideo:
		sec.PayloadFormats = []PayloadFormat{{
			PayloadType: 96, Name: "VP8", ClockRate: 90000,
			RTCPFeedback: []string{"nack", "nack pli", "ccm fir"},
		}}
	}
	return sec
}

// Marshal serializes to standard SDP grammar, the only point where the typed
// model leaves the process.
func (d *Description) Marshal() (string, error) {
	sd := &pionsdp.SessionDescription{
		Origin: pionsdp.Origin{
			Username:       "-",
			SessionID:      d.SessionID,
			SessionVersion: d.Version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName:      "-",
		TimeDescriptions: []pionsdp.TimeDescription{{}},
	}
	if len(d.BundleMIDs) > 0 {
		sd.Attributes = append(sd.Attributes, pionsdp.Attribute{
			Key: "group", Value: "BUNDLE " + strings.Join(d.BundleMIDs, " "),
		})
	}
	sd.Attributes = append(sd.Attributes, pionsdp.Attribute{Key: "msid-semantic", Value: " WMS"})

	for i := range d.Media {
		md, err := marshalMediaSection(&d.Media[i])
		if err != nil {
			return "", err
		}
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}

	out, err := sd.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "could not marshal session description")
	}
	return string(out), nil
}

func marshalMediaSection(m *MediaSection) (*pionsdp.MediaDescription, error) {
	if m.Rejected {
		return marshalRejectedSection(m), nil
	}

	tp := &m.Transport
	if tp.ICEUfrag == "" || tp.ICEPwd == "" {
		return nil, errors.Errorf("mid %q is missing ICE credentials", m.MID)
	}
	if tp.Fingerprint.Value == "" {
		return nil, errors.Errorf("mid %q is missing a certificate fingerprint", m.MID)
	}
	if tp.Setup == "" {
		return nil, errors.Errorf("mid %q is missing a setup role", m.MID)
	}

	md := &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   string(m.Kind),
			Port:    pionsdp.RangedPort{Value: 9},
			Protos:  strings.Split(m.Protocol, "/"),
			Formats: m.FormatIDs(),
		},
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &pionsdp.Address{Address: "0.0.0.0"},
		},
	}
	attr := func(key, value string) {
		md.Attributes = append(md.Attributes, pionsdp.Attribute{Key: key, Value: value})
	}

	attr("setup", string(tp.Setup))
	attr("mid", m.MID)
	for _, e := range m.Extensions {
		attr("extmap", e.marshal())
	}
	if m.Kind != KindApplication {
		attr(string(m.Direction), "")
		if m.MSID != "" {
			attr("msid", m.MSID)
		}
		if m.RTCPMux {
			attr("rtcp-mux", "")
		}
		for _, pf := range m.PayloadFormats {
			attr("rtpmap", pf.marshalRTPMap())
			for _, fb := range pf.RTCPFeedback {
				attr("rtcp-fb", fmt.Sprintf("%d %s", pf.PayloadType, fb))
			}
			if pf.Fmtp != "" {
				attr("fmtp", fmt.Sprintf("%d %s", pf.PayloadType, pf.Fmtp))
			}
		}
		for _, g := range m.SSRCGroups {
			attr("ssrc-group", g.marshal())
		}
		for _, s := range m.SSRCs {
			if len(s.Attributes) == 0 {
				attr("ssrc", strconv.FormatUint(uint64(s.ID), 10))
				continue
			}
			for _, sa := range s.Attributes {
				attr("ssrc", fmt.Sprintf("%d %s", s.ID, sa))
			}
		}
	}

	attr("ice-ufrag", tp.ICEUfrag)
	attr("ice-pwd", tp.ICEPwd)
	attr("fingerprint", tp.Fingerprint.Algorithm+" "+tp.Fingerprint.Value)
	for _, c := range tp.Candidates {
		attr("candidate", c.Marshal())
	}
	if tp.EndOfCandidates {
		attr("end-of-candidates", "")
	}
	if m.Kind == KindApplication {
		attr("sctp-port", strconv.Itoa(int(tp.SCTPPort)))
		attr("max-message-size", strconv.FormatUint(uint64(tp.MaxMessageSize), 10))
	}
	return md, nil
}

// marshalRejectedSection emits the port-zero form. The format list must stay
// non-empty for the m= line to parse, even though nothing is negotiated.
func marshalRejectedSection(m *MediaSection) *pionsdp.MediaDescription {
	formats := m.FormatIDs()
	if len(formats) == 0 {
		formats = []string{"0"}
	}
	md := &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   string(m.Kind),
			Port:    pionsdp.RangedPort{Value: 0},
			Protos:  strings.Split(m.Protocol, "/"),
			Formats: formats,
		},
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &pionsdp.Address{Address: "0.0.0.0"},
		},
	}
	if m.MID != "" {
		md.Attributes = append(md.Attributes, pionsdp.Attribute{Key: "mid", Value: m.MID})
	}
	md.Attributes = append(md.Attributes, pionsdp.Attribute{Key: string(DirectionInactive), Value: ""})
	return md
}

func (e Extension) marshal() string {
	out := e.ID + " " + e.URI
	if e.Params != "" {
		out += " " + e.Params
	}
	return out
}

func (g SSRCGroup) marshal() string {
	parts := make([]string, 0, len(g.SSRCs)+1)
	parts = append(parts, g.Semantics)
	for _, id := range g.SSRCs {
		parts = append(parts, strconv.FormatUint(uint64(id), 10))
	}
	return strings.Join(parts, " ")
}

func (pf PayloadFormat) marshalRTPMap() string {
	out := fmt.Sprintf("%d %s/%d", pf.PayloadType, pf.Name, pf.ClockRate)
	if pf.Channels > 0 {
		out += "/" + strconv.Itoa(int(pf.Channels))
	}
	return out
}
