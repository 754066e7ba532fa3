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
	"errors"
	"io"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/rtcmock/rtcmock-server/pkg/logger"
	"github.com/rtcmock/rtcmock-server/pkg/sdp"
	"github.com/rtcmock/rtcmock-server/pkg/telemetry/prometheus"
	"github.com/rtcmock/rtcmock-server/pkg/utils"
)

const pliDebounceInterval = 100 * time.Millisecond

type mediaRelayParams struct {
	MID   string
	Kind  sdp.Kind
	Codec webrtc.RTPCodecParameters
	// RemoteSSRC is the stream the peer announced for this section.
	// Zero means the peer does not send on this section.
	RemoteSSRC uint32
	Echo       bool
	Transport  *transport
	Logger     logger.Logger
	// OnPacket, when set, observes every inbound packet before it is echoed
	OnPacket func(pkt *rtp.Packet)
}

// RelayStats is a point-in-time snapshot of one media section's traffic.
type RelayStats struct {
	MID              string
	Kind             sdp.Kind
	SenderSSRC       uint32
	PacketsReceived  uint64
	PacketsRelayed   uint64
	PacketsDropped   uint64
	KeyFrameRequests uint64
}

// mediaRelay terminates one negotiated media section. It always drains the
// inbound RTP stream so receiver buffers cannot fill, and when echo is
// enabled it rewrites each packet onto a locally owned track headed back to
// the same peer. Keyframe requests arriving for the echoed track are
// forwarded upstream so the original encoder refreshes.
type mediaRelay struct {
	params mediaRelayParams

	receiver   *webrtc.RTPReceiver
	sender     *webrtc.RTPSender
	localTrack *webrtc.TrackLocalStaticRTP
	senderSSRC uint32
	trackID    string
	streamID   string

	debouncedPLI func(func())

	started core.Fuse
	closed  core.Fuse

	packetsReceived  atomic.Uint64
	packetsRelayed   atomic.Uint64
	packetsDropped   atomic.Uint64
	keyFrameRequests atomic.Uint64
}

func newMediaRelay(params mediaRelayParams) (*mediaRelay, error) {
	r := &mediaRelay{
		params:       params,
		debouncedPLI: debounce.New(pliDebounceInterval),
		started:      core.NewFuse(),
		closed:       core.NewFuse(),
	}

	if params.RemoteSSRC != 0 {
		receiver, err := params.Transport.NewReceiver(codecTypeForKind(params.Kind))
		if err != nil {
			return nil, pkgerrors.WithMessage(err, "could not create receiver")
		}
		r.receiver = receiver
	}

	if params.Echo {
		r.trackID = utils.NewGuid(utils.TrackPrefix)
		r.streamID = utils.NewGuid(utils.StreamPrefix)
		track, err := webrtc.NewTrackLocalStaticRTP(params.Codec.RTPCodecCapability, r.trackID, r.streamID)
		if err != nil {
			return nil, pkgerrors.WithMessage(err, "could not create local track")
		}
		sender, err := params.Transport.NewSender(track)
		if err != nil {
			return nil, pkgerrors.WithMessage(err, "could not create sender")
		}
		r.localTrack = track
		r.sender = sender
		if encodings := sender.GetParameters().Encodings; len(encodings) > 0 {
			r.senderSSRC = uint32(encodings[0].SSRC)
		}
	}

	return r, nil
}

// bindRemote attaches the receive leg once the peer's SSRC becomes known, for
// sessions that offered before seeing the remote description. Must be called
// before Start.
func (r *mediaRelay) bindRemote(ssrc uint32) error {
	if ssrc == 0 || r.started.IsBroken() || r.closed.IsBroken() {
		return nil
	}
	if r.receiver == nil {
		receiver, err := r.params.Transport.NewReceiver(codecTypeForKind(r.params.Kind))
		if err != nil {
			return pkgerrors.WithMessage(err, "could not create receiver")
		}
		r.receiver = receiver
	}
	r.params.RemoteSSRC = ssrc
	return nil
}

func (r *mediaRelay) MID() string {
	return r.params.MID
}

// matches reports whether the relay already realizes the wanted section
// state, which lets renegotiation keep it untouched.
func (r *mediaRelay) matches(remoteSSRC uint32, echo bool, payloadType uint8) bool {
	return r.params.RemoteSSRC == remoteSSRC &&
		r.params.Echo == echo &&
		uint8(r.params.Codec.PayloadType) == payloadType
}

// idle reports a relay with neither leg; sessions drop these.
func (r *mediaRelay) idle() bool {
	return r.receiver == nil && r.sender == nil
}

// SenderSSRC reports the SSRC the relay will use for outbound packets. It is
// allocated at construction so it can be advertised before media flows.
func (r *mediaRelay) SenderSSRC() uint32 {
	return r.senderSSRC
}

func (r *mediaRelay) Start() error {
	var err error
	r.started.Once(func() {
		err = r.start()
	})
	return err
}

func (r *mediaRelay) start() error {
	if r.receiver != nil {
		if err := r.receiver.Receive(webrtc.RTPReceiveParameters{
			Encodings: []webrtc.RTPDecodingParameters{{
				RTPCodingParameters: webrtc.RTPCodingParameters{
					SSRC:        webrtc.SSRC(r.params.RemoteSSRC),
					PayloadType: r.params.Codec.PayloadType,
				},
			}},
		}); err != nil {
			return pkgerrors.WithMessage(err, "could not start receiver")
		}
		r.receiver.SetRTPParameters(webrtc.RTPParameters{
			Codecs: []webrtc.RTPCodecParameters{r.params.Codec},
		})
	}

	if r.sender != nil {
		if err := r.sender.Send(webrtc.RTPSendParameters{
			RTPParameters: webrtc.RTPParameters{
				Codecs: []webrtc.RTPCodecParameters{r.params.Codec},
			},
			Encodings: []webrtc.RTPEncodingParameters{{
				RTPCodingParameters: webrtc.RTPCodingParameters{
					SSRC:        webrtc.SSRC(r.senderSSRC),
					PayloadType: r.params.Codec.PayloadType,
				},
			}},
		}); err != nil {
			return pkgerrors.WithMessage(err, "could not start sender")
		}
	}

	if r.receiver != nil {
		go r.relayLoop()
	}
	if r.sender != nil {
		go r.forwardRTCP()
	}

	r.params.Logger.Debugw("media relay started",
		"mid", r.params.MID,
		"kind", r.params.Kind,
		"remoteSSRC", r.params.RemoteSSRC,
		"senderSSRC", r.senderSSRC,
		"echo", r.params.Echo,
	)
	return nil
}

func (r *mediaRelay) relayLoop() {
	track := r.receiver.Track()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !r.closed.IsBroken() && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				r.params.Logger.Debugw("rtp read ended", "mid", r.params.MID, "error", err)
			}
			return
		}

		r.packetsReceived.Inc()
		prometheus.IncrementPackets(prometheus.Incoming, 1)
		if f := r.params.OnPacket; f != nil {
			f(pkt)
		}
		if r.localTrack == nil {
			continue
		}
		if err = r.localTrack.WriteRTP(pkt); err != nil {
			r.packetsDropped.Inc()
			prometheus.IncrementPacketsDropped(1)
			continue
		}
		r.packetsRelayed.Inc()
		prometheus.IncrementPackets(prometheus.Outgoing, 1)
	}
}

// forwardRTCP keeps the sender's RTCP stream drained. PLI and FIR are the
// only packets acted on, translated to a PLI against the upstream SSRC.
func (r *mediaRelay) forwardRTCP() {
	for {
		packets, _, err := r.sender.ReadRTCP()
		if err != nil {
			return
		}

		var nack, pli, fir int32
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication:
				pli++
			case *rtcp.FullIntraRequest:
				fir++
			case *rtcp.TransportLayerNack:
				nack++
			}
		}
		prometheus.IncrementRTCP(prometheus.Incoming, nack, pli, fir)

		if r.params.RemoteSSRC != 0 && pli+fir > 0 {
			r.requestKeyFrame()
		}
	}
}

func (r *mediaRelay) requestKeyFrame() {
	r.debouncedPLI(func() {
		if r.closed.IsBroken() {
			return
		}
		r.keyFrameRequests.Inc()
		if err := r.params.Transport.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: r.params.RemoteSSRC},
		}); err != nil {
			r.params.Logger.Debugw("could not forward keyframe request",
				"mid", r.params.MID, "error", err)
			return
		}
		prometheus.IncrementRTCP(prometheus.Outgoing, 0, 1, 0)
	})
}

func (r *mediaRelay) Stats() RelayStats {
	return RelayStats{
		MID:              r.params.MID,
		Kind:             r.params.Kind,
		SenderSSRC:       r.senderSSRC,
		PacketsReceived:  r.packetsReceived.Load(),
		PacketsRelayed:   r.packetsRelayed.Load(),
		PacketsDropped:   r.packetsDropped.Load(),
		KeyFrameRequests: r.keyFrameRequests.Load(),
	}
}

func (r *mediaRelay) Close() error {
	var err error
	r.closed.Once(func() {
		if r.receiver != nil {
			err = multierr.Append(err, r.receiver.Stop())
		}
		if r.sender != nil {
			err = multierr.Append(err, r.sender.Stop())
		}
	})
	return err
}

func codecTypeForKind(kind sdp.Kind) webrtc.RTPCodecType {
	switch kind {
	case sdp.KindAudio:
		return webrtc.RTPCodecTypeAudio
	case sdp.KindVideo:
		return webrtc.RTPCodecTypeVideo
	default:
		return webrtc.RTPCodecType(0)
	}
}
