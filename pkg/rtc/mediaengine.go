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
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/rtcmock/rtcmock-server/pkg/sdp"
)

// createMediaEngine registers every payload format declared across the given
// sections. Receivers and senders can only bind registered codecs, so the
// engine is derived from the negotiated description rather than a static list.
func createMediaEngine(media []sdp.MediaSection) (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	registered := make(map[uint8]bool)
	for i := range media {
		m := &media[i]
		var kind webrtc.RTPCodecType
		switch m.Kind {
		case sdp.KindAudio:
			kind = webrtc.RTPCodecTypeAudio
		case sdp.KindVideo:
			kind = webrtc.RTPCodecTypeVideo
		default:
			continue
		}
		for _, pf := range m.PayloadFormats {
			if registered[pf.PayloadType] {
				continue
			}
			if err := me.RegisterCodec(codecParameters(m.Kind, pf), kind); err != nil {
				return nil, err
			}
			registered[pf.PayloadType] = true
		}
	}
	return me, nil
}

func codecParameters(kind sdp.Kind, pf sdp.PayloadFormat) webrtc.RTPCodecParameters {
	fb := make([]webrtc.RTCPFeedback, 0, len(pf.RTCPFeedback))
	for _, raw := range pf.RTCPFeedback {
		parts := strings.SplitN(raw, " ", 2)
		f := webrtc.RTCPFeedback{Type: parts[0]}
		if len(parts) == 2 {
			f.Parameter = parts[1]
		}
		fb = append(fb, f)
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     fmt.Sprintf("%s/%s", kind, pf.Name),
			ClockRate:    pf.ClockRate,
			Channels:     pf.Channels,
			SDPFmtpLine:  pf.Fmtp,
			RTCPFeedback: fb,
		},
		PayloadType: webrtc.PayloadType(pf.PayloadType),
	}
}

// primaryFormat returns the first media-bearing format of a section, skipping
// retransmission and FEC formats that cannot carry a track by themselves.
func primaryFormat(m *sdp.MediaSection) *sdp.PayloadFormat {
	for i := range m.PayloadFormats {
		switch strings.ToLower(m.PayloadFormats[i].Name) {
		case "rtx", "red", "ulpfec", "flexfec-03":
			continue
		}
		return &m.PayloadFormats[i]
	}
	if len(m.PayloadFormats) > 0 {
		return &m.PayloadFormats[0]
	}
	return nil
}

func newAPI(conf *WebRTCConfig, media []sdp.MediaSection) (*webrtc.API, *webrtc.MediaEngine, error) {
	me, err := createMediaEngine(media)
	if err != nil {
		return nil, nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.ConfigureRTCPReports(ir); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(conf.SettingEngine),
		webrtc.WithInterceptorRegistry(ir),
	)
	return api, me, nil
}
