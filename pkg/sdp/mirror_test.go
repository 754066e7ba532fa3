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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// captured from a typical browser publisher: audio it sends and receives,
// video it only receives
var mirrorFixture = strings.Join([]string{
	"v=0",
	"o=- 987654 2 IN IP4 192.0.2.10",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE audio1 video1",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0",
	"c=IN IP4 0.0.0.0",
	"a=mid:audio1",
	"a=sendrecv",
	"a=rtcp-mux",
	"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level",
	"a=rtpmap:111 opus/48000/2",
	"a=fmtp:111 minptime=10;useinbandfec=1",
	"a=rtcp-fb:111 transport-cc",
	"a=ssrc:1111 cname:source",
	"a=ssrc:1111 msid:stream audiotrack",
	"a=ice-ufrag:sourcefrag",
	"a=ice-pwd:sourcepwdsourcepwdsource",
	"a=fingerprint:sha-256 19:E2:1C:3B:4B:9F:81:E6:B8:5C:F4:A5:A8:D8:73:04:BB:05:2F:70:9F:04:A9:0E:05:E9:26:33:E8:70:88:A2",
	"a=setup:actpass",
	"a=candidate:1 1 udp 2130706431 192.0.2.10 40000 typ host",
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97",
	"c=IN IP4 0.0.0.0",
	"a=mid:video1",
	"a=recvonly",
	"a=rtcp-mux",
	"a=rtpmap:96 VP8/90000",
	"a=rtcp-fb:96 nack",
	"a=rtcp-fb:96 nack pli",
	"a=rtpmap:97 rtx/90000",
	"a=fmtp:97 apt=96",
	"a=ssrc-group:FID 2222 3333",
	"a=ssrc:2222 cname:source",
	"a=ssrc:3333 cname:source",
	"a=ice-ufrag:sourcefrag",
	"a=ice-pwd:sourcepwdsourcepwdsource",
	"a=fingerprint:sha-256 19:E2:1C:3B:4B:9F:81:E6:B8:5C:F4:A5:A8:D8:73:04:BB:05:2F:70:9F:04:A9:0E:05:E9:26:33:E8:70:88:A2",
	"a=setup:actpass",
	"",
}, "\r\n")

func TestMirrorSourceCacheReuse(t *testing.T) {
	a, err := NewMirrorSource(mirrorFixture)
	require.NoError(t, err)
	b, err := NewMirrorSource(mirrorFixture)
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestMirroredOfferPreservesStructure(t *testing.T) {
	src, err := NewMirrorSource(mirrorFixture)
	require.NoError(t, err)

	offer, err := BuildOffer(BuildParams{
		Transport: testTransportParams("sessionfrag"),
		Mirror:    src,
	})
	require.NoError(t, err)

	tmpl := src.Description()
	require.Len(t, offer.Media, len(tmpl.Media))
	require.Equal(t, tmpl.MIDs(), offer.MIDs())
	for i := range tmpl.Media {
		require.Equal(t, tmpl.Media[i].Kind, offer.Media[i].Kind)
		require.Equal(t, tmpl.Media[i].Protocol, offer.Media[i].Protocol)
		require.Equal(t, tmpl.Media[i].PayloadFormats, offer.Media[i].PayloadFormats)
		require.Equal(t, tmpl.Media[i].Extensions, offer.Media[i].Extensions)
	}
}

func TestMirroredOfferRegeneratesTransport(t *testing.T) {
	src, err := NewMirrorSource(mirrorFixture)
	require.NoError(t, err)

	first, err := BuildOffer(BuildParams{Transport: testTransportParams("firstfrag"), Mirror: src})
	require.NoError(t, err)
	second, err := BuildOffer(BuildParams{Transport: testTransportParams("secondfrag"), Mirror: src})
	require.NoError(t, err)

	tmpl := src.Description()
	for _, offer := range []*Description{first, second} {
		for i := range offer.Media {
			require.NotEqual(t, tmpl.Media[i].Transport.ICEUfrag, offer.Media[i].Transport.ICEUfrag)
			require.NotEqual(t, tmpl.Media[i].Transport.ICEPwd, offer.Media[i].Transport.ICEPwd)
		}
	}
	// and they are unique per session
	require.NotEqual(t,
		first.Media[0].Transport.Credential(),
		second.Media[0].Transport.Credential())
}

func TestMirroredOfferFlipsDirectionWithoutLocalMedia(t *testing.T) {
	src, err := NewMirrorSource(mirrorFixture)
	require.NoError(t, err)

	offer, err := BuildOffer(BuildParams{Transport: testTransportParams("x"), Mirror: src})
	require.NoError(t, err)
	// no local media: every active template section collapses to recvonly
	require.Equal(t, DirectionRecvOnly, offer.Media[0].Direction)
	require.Equal(t, DirectionRecvOnly, offer.Media[1].Direction)

	echoOffer, err := BuildOffer(BuildParams{Transport: testTransportParams("x"), Mirror: src, CanEcho: true})
	require.NoError(t, err)
	require.Equal(t, DirectionSendRecv, echoOffer.Media[0].Direction)
	require.Equal(t, DirectionSendRecv, echoOffer.Media[1].Direction)
}

func TestMirroredAnswerDirectionMatrix(t *testing.T) {
	remote, err := Parse(mirrorFixture)
	require.NoError(t, err)
	remote.Type = TypeOffer

	src, err := NewMirrorSource(mirrorFixture)
	require.NoError(t, err)

	answer, err := BuildAnswer(remote, BuildParams{Transport: testTransportParams("y"), Mirror: src})
	require.NoError(t, err)
	// audio sendrecv -> recvonly, video recvonly -> inactive
	require.Equal(t, DirectionRecvOnly, answer.Media[0].Direction)
	require.Equal(t, DirectionInactive, answer.Media[1].Direction)
	require.Equal(t, remote.MIDs(), answer.MIDs())
}

func TestMirroredSectionsAreDeepCopies(t *testing.T) {
	src, err := NewMirrorSource(mirrorFixture)
	require.NoError(t, err)

	offer, err := BuildOffer(BuildParams{Transport: testTransportParams("z"), Mirror: src})
	require.NoError(t, err)

	offer.Media[0].PayloadFormats[0].Name = "mangled"
	offer.Media[1].SSRCGroups = nil

	require.Equal(t, "opus", src.Description().Media[0].PayloadFormats[0].Name)
	require.Len(t, src.Description().Media[1].SSRCGroups, 1)
}
