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

package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/transport/v2/test"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/rtcmock/rtcmock-server/pkg/config"
	"github.com/rtcmock/rtcmock-server/pkg/peer"
	"github.com/rtcmock/rtcmock-server/pkg/rtc"
	"github.com/rtcmock/rtcmock-server/pkg/sdp"
	"github.com/rtcmock/rtcmock-server/pkg/testutils"
)

func newTestServer(t *testing.T) *MockServer {
	// hard stop with a goroutine dump if a network step wedges
	lim := test.TimeOut(2 * testutils.ConnectTimeout)
	t.Cleanup(func() { lim.Stop() })

	conf, err := config.NewConfig("", nil)
	require.NoError(t, err)
	// hermetic: loopback candidates only, no STUN round trips
	conf.RTC.StunServers = nil
	conf.RTC.IncludeLoopback = true

	s, err := NewMockServer(conf)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func newRemotePeer(t *testing.T) *webrtc.PeerConnection {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	me := &webrtc.MediaEngine{}
	require.NoError(t, me.RegisterDefaultCodecs())
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

// gatherLocalOffer runs the non-trickle offer flow on the remote peer and
// returns the complete SDP.
func gatherLocalOffer(t *testing.T, pc *webrtc.PeerConnection) string {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gatherComplete
	return pc.LocalDescription().SDP
}

func applyAnswer(t *testing.T, pc *webrtc.PeerConnection, rawAnswer string) {
	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  rawAnswer,
	}))
}

func waitConnected(t *testing.T, sess *rtc.Session, pc *webrtc.PeerConnection) {
	testutils.WithTimeout(t, func() string {
		if state := sess.State(); state != rtc.SessionStateConnected {
			return fmt.Sprintf("session state is %s", state)
		}
		if state := pc.ConnectionState(); state != webrtc.PeerConnectionStateConnected {
			return fmt.Sprintf("remote peer state is %s", state)
		}
		return ""
	})
}

func waitChannelOpen(t *testing.T, dc *webrtc.DataChannel) {
	testutils.WithTimeout(t, func() string {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			return fmt.Sprintf("channel %s is %s", dc.Label(), dc.ReadyState())
		}
		return ""
	})
}

type messageRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *messageRecorder) attach(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		r.mu.Lock()
		r.messages = append(r.messages, string(msg.Data))
		r.mu.Unlock()
	})
}

func (r *messageRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func TestAnswerOfferWaitThenSend(t *testing.T) {
	server := newTestServer(t)
	pc := newRemotePeer(t)

	dc, err := pc.CreateDataChannel("chat", nil)
	require.NoError(t, err)
	rec := &messageRecorder{}
	rec.attach(dc)

	tmpl := peer.Build().
		WaitForMessage().
		ThenSend("Goodbye").
		Peer()

	res, err := server.AnswerOffer(tmpl, gatherLocalOffer(t, pc), nil)
	require.NoError(t, err)
	require.Equal(t, 1, server.SessionCount())

	applyAnswer(t, pc, res.SDP)
	waitConnected(t, res.Session, pc)
	waitChannelOpen(t, dc)

	require.NoError(t, dc.SendText("Hello"))
	testutils.WithTimeout(t, func() string {
		if len(rec.snapshot()) == 0 {
			return "no reply yet"
		}
		return ""
	})

	// the script has one send step, so nothing may follow
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, []string{"Goodbye"}, rec.snapshot())

	// out-of-script sends reach the peer on the same channel
	require.NoError(t, res.Session.SendMessage([]byte("postscript"), true))
	testutils.WithTimeout(t, func() string {
		if len(rec.snapshot()) < 2 {
			return "postscript not delivered"
		}
		return ""
	})
	require.Equal(t, []string{"Goodbye", "postscript"}, rec.snapshot())
}

func TestEchoOrderingPerChannel(t *testing.T) {
	server := newTestServer(t)
	pc := newRemotePeer(t)

	dcA, err := pc.CreateDataChannel("chat-1", nil)
	require.NoError(t, err)
	recA := &messageRecorder{}
	recA.attach(dcA)

	tmpl := peer.Build().ThenEcho().Peer()
	res, err := server.AnswerOffer(tmpl, gatherLocalOffer(t, pc), nil)
	require.NoError(t, err)

	applyAnswer(t, pc, res.SDP)
	waitConnected(t, res.Session, pc)
	waitChannelOpen(t, dcA)

	require.NoError(t, dcA.SendText("Test message 1"))
	require.NoError(t, dcA.SendText("Test message 2"))
	testutils.WithTimeout(t, func() string {
		if n := len(recA.snapshot()); n < 2 {
			return fmt.Sprintf("%d of 2 echoes", n)
		}
		return ""
	})
	require.Equal(t, []string{"Test message 1", "Test message 2"}, recA.snapshot())

	// a channel opened mid-session echoes independently
	dcB, err := pc.CreateDataChannel("chat-2", nil)
	require.NoError(t, err)
	recB := &messageRecorder{}
	recB.attach(dcB)
	waitChannelOpen(t, dcB)

	require.NoError(t, dcB.SendText("Test message 3"))
	testutils.WithTimeout(t, func() string {
		if len(recB.snapshot()) == 0 {
			return "no echo on second channel"
		}
		return ""
	})
	require.Equal(t, []string{"Test message 3"}, recB.snapshot())
	require.Equal(t, []string{"Test message 1", "Test message 2"}, recA.snapshot())
}

func TestCreateOfferFlow(t *testing.T) {
	server := newTestServer(t)
	pc := newRemotePeer(t)

	inbound := make(chan *webrtc.DataChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		inbound <- dc
	})

	tmpl := peer.Build().
		WaitForMessage().
		ThenSend("pong").
		Peer()

	handle, err := server.CreateOffer(tmpl, nil)
	require.NoError(t, err)
	require.NotEmpty(t, handle.SDP())

	sess, ok := server.Session(handle.SessionID())
	require.True(t, ok)

	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  handle.SDP(),
	}))
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	answer, err := pc.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(answer))
	<-gatherComplete

	ctx, cancel := context.WithTimeout(context.Background(), testutils.ConnectTimeout)
	defer cancel()
	connected, err := handle.SetAnswer(ctx, pc.LocalDescription().SDP)
	require.NoError(t, err)
	require.Same(t, sess, connected)
	require.Equal(t, rtc.SessionStateConnected, sess.State())
	require.Equal(t, webrtc.ICERoleControlling, sess.ICERole())

	// the offering side opens the default channel
	var dc *webrtc.DataChannel
	select {
	case dc = <-inbound:
	case <-ctx.Done():
		t.Fatal("no inbound data channel")
	}
	require.Equal(t, "data", dc.Label())
	rec := &messageRecorder{}
	rec.attach(dc)
	waitChannelOpen(t, dc)

	require.NoError(t, dc.SendText("ping"))
	testutils.WithTimeout(t, func() string {
		if len(rec.snapshot()) == 0 {
			return "no reply yet"
		}
		return ""
	})
	require.Equal(t, []string{"pong"}, rec.snapshot())
}

func TestRenegotiationKeepsTransport(t *testing.T) {
	server := newTestServer(t)
	pc := newRemotePeer(t)

	dc, err := pc.CreateDataChannel("chat", nil)
	require.NoError(t, err)

	tmpl := peer.Build().ThenEcho().Peer()
	res, err := server.AnswerOffer(tmpl, gatherLocalOffer(t, pc), nil)
	require.NoError(t, err)
	sess := res.Session

	applyAnswer(t, pc, res.SDP)
	waitConnected(t, sess, pc)
	waitChannelOpen(t, dc)

	fpBefore, err := sess.Fingerprint()
	require.NoError(t, err)
	roleBefore := sess.ICERole()

	// a re-offer without new credentials must not restart the transport
	reofferRaw := gatherLocalOffer(t, pc)
	reoffer, err := sdp.Parse(reofferRaw)
	require.NoError(t, err)
	reoffer.Type = sdp.TypeOffer

	ctx, cancel := context.WithTimeout(context.Background(), testutils.ConnectTimeout)
	defer cancel()
	answer, err := sess.AnswerOffer(ctx, reoffer)
	require.NoError(t, err)
	raw, err := answer.Marshal()
	require.NoError(t, err)
	applyAnswer(t, pc, raw)

	require.Equal(t, rtc.SessionStateConnected, sess.State())
	fpAfter, err := sess.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, fpBefore, fpAfter)
	require.Equal(t, roleBefore, sess.ICERole())

	// the channel is still usable across the renegotiation
	rec := &messageRecorder{}
	rec.attach(dc)
	require.NoError(t, dc.SendText("still here"))
	testutils.WithTimeout(t, func() string {
		if len(rec.snapshot()) == 0 {
			return "no echo after renegotiation"
		}
		return ""
	})
}

func TestRenegotiationRejectsMidChange(t *testing.T) {
	server := newTestServer(t)
	pc := newRemotePeer(t)

	_, err := pc.CreateDataChannel("chat", nil)
	require.NoError(t, err)

	tmpl := peer.Build().ThenEcho().Peer()
	res, err := server.AnswerOffer(tmpl, gatherLocalOffer(t, pc), nil)
	require.NoError(t, err)
	sess := res.Session

	applyAnswer(t, pc, res.SDP)
	waitConnected(t, sess, pc)

	mangled, err := sdp.Parse(gatherLocalOffer(t, pc))
	require.NoError(t, err)
	mangled.Type = sdp.TypeOffer
	mangled.Media[0].MID = "swapped"

	ctx, cancel := context.WithTimeout(context.Background(), testutils.ConnectTimeout)
	defer cancel()
	_, err = sess.AnswerOffer(ctx, mangled)
	require.ErrorIs(t, err, sdp.ErrMidMismatch)

	// rejection leaves the live session untouched
	require.Equal(t, rtc.SessionStateConnected, sess.State())
}

func TestUnorderedChannelDeliversAllMessages(t *testing.T) {
	server := newTestServer(t)
	pc := newRemotePeer(t)

	ordered := false
	dc, err := pc.CreateDataChannel("burst", &webrtc.DataChannelInit{Ordered: &ordered})
	require.NoError(t, err)
	rec := &messageRecorder{}
	rec.attach(dc)

	tmpl := peer.Build().ThenEcho().Peer()
	res, err := server.AnswerOffer(tmpl, gatherLocalOffer(t, pc), nil)
	require.NoError(t, err)

	applyAnswer(t, pc, res.SDP)
	waitConnected(t, res.Session, pc)
	waitChannelOpen(t, dc)

	var sent []string
	for i := 0; i < 20; i++ {
		msg := fmt.Sprintf("burst %02d", i)
		sent = append(sent, msg)
		require.NoError(t, dc.SendText(msg))
	}
	testutils.WithTimeout(t, func() string {
		if n := len(rec.snapshot()); n < len(sent) {
			return fmt.Sprintf("%d of %d echoes", n, len(sent))
		}
		return ""
	})
	// an unordered channel guarantees the set, not the order
	require.ElementsMatch(t, sent, rec.snapshot())
}

func TestWaitForNextMessageWaitsForNewArrival(t *testing.T) {
	server := newTestServer(t)
	pc := newRemotePeer(t)

	dc, err := pc.CreateDataChannel("chat", nil)
	require.NoError(t, err)
	rec := &messageRecorder{}
	rec.attach(dc)

	tmpl := peer.Build().
		WaitForMessage().
		WaitForNextMessage().
		ThenSend("done").
		Peer()

	res, err := server.AnswerOffer(tmpl, gatherLocalOffer(t, pc), nil)
	require.NoError(t, err)
	applyAnswer(t, pc, res.SDP)
	waitConnected(t, res.Session, pc)
	waitChannelOpen(t, dc)

	// the first message satisfies the plain wait only
	require.NoError(t, dc.SendText("m1"))
	time.Sleep(300 * time.Millisecond)
	require.Empty(t, rec.snapshot())

	require.NoError(t, dc.SendText("m2"))
	testutils.WithTimeout(t, func() string {
		if len(rec.snapshot()) == 0 {
			return "no reply yet"
		}
		return ""
	})
	require.Equal(t, []string{"done"}, rec.snapshot())
}

// a captured publisher description: audio both ways, video inbound only
var mediaTemplateSDP = strings.Join([]string{
	"v=0",
	"o=- 555 2 IN IP4 192.0.2.20",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE audio1 video1",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111",
	"c=IN IP4 0.0.0.0",
	"a=mid:audio1",
	"a=sendrecv",
	"a=rtcp-mux",
	"a=rtpmap:111 opus/48000/2",
	"a=fmtp:111 minptime=10;useinbandfec=1",
	"a=ssrc:1111 cname:source",
	"m=video 9 UDP/TLS/RTP/SAVPF 96",
	"c=IN IP4 0.0.0.0",
	"a=mid:video1",
	"a=recvonly",
	"a=rtcp-mux",
	"a=rtpmap:96 VP8/90000",
	"a=rtcp-fb:96 nack",
	"a=rtcp-fb:96 nack pli",
	"",
}, "\r\n")

func TestMirroredMediaOfferConnects(t *testing.T) {
	server := newTestServer(t)
	pc := newRemotePeer(t)

	tmpl := peer.Build().ThenEcho().Peer()
	handle, err := server.CreateOffer(tmpl, &peer.Options{MirrorSDP: mediaTemplateSDP})
	require.NoError(t, err)

	// the mirrored offer carries media sections and no application section
	for _, m := range handle.Offer().Media {
		require.NotEqual(t, sdp.KindApplication, m.Kind)
	}

	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  handle.SDP(),
	}))
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	answer, err := pc.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(answer))
	<-gatherComplete

	ctx, cancel := context.WithTimeout(context.Background(), testutils.ConnectTimeout)
	defer cancel()
	sess, err := handle.SetAnswer(ctx, pc.LocalDescription().SDP)
	require.NoError(t, err)

	waitConnected(t, sess, pc)
	// no application section means no default channel to open
	require.Empty(t, sess.Channels())
}

func TestMediaEchoRelay(t *testing.T) {
	server := newTestServer(t)
	pc := newRemotePeer(t)

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"cam", "remote-stream",
	)
	require.NoError(t, err)
	_, err = pc.AddTrack(track)
	require.NoError(t, err)

	var mu sync.Mutex
	var relayed, echoed int
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		for {
			if _, _, err := tr.ReadRTP(); err != nil {
				return
			}
			mu.Lock()
			echoed++
			mu.Unlock()
		}
	})

	tmpl := peer.Build().ThenEcho().Peer()
	res, err := server.AnswerOffer(tmpl, gatherLocalOffer(t, pc), nil)
	require.NoError(t, err)
	res.Session.OnMediaPacket(func(mid string, pkt *rtp.Packet) {
		mu.Lock()
		relayed++
		mu.Unlock()
	})

	applyAnswer(t, pc, res.SDP)
	waitConnected(t, res.Session, pc)

	var seq uint16
	testutils.WithTimeout(t, func() string {
		seq++
		_ = track.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * 3000,
			},
			Payload: []byte{0x10, 0x00, 0x9d, 0x01, 0x2a},
		})
		mu.Lock()
		r, e := relayed, echoed
		mu.Unlock()
		if r == 0 {
			return "relay saw no packets"
		}
		if e == 0 {
			return "no packets echoed back"
		}
		return ""
	})
}

func TestFailedNegotiationNotRegistered(t *testing.T) {
	server := newTestServer(t)

	// a syntactically valid offer whose only payload type is unresolvable
	badOffer := strings.Join([]string{
		"v=0",
		"o=- 9 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 98",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=sendrecv",
		"a=ice-ufrag:remotefrag",
		"a=ice-pwd:remotepwdremotepwdremote",
		"a=fingerprint:sha-256 19:E2:1C:3B:4B:9F:81:E6:B8:5C:F4:A5:A8:D8:73:04:BB:05:2F:70:9F:04:A9:0E:05:E9:26:33:E8:70:88:A2",
		"a=setup:actpass",
		"",
	}, "\r\n")

	tmpl := peer.Build().ThenEcho().Peer()
	_, err := server.AnswerOffer(tmpl, badOffer, nil)
	require.ErrorIs(t, err, sdp.ErrUnsupportedMedia)
	require.Equal(t, 0, server.SessionCount())
}

func TestStopClosesSessions(t *testing.T) {
	server := newTestServer(t)
	tmpl := peer.Build().ThenEcho().Peer()

	var sessions []*rtc.Session
	for i := 0; i < 2; i++ {
		pc := newRemotePeer(t)
		_, err := pc.CreateDataChannel("chat", nil)
		require.NoError(t, err)

		res, err := server.AnswerOffer(tmpl, gatherLocalOffer(t, pc), nil)
		require.NoError(t, err)
		applyAnswer(t, pc, res.SDP)
		waitConnected(t, res.Session, pc)
		sessions = append(sessions, res.Session)
	}
	require.Equal(t, 2, server.SessionCount())

	server.Stop()
	require.False(t, server.IsRunning())
	testutils.WithTimeout(t, func() string {
		if n := server.SessionCount(); n != 0 {
			return fmt.Sprintf("%d sessions still registered", n)
		}
		return ""
	})
	for _, sess := range sessions {
		require.Equal(t, rtc.SessionStateClosed, sess.State())
	}

	// new work is refused after shutdown
	_, err := server.CreateOffer(tmpl, nil)
	require.Error(t, err)
}
