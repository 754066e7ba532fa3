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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"
	"github.com/pion/randutil"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/rtcmock/rtcmock-server/pkg/logger"
	"github.com/rtcmock/rtcmock-server/pkg/peer"
	"github.com/rtcmock/rtcmock-server/pkg/sdp"
	"github.com/rtcmock/rtcmock-server/pkg/telemetry/prometheus"
)

const (
	defaultChannelLabel = "data"

	runesAlphaNum = "abcdefghijklmnopqrstuvwxyz0123456789"
)

type SessionState int32

const (
	SessionStateNew SessionState = iota
	SessionStateConnecting
	SessionStateConnected
	SessionStateDisconnected
	SessionStateFailed
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateNew:
		return "new"
	case SessionStateConnecting:
		return "connecting"
	case SessionStateConnected:
		return "connected"
	case SessionStateDisconnected:
		return "disconnected"
	case SessionStateFailed:
		return "failed"
	case SessionStateClosed:
		return "closed"
	}
	return "unknown"
}

type SessionParams struct {
	ID       string
	Template *peer.Template
	Options  *peer.Options
	Config   *WebRTCConfig
	Logger   logger.Logger
}

// SessionStats is a point-in-time view of a session's traffic.
type SessionStats struct {
	ID        string
	State     SessionState
	Channels  []ChannelStats
	Relays    []RelayStats
	StartedAt time.Time
}

// Session is one live peer connection. It owns the negotiated description
// history, the ICE/DTLS/SCTP transport generation, the data channels and
// media relays living on it, and the behavior engine executing the peer
// template's steps. Negotiation calls are serialized by the session lock;
// step execution runs on its own goroutine and never takes that lock.
type Session struct {
	params SessionParams

	certificate *webrtc.Certificate
	mirror      *sdp.MirrorSource
	canEcho     bool
	cname       string

	sdpSessionID uint64
	sdpVersion   uint64

	lock      sync.Mutex
	transport *transport
	channels  *orderedmap.OrderedMap[uint16, *DataChannel]
	relays    *orderedmap.OrderedMap[string, *mediaRelay]

	localDesc        *sdp.Description
	remoteDesc       *sdp.Description
	pendingLocal     *sdp.Description
	remoteCredential string
	localSetup       sdp.Setup

	iceRole   webrtc.ICERole
	roleFixed bool

	behavior *behaviorEngine

	state     atomic.Int32
	lastError error

	connectedOnce sync.Once
	connectedCh   chan struct{}
	closed        core.Fuse

	createdAt   time.Time
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	callbackLock     sync.Mutex
	onStateChange    func(state SessionState)
	onError          func(err error)
	onLocalCandidate func(c *sdp.Candidate)
	onMediaPacket    func(mid string, pkt *rtp.Packet)
	onClose          func(s *Session)
}

func NewSession(params SessionParams) (*Session, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "could not generate session key")
	}
	cert, err := webrtc.GenerateCertificate(priv)
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "could not generate session certificate")
	}

	opts := params.Options.Clone()
	var mirror *sdp.MirrorSource
	if opts.MirrorSDP != "" {
		if mirror, err = sdp.NewMirrorSource(opts.MirrorSDP); err != nil {
			return nil, err
		}
	}
	params.Options = opts

	cname, err := randutil.GenerateCryptoRandomString(16, runesAlphaNum)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		params:       params,
		certificate:  cert,
		mirror:       mirror,
		canEcho:      params.Template.HasEcho(),
		cname:        cname,
		sdpSessionID: randutil.NewMathRandomGenerator().Uint64(),
		channels:     orderedmap.NewOrderedMap[uint16, *DataChannel](),
		relays:       orderedmap.NewOrderedMap[string, *mediaRelay](),
		connectedCh:  make(chan struct{}),
		closed:       core.NewFuse(),
		createdAt:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.state.Store(int32(SessionStateNew))
	s.behavior = newBehaviorEngine(behaviorParams{
		Steps:  params.Template.Steps(),
		Logger: params.Logger,
		OnClose: func() {
			s.Close()
		},
		OnError: func(err error) {
			s.reportError(err)
		},
	})

	prometheus.SessionStarted()
	return s, nil
}

func (s *Session) ID() string {
	return s.params.ID
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ICERole reports the negotiated agent role. It is fixed by who sent the
// first offer and survives every renegotiation.
func (s *Session) ICERole() webrtc.ICERole {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.iceRole
}

func (s *Session) OnStateChange(f func(state SessionState)) {
	s.callbackLock.Lock()
	s.onStateChange = f
	s.callbackLock.Unlock()
}

func (s *Session) OnError(f func(err error)) {
	s.callbackLock.Lock()
	s.onError = f
	s.callbackLock.Unlock()
}

// OnLocalCandidate streams candidates as they are gathered, for out-of-band
// trickle. A nil candidate marks the end of gathering.
func (s *Session) OnLocalCandidate(f func(c *sdp.Candidate)) {
	s.callbackLock.Lock()
	s.onLocalCandidate = f
	s.callbackLock.Unlock()
}

// OnMediaPacket observes every RTP packet the session's relays pull off the
// wire, keyed by the section's mid.
func (s *Session) OnMediaPacket(f func(mid string, pkt *rtp.Packet)) {
	s.callbackLock.Lock()
	s.onMediaPacket = f
	s.callbackLock.Unlock()
}

func (s *Session) OnClose(f func(s *Session)) {
	s.callbackLock.Lock()
	s.onClose = f
	s.callbackLock.Unlock()
	// fires immediately when registration lost the race with Close
	if s.closed.IsBroken() {
		f(s)
	}
}

// CreateOffer builds a local offer and holds it pending until SetAnswer. The
// session becomes the controlling agent.
func (s *Session) CreateOffer(ctx context.Context) (*sdp.Description, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed.IsBroken() {
		return nil, ErrSessionClosed
	}
	if s.remoteDesc != nil || s.pendingLocal != nil {
		return nil, pkgerrors.New("offer already in progress or session negotiated")
	}

	// the structure probe fixes media sections before transport parameters
	// exist, so the media engine can register the right codecs
	probe, err := sdp.BuildOffer(s.buildParams(sdp.TransportParams{}))
	if err != nil {
		prometheus.RecordNegotiation("offer", err)
		return nil, err
	}

	t, err := s.newTransportLocked(probe.Media)
	if err != nil {
		prometheus.RecordNegotiation("offer", err)
		return nil, err
	}
	if err = t.Gather(ctx); err != nil {
		prometheus.RecordNegotiation("offer", err)
		return nil, err
	}
	if err = s.buildRelaysLocked(t, probe.Media, nil); err != nil {
		prometheus.RecordNegotiation("offer", err)
		return nil, err
	}

	tp, err := t.LocalParameters(sdp.SetupActpass)
	if err != nil {
		prometheus.RecordNegotiation("offer", err)
		return nil, err
	}
	offer, err := sdp.BuildOffer(s.buildParams(tp))
	if err != nil {
		prometheus.RecordNegotiation("offer", err)
		return nil, err
	}
	s.advertiseSendersLocked(offer)

	s.transport = t
	s.pendingLocal = offer
	s.localSetup = sdp.SetupActpass
	s.iceRole = webrtc.ICERoleControlling
	s.roleFixed = true

	prometheus.RecordNegotiation("offer", nil)
	return offer, nil
}

// SetAnswer applies the remote answer to a pending local offer and blocks
// until the transport connects, ctx expires, or the session fails.
func (s *Session) SetAnswer(ctx context.Context, remote *sdp.Description) error {
	s.lock.Lock()
	if s.closed.IsBroken() {
		s.lock.Unlock()
		return ErrSessionClosed
	}
	if s.pendingLocal == nil {
		s.lock.Unlock()
		return ErrNoPendingOffer
	}
	if remote.Type != sdp.TypeAnswer {
		s.lock.Unlock()
		return ErrUnexpectedOffer
	}
	if err := sdp.ValidateMidContinuity(s.pendingLocal, remote); err != nil {
		s.lock.Unlock()
		prometheus.RecordNegotiation("answer", err)
		return err
	}
	remoteTP, err := remote.TransportForBundle()
	if err != nil {
		s.lock.Unlock()
		prometheus.RecordNegotiation("answer", err)
		return err
	}

	s.bindRemoteSSRCsLocked(remote)
	s.localDesc = s.pendingLocal
	s.remoteDesc = remote
	s.pendingLocal = nil
	s.remoteCredential = remoteTP.Credential()
	t := s.transport
	role := s.iceRole
	tp := *remoteTP
	s.lock.Unlock()

	s.setState(SessionStateConnecting)
	go s.connect(t, tp, role)
	prometheus.RecordNegotiation("answer", nil)

	return s.waitUntilConnected(ctx)
}

// AnswerOffer handles both the initial offer and any renegotiation for this
// session. The returned answer is ready to send before the transport
// connects; connection progress is reported through state changes.
func (s *Session) AnswerOffer(ctx context.Context, remote *sdp.Description) (*sdp.Description, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed.IsBroken() {
		return nil, ErrSessionClosed
	}
	if remote.Type != sdp.TypeOffer {
		return nil, ErrUnexpectedAnswer
	}
	if s.pendingLocal != nil {
		return nil, pkgerrors.New("local offer still awaiting an answer")
	}

	if s.remoteDesc == nil {
		answer, err := s.initialAnswerLocked(ctx, remote)
		prometheus.RecordNegotiation("answer", err)
		return answer, err
	}
	return s.renegotiateLocked(ctx, remote)
}

func (s *Session) initialAnswerLocked(ctx context.Context, remote *sdp.Description) (*sdp.Description, error) {
	probe, err := sdp.BuildAnswer(remote, s.buildParams(sdp.TransportParams{}))
	if err != nil {
		return nil, err
	}
	remoteTP, err := remote.TransportForBundle()
	if err != nil {
		return nil, err
	}

	t, err := s.newTransportLocked(s.engineMedia(remote))
	if err != nil {
		return nil, err
	}
	if err = t.Gather(ctx); err != nil {
		return nil, err
	}
	if err = s.buildRelaysLocked(t, probe.Media, remote); err != nil {
		return nil, err
	}

	setup := answerSetup(remoteTP.Setup)
	tp, err := t.LocalParameters(setup)
	if err != nil {
		return nil, err
	}
	answer, err := sdp.BuildAnswer(remote, s.buildParams(tp))
	if err != nil {
		return nil, err
	}
	s.advertiseSendersLocked(answer)

	s.transport = t
	s.localDesc = answer
	s.remoteDesc = remote
	s.remoteCredential = remoteTP.Credential()
	s.localSetup = setup
	if !s.roleFixed {
		s.iceRole = webrtc.ICERoleControlled
		s.roleFixed = true
	}

	s.setState(SessionStateConnecting)
	go s.connect(t, *remoteTP, s.iceRole)
	return answer, nil
}

// renegotiateLocked re-enters the SDP pipeline on a live session. Identical
// remote ICE credentials keep the current transport generation and simply
// re-publish its parameters; fresh credentials mean the peer requested an
// ICE restart, which replaces the whole generation under the same
// certificate and role.
func (s *Session) renegotiateLocked(ctx context.Context, remote *sdp.Description) (*sdp.Description, error) {
	if err := sdp.ValidateMidContinuity(s.remoteDesc, remote); err != nil {
		prometheus.RecordNegotiation("renegotiation", err)
		return nil, err
	}
	remoteTP, err := remote.TransportForBundle()
	if err != nil {
		prometheus.RecordNegotiation("renegotiation", err)
		return nil, err
	}

	if remoteTP.Credential() == s.remoteCredential {
		answer, err := s.renegotiateInPlaceLocked(remote)
		prometheus.RecordNegotiation("renegotiation", err)
		return answer, err
	}

	answer, err := s.restartLocked(ctx, remote, remoteTP)
	prometheus.RecordNegotiation("ice_restart", err)
	return answer, err
}

func (s *Session) renegotiateInPlaceLocked(remote *sdp.Description) (*sdp.Description, error) {
	tp, err := s.transport.LocalParameters(s.localSetup)
	if err != nil {
		return nil, err
	}
	answer, err := sdp.BuildAnswer(remote, s.buildParams(tp))
	if err != nil {
		return nil, err
	}

	// sections added by the re-offer get their relays on the live transport
	if err = s.buildRelaysLocked(s.transport, answer.Media, remote); err != nil {
		return nil, err
	}
	s.bindRemoteSSRCsLocked(remote)
	s.advertiseSendersLocked(answer)
	if s.State() == SessionStateConnected {
		s.startRelaysLocked()
	}

	s.localDesc = answer
	s.remoteDesc = remote
	s.params.Logger.Infow("renegotiated in place", "session", s.params.ID, "mids", answer.MIDs())
	return answer, nil
}

func (s *Session) restartLocked(ctx context.Context, remote *sdp.Description, remoteTP *sdp.TransportParams) (*sdp.Description, error) {
	s.params.Logger.Infow("remote requested ice restart", "session", s.params.ID)

	s.teardownTransportLocked()
	s.behavior.resetChannels()

	probe, err := sdp.BuildAnswer(remote, s.buildParams(sdp.TransportParams{}))
	if err != nil {
		return nil, err
	}
	t, err := s.newTransportLocked(s.engineMedia(remote))
	if err != nil {
		return nil, err
	}
	if err = t.Gather(ctx); err != nil {
		return nil, err
	}
	if err = s.buildRelaysLocked(t, probe.Media, remote); err != nil {
		return nil, err
	}

	setup := answerSetup(remoteTP.Setup)
	tp, err := t.LocalParameters(setup)
	if err != nil {
		return nil, err
	}
	answer, err := sdp.BuildAnswer(remote, s.buildParams(tp))
	if err != nil {
		return nil, err
	}
	s.advertiseSendersLocked(answer)

	s.transport = t
	s.localDesc = answer
	s.remoteDesc = remote
	s.remoteCredential = remoteTP.Credential()
	s.localSetup = setup

	s.setState(SessionStateConnecting)
	go s.connect(t, *remoteTP, s.iceRole)
	return answer, nil
}

// AddRemoteCandidate feeds one out-of-band trickled candidate to the live
// transport. The a=candidate value may carry its prefix.
func (s *Session) AddRemoteCandidate(raw string) error {
	c, err := sdp.ParseCandidate(raw)
	if err != nil {
		return err
	}
	s.lock.Lock()
	t := s.transport
	s.lock.Unlock()
	if t == nil {
		return pkgerrors.New("no transport to receive candidates")
	}
	return t.AddRemoteCandidate(c)
}

// LocalDescription returns the current (or pending) local description.
func (s *Session) LocalDescription() *sdp.Description {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pendingLocal != nil {
		return s.pendingLocal
	}
	return s.localDesc
}

// Fingerprint exposes the session certificate's fingerprint, which stays
// stable across renegotiation and ICE restart.
func (s *Session) Fingerprint() (sdp.Fingerprint, error) {
	fps, err := s.certificate.GetFingerprints()
	if err != nil || len(fps) == 0 {
		return sdp.Fingerprint{}, pkgerrors.New("certificate has no fingerprints")
	}
	return sdp.Fingerprint{Algorithm: fps[0].Algorithm, Value: fps[0].Value}, nil
}

func (s *Session) Stats() SessionStats {
	s.lock.Lock()
	defer s.lock.Unlock()
	stats := SessionStats{
		ID:        s.params.ID,
		State:     s.State(),
		StartedAt: s.createdAt,
	}
	for el := s.channels.Front(); el != nil; el = el.Next() {
		stats.Channels = append(stats.Channels, el.Value.Stats())
	}
	for el := s.relays.Front(); el != nil; el = el.Next() {
		stats.Relays = append(stats.Relays, el.Value.Stats())
	}
	return stats
}

// Close tears down data and media layers, then the transport, exactly once.
func (s *Session) Close() {
	s.closed.Once(func() {
		stats := s.Stats()

		s.setState(SessionStateClosed)
		s.cancel()

		s.lock.Lock()
		s.teardownTransportLocked()
		s.lock.Unlock()

		s.logCloseSummary(stats)
		prometheus.SessionEnded(s.createdAt)

		s.callbackLock.Lock()
		f := s.onClose
		s.callbackLock.Unlock()
		if f != nil {
			f(s)
		}
	})
}

func (s *Session) buildParams(tp sdp.TransportParams) sdp.BuildParams {
	s.sdpVersion++
	return sdp.BuildParams{
		SessionID:           s.sdpSessionID,
		Version:             s.sdpVersion,
		Transport:           tp,
		Mirror:              s.mirror,
		CanEcho:             s.canEcho,
		OfferToReceiveAudio: s.params.Options.OfferToReceiveAudio,
		OfferToReceiveVideo: s.params.Options.OfferToReceiveVideo,
	}
}

// engineMedia collects the sections whose codecs the media engine must know:
// the remote offer's plus, when mirroring, the template's.
func (s *Session) engineMedia(remote *sdp.Description) []sdp.MediaSection {
	media := append([]sdp.MediaSection(nil), remote.Media...)
	if s.mirror != nil {
		media = append(media, s.mirror.Description().Media...)
	}
	return media
}

func (s *Session) newTransportLocked(media []sdp.MediaSection) (*transport, error) {
	t, err := newTransport(transportParams{
		Config:      s.params.Config,
		Certificate: *s.certificate,
		Media:       media,
		Logger:      s.params.Logger,
	})
	if err != nil {
		return nil, err
	}

	t.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.registerChannel(newDataChannel(dc, true))
	})
	t.OnICEStateChange(func(state webrtc.ICETransportState) {
		s.handleICEState(t, state)
	})
	t.OnLocalCandidate(func(c *sdp.Candidate) {
		s.callbackLock.Lock()
		f := s.onLocalCandidate
		s.callbackLock.Unlock()
		if f != nil {
			f(c)
		}
	})
	return t, nil
}

// buildRelaysLocked creates a relay context per media section that admits
// flow. Sections already realized by a matching relay are left untouched so
// renegotiation does not interrupt running media.
func (s *Session) buildRelaysLocked(t *transport, media []sdp.MediaSection, remote *sdp.Description) error {
	for i := range media {
		m := &media[i]
		if m.Kind == sdp.KindApplication || m.Direction == sdp.DirectionInactive {
			continue
		}
		pf := primaryFormat(m)
		if pf == nil {
			continue
		}

		var remoteSSRC uint32
		if remote != nil {
			if rm := remote.MediaForMID(m.MID); rm != nil && rm.Direction.Send() && len(rm.SSRCs) > 0 {
				remoteSSRC = rm.SSRCs[0].ID
			}
		}
		echo := m.Direction.Send() && s.canEcho
		if remoteSSRC == 0 && !echo {
			continue
		}

		if existing, ok := s.relays.Get(m.MID); ok {
			if existing.matches(remoteSSRC, echo, pf.PayloadType) {
				continue
			}
			_ = existing.Close()
			s.relays.Delete(m.MID)
		}

		mid := m.MID
		r, err := newMediaRelay(mediaRelayParams{
			MID:        mid,
			Kind:       m.Kind,
			Codec:      codecParameters(m.Kind, *pf),
			RemoteSSRC: remoteSSRC,
			Echo:       echo,
			Transport:  t,
			Logger:     s.params.Logger,
			OnPacket: func(pkt *rtp.Packet) {
				s.callbackLock.Lock()
				f := s.onMediaPacket
				s.callbackLock.Unlock()
				if f != nil {
					f(mid, pkt)
				}
			},
		})
		if err != nil {
			return err
		}
		s.relays.Set(m.MID, r)
	}
	return nil
}

// bindRemoteSSRCsLocked attaches receive legs for remote streams learned
// after relay construction, e.g. from the answer in the offer flow.
func (s *Session) bindRemoteSSRCsLocked(remote *sdp.Description) {
	for el := s.relays.Front(); el != nil; el = el.Next() {
		r := el.Value
		if r.params.RemoteSSRC != 0 {
			continue
		}
		rm := remote.MediaForMID(r.MID())
		if rm == nil || !rm.Direction.Send() || len(rm.SSRCs) == 0 {
			continue
		}
		if err := r.bindRemote(rm.SSRCs[0].ID); err != nil {
			s.params.Logger.Warnw("could not bind remote stream", err,
				"session", s.params.ID, "mid", r.MID())
		}
	}
}

// advertiseSendersLocked stamps each send section with its relay's outbound
// SSRC so the peer can demux the echoed stream.
func (s *Session) advertiseSendersLocked(d *sdp.Description) {
	for i := range d.Media {
		m := &d.Media[i]
		if m.Kind == sdp.KindApplication || !m.Direction.Send() {
			continue
		}
		r, ok := s.relays.Get(m.MID)
		if !ok || r.SenderSSRC() == 0 {
			continue
		}
		m.MSID = r.streamID + " " + r.trackID
		m.SSRCs = []sdp.SSRCInfo{{
			ID: r.SenderSSRC(),
			Attributes: []string{
				"cname:" + s.cname,
				"msid:" + r.streamID + " " + r.trackID,
			},
		}}
	}
}

func (s *Session) startRelaysLocked() {
	for el := s.relays.Front(); el != nil; el = el.Next() {
		if el.Value.idle() {
			continue
		}
		if err := el.Value.Start(); err != nil {
			s.params.Logger.Warnw("could not start media relay", err,
				"session", s.params.ID, "mid", el.Key)
		}
	}
}

// connect drives one transport generation through ICE, DTLS, and SCTP. It
// blocks on network I/O and reports the outcome through session state.
func (s *Session) connect(t *transport, remote sdp.TransportParams, role webrtc.ICERole) {
	if err := t.Start(remote, role); err != nil {
		// an ICE restart may have replaced this generation while it was
		// still connecting; its failure must not poison the new one
		if !s.isCurrentTransport(t) {
			s.params.Logger.Debugw("replaced transport failed to start",
				"session", s.params.ID, "error", err.Error())
			return
		}
		s.fail(err)
		return
	}
	if s.closed.IsBroken() || !s.isCurrentTransport(t) {
		return
	}

	s.lock.Lock()
	if s.connectedAt.IsZero() {
		s.connectedAt = time.Now()
		prometheus.RecordConnectTime(s.connectedAt.Sub(s.createdAt))
	}
	s.startRelaysLocked()
	openChannel := role == webrtc.ICERoleControlling && t.supportsData() && !s.hasChannelLocked()
	s.lock.Unlock()

	if openChannel {
		if _, err := s.OpenChannel(defaultChannelLabel, true); err != nil {
			s.reportError(err)
		}
	}

	if pair, err := t.SelectedCandidatePair(); err == nil && pair != nil {
		s.params.Logger.Debugw("transport connected",
			"session", s.params.ID, "selectedPair", pair.String())
	}

	s.setState(SessionStateConnected)
	s.connectedOnce.Do(func() {
		close(s.connectedCh)
	})
	prometheus.RecordConnectionResult("connected")

	go s.behavior.run(s.ctx)
}

// OpenChannel opens a data channel toward the peer. The stream id is
// allocated by the stack with the parity the DTLS role dictates.
func (s *Session) OpenChannel(label string, ordered bool) (*DataChannel, error) {
	s.lock.Lock()
	t := s.transport
	s.lock.Unlock()
	if t == nil || s.closed.IsBroken() {
		return nil, ErrSessionClosed
	}

	dc, err := t.NewDataChannel(label, ordered)
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "could not open data channel")
	}
	d := newDataChannel(dc, false)
	s.registerChannel(d)
	return d, nil
}

// SendMessage pushes a payload outside the scripted step sequence, on the
// most recently opened channel that is still usable.
func (s *Session) SendMessage(payload []byte, isString bool) error {
	if s.closed.IsBroken() {
		return ErrSessionClosed
	}
	s.lock.Lock()
	var ch *DataChannel
	for el := s.channels.Front(); el != nil; el = el.Next() {
		if el.Value.State() == webrtc.DataChannelStateOpen {
			ch = el.Value
		}
	}
	s.lock.Unlock()
	if ch == nil {
		return ErrNoOpenChannel
	}
	return ch.Send(payload, isString)
}

// Channels returns the open-order list of the session's channels.
func (s *Session) Channels() []*DataChannel {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*DataChannel, 0, s.channels.Len())
	for el := s.channels.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

func (s *Session) registerChannel(d *DataChannel) {
	d.OnMessage(func(ch *DataChannel, payload []byte, isString bool) {
		s.behavior.handleMessage(ch, payload, isString)
	})
	d.OnClose(func(ch *DataChannel) {
		s.params.Logger.Debugw("data channel closed",
			"session", s.params.ID, "label", ch.Label(), "streamID", ch.StreamID())
	})

	// registration keys on the stream id, which is only final at open
	go func() {
		if err := d.WaitUntilOpen(s.ctx); err != nil {
			return
		}
		s.lock.Lock()
		s.channels.Set(d.StreamID(), d)
		s.lock.Unlock()
		s.params.Logger.Debugw("data channel open",
			"session", s.params.ID, "label", d.Label(),
			"streamID", d.StreamID(), "ordered", d.Ordered(), "inbound", d.Inbound())
		s.behavior.handleChannelOpen(d)
	}()
}

func (s *Session) hasChannelLocked() bool {
	return s.channels.Len() > 0
}

func (s *Session) handleICEState(t *transport, state webrtc.ICETransportState) {
	if !s.isCurrentTransport(t) {
		return
	}
	switch state {
	case webrtc.ICETransportStateConnected:
		if s.State() == SessionStateDisconnected {
			s.setState(SessionStateConnected)
		}
	case webrtc.ICETransportStateDisconnected:
		if s.State() == SessionStateConnected {
			s.setState(SessionStateDisconnected)
		}
	case webrtc.ICETransportStateFailed:
		s.fail(ErrICEFailed)
	}
}

func (s *Session) isCurrentTransport(t *transport) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.transport == t
}

// fail marks the session Failed and tears it down. Fatal by design: ICE and
// DTLS already exhausted their own retry budgets before reporting.
func (s *Session) fail(err error) {
	if s.closed.IsBroken() {
		return
	}
	err = classifyTransportError(err)

	s.lock.Lock()
	s.lastError = err
	s.lock.Unlock()

	s.setState(SessionStateFailed)
	s.reportError(err)
	prometheus.RecordConnectionResult("failed")

	if short, duration := s.transportShortLived(); short {
		s.params.Logger.Warnw("short-lived connection", err,
			"session", s.params.ID, "duration", duration)
	}
	s.Close()
}

func (s *Session) transportShortLived() (bool, time.Duration) {
	s.lock.Lock()
	t := s.transport
	s.lock.Unlock()
	if t == nil {
		return false, 0
	}
	return t.isShortLived(time.Now())
}

func classifyTransportError(err error) error {
	switch {
	case pkgerrors.Is(err, ErrFingerprintMismatch),
		pkgerrors.Is(err, ErrHandshakeTimeout),
		pkgerrors.Is(err, ErrICEFailed):
		return err
	default:
		return pkgerrors.WithMessage(ErrICEFailed, err.Error())
	}
}

func (s *Session) waitUntilConnected(ctx context.Context) error {
	select {
	case <-s.connectedCh:
		return nil
	case <-s.closed.Watch():
		s.lock.Lock()
		err := s.lastError
		s.lock.Unlock()
		if err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(state SessionState) {
	old := SessionState(s.state.Load())
	if old == state || old == SessionStateClosed {
		return
	}
	// Failed is terminal except for the Close that follows it
	if old == SessionStateFailed && state != SessionStateClosed {
		return
	}
	s.state.Store(int32(state))
	s.params.Logger.Infow("session state changed",
		"session", s.params.ID, "from", old.String(), "to", state.String())

	s.callbackLock.Lock()
	f := s.onStateChange
	s.callbackLock.Unlock()
	if f != nil {
		f(state)
	}
}

func (s *Session) reportError(err error) {
	s.callbackLock.Lock()
	f := s.onError
	s.callbackLock.Unlock()
	if f != nil {
		f(err)
	}
}

// teardownTransportLocked closes channels and relays before the transport so
// in-flight deliveries complete against a live association.
func (s *Session) teardownTransportLocked() {
	for el := s.channels.Front(); el != nil; el = el.Next() {
		_ = el.Value.Close()
	}
	s.channels = orderedmap.NewOrderedMap[uint16, *DataChannel]()
	for el := s.relays.Front(); el != nil; el = el.Next() {
		_ = el.Value.Close()
	}
	s.relays = orderedmap.NewOrderedMap[string, *mediaRelay]()
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
}

func (s *Session) logCloseSummary(stats SessionStats) {
	var msgIn, msgOut, bytesIn, bytesOut uint64
	for _, ch := range stats.Channels {
		msgIn += ch.MessagesIn
		msgOut += ch.MessagesOut
		bytesIn += ch.BytesIn
		bytesOut += ch.BytesOut
	}
	var pktsIn, pktsOut uint64
	for _, r := range stats.Relays {
		pktsIn += r.PacketsReceived
		pktsOut += r.PacketsRelayed
	}
	s.params.Logger.Infow("session closed",
		"session", s.params.ID,
		"duration", time.Since(s.createdAt).Round(time.Millisecond),
		"messagesIn", msgIn,
		"messagesOut", msgOut,
		"dataIn", humanize.Bytes(bytesIn),
		"dataOut", humanize.Bytes(bytesOut),
		"packetsIn", pktsIn,
		"packetsOut", pktsOut,
	)
}

// answerSetup picks the answer's setup attribute: prefer the client role
// unless the offer already claimed it.
func answerSetup(offered sdp.Setup) sdp.Setup {
	if offered == sdp.SetupActive {
		return sdp.SetupPassive
	}
	return sdp.SetupActive
}
