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
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/rtcmock/rtcmock-server/pkg/logger"
	"github.com/rtcmock/rtcmock-server/pkg/sdp"
)

type transportParams struct {
	Config      *WebRTCConfig
	Certificate webrtc.Certificate
	Media       []sdp.MediaSection
	Logger      logger.Logger
}

// transport owns one generation of the ICE/DTLS/SCTP stack. A session
// replaces the whole generation on ICE restart; the certificate is the only
// piece that carries over.
type transport struct {
	params transportParams

	api      *webrtc.API
	me       *webrtc.MediaEngine
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport

	// hasApplication records whether the negotiated description carries an
	// application section; media-only sessions never establish SCTP
	hasApplication bool

	lock            sync.Mutex
	localCandidates []sdp.Candidate
	gatherComplete  bool
	iceConnectedAt  time.Time

	started core.Fuse
	closed  core.Fuse

	onLocalCandidate func(c *sdp.Candidate)
	onICEState       func(state webrtc.ICETransportState)
	onDataChannel    func(dc *webrtc.DataChannel)
}

func newTransport(params transportParams) (*transport, error) {
	api, me, err := newAPI(params.Config, params.Media)
	if err != nil {
		return nil, err
	}

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{
		ICEServers: params.Config.Configuration.ICEServers,
	})
	if err != nil {
		return nil, err
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, []webrtc.Certificate{params.Certificate})
	if err != nil {
		return nil, err
	}
	sctp := api.NewSCTPTransport(dtls)

	hasApplication := false
	for i := range params.Media {
		if params.Media[i].Kind == sdp.KindApplication {
			hasApplication = true
			break
		}
	}

	t := &transport{
		params:   params,
		api:      api,
		me:       me,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		sctp:     sctp,

		hasApplication: hasApplication,

		started: core.NewFuse(),
		closed:  core.NewFuse(),
	}

	sctp.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.lock.Lock()
		f := t.onDataChannel
		t.lock.Unlock()
		if f != nil {
			f(dc)
		}
	})
	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		if state == webrtc.ICETransportStateConnected {
			t.setICEConnectedAt(time.Now())
		}
		t.lock.Lock()
		f := t.onICEState
		t.lock.Unlock()
		if f != nil {
			f(state)
		}
	})
	ice.OnSelectedCandidatePairChange(func(pair *webrtc.ICECandidatePair) {
		params.Logger.Debugw("selected candidate pair changed", "pair", pair.String())
	})

	return t, nil
}

func (t *transport) OnLocalCandidate(f func(c *sdp.Candidate)) {
	t.lock.Lock()
	t.onLocalCandidate = f
	t.lock.Unlock()
}

func (t *transport) OnICEStateChange(f func(state webrtc.ICETransportState)) {
	t.lock.Lock()
	t.onICEState = f
	t.lock.Unlock()
}

func (t *transport) OnDataChannel(f func(dc *webrtc.DataChannel)) {
	t.lock.Lock()
	t.onDataChannel = f
	t.lock.Unlock()
}

// Gather collects local candidates until completion or until the configured
// budget elapses. On timeout the candidates gathered so far stay usable; the
// resulting description simply omits end-of-candidates.
func (t *transport) Gather(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.params.Config.GatherTimeout)
	defer cancel()

	done := make(chan struct{})
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(done)
			t.lock.Lock()
			t.gatherComplete = true
			f := t.onLocalCandidate
			t.lock.Unlock()
			if f != nil {
				f(nil)
			}
			return
		}
		converted := fromICECandidate(c)
		t.lock.Lock()
		t.localCandidates = append(t.localCandidates, converted)
		f := t.onLocalCandidate
		t.lock.Unlock()
		if f != nil {
			f(&converted)
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.params.Logger.Warnw("candidate gathering did not complete within budget", nil,
			"timeout", t.params.Config.GatherTimeout)
	}
	return nil
}

func (t *transport) LocalParameters(setup sdp.Setup) (sdp.TransportParams, error) {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return sdp.TransportParams{}, err
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return sdp.TransportParams{}, err
	}
	if len(dtlsParams.Fingerprints) == 0 {
		return sdp.TransportParams{}, pkgerrors.New("certificate produced no fingerprints")
	}
	fp := dtlsParams.Fingerprints[0]
	caps := t.sctp.GetCapabilities()

	t.lock.Lock()
	candidates := append([]sdp.Candidate(nil), t.localCandidates...)
	complete := t.gatherComplete
	t.lock.Unlock()

	return sdp.TransportParams{
		ICEUfrag:        iceParams.UsernameFragment,
		ICEPwd:          iceParams.Password,
		Fingerprint:     sdp.Fingerprint{Algorithm: fp.Algorithm, Value: fp.Value},
		Setup:           setup,
		Candidates:      candidates,
		EndOfCandidates: complete,
		SCTPPort:        sdp.DefaultSCTPPort,
		MaxMessageSize:  caps.MaxMessageSize,
	}, nil
}

// Start runs ICE, DTLS, and SCTP in sequence, blocking until the stack is
// ready or a phase fails. Safe to call once; later calls are no-ops.
func (t *transport) Start(remote sdp.TransportParams, role webrtc.ICERole) error {
	if t.closed.IsBroken() {
		return ErrSessionClosed
	}
	var err error
	t.started.Once(func() {
		err = t.start(remote, role)
	})
	return err
}

func (t *transport) start(remote sdp.TransportParams, role webrtc.ICERole) error {
	remoteCandidates := make([]webrtc.ICECandidate, 0, len(remote.Candidates))
	for _, c := range remote.Candidates {
		converted, err := toICECandidate(c)
		if err != nil {
			t.params.Logger.Warnw("skipping unusable remote candidate", err, "candidate", c.String())
			continue
		}
		remoteCandidates = append(remoteCandidates, converted)
	}
	if err := t.ice.SetRemoteCandidates(remoteCandidates); err != nil {
		return err
	}

	iceRole := role
	if err := t.ice.Start(t.gatherer, webrtc.ICEParameters{
		UsernameFragment: remote.ICEUfrag,
		Password:         remote.ICEPwd,
	}, &iceRole); err != nil {
		return pkgerrors.WithMessage(ErrICEFailed, err.Error())
	}

	if err := t.startDTLS(remote); err != nil {
		return err
	}

	if !t.hasApplication {
		// media-only negotiation, there is no SCTP association to establish
		return nil
	}
	maxMessageSize := remote.MaxMessageSize
	if maxMessageSize == 0 {
		maxMessageSize = sdp.DefaultMaxMessageSize
	}
	return t.sctp.Start(webrtc.SCTPCapabilities{MaxMessageSize: maxMessageSize})
}

// startDTLS runs the blocking handshake under a watchdog and classifies the
// two fatal outcomes the caller treats differently.
func (t *transport) startDTLS(remote sdp.TransportParams) error {
	timedOut := core.NewFuse()
	watchdog := time.AfterFunc(t.params.Config.HandshakeTimeout, func() {
		timedOut.Once(func() {
			_ = t.dtls.Stop()
		})
	})
	err := t.dtls.Start(webrtc.DTLSParameters{
		Role: remoteDTLSRole(remote.Setup),
		Fingerprints: []webrtc.DTLSFingerprint{
			{Algorithm: remote.Fingerprint.Algorithm, Value: remote.Fingerprint.Value},
		},
	})
	watchdog.Stop()
	if timedOut.IsBroken() {
		return ErrHandshakeTimeout
	}
	if err != nil {
		if strings.Contains(err.Error(), "fingerprint") {
			return pkgerrors.WithMessage(ErrFingerprintMismatch, err.Error())
		}
		return err
	}
	return nil
}

// remoteDTLSRole translates the peer's setup attribute into the peer's DTLS
// role; pion derives the complementary local role from it.
func remoteDTLSRole(setup sdp.Setup) webrtc.DTLSRole {
	switch setup {
	case sdp.SetupActive:
		return webrtc.DTLSRoleClient
	case sdp.SetupPassive:
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func (t *transport) AddRemoteCandidate(c sdp.Candidate) error {
	converted, err := toICECandidate(c)
	if err != nil {
		return err
	}
	return t.ice.AddRemoteCandidate(&converted)
}

func (t *transport) NewDataChannel(label string, ordered bool) (*webrtc.DataChannel, error) {
	if !t.hasApplication {
		return nil, pkgerrors.New("no application section was negotiated")
	}
	// nil stream id lets pion allocate by DTLS role parity
	return t.api.NewDataChannel(t.sctp, &webrtc.DataChannelParameters{
		Label:   label,
		Ordered: ordered,
	})
}

func (t *transport) NewReceiver(kind webrtc.RTPCodecType) (*webrtc.RTPReceiver, error) {
	return t.api.NewRTPReceiver(kind, t.dtls)
}

func (t *transport) NewSender(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return t.api.NewRTPSender(track, t.dtls)
}

func (t *transport) WriteRTCP(pkts []rtcp.Packet) error {
	_, err := t.dtls.WriteRTCP(pkts)
	return err
}

func (t *transport) supportsData() bool {
	return t.hasApplication
}

func (t *transport) SelectedCandidatePair() (*webrtc.ICECandidatePair, error) {
	return t.ice.GetSelectedCandidatePair()
}

func (t *transport) setICEConnectedAt(at time.Time) {
	t.lock.Lock()
	if t.iceConnectedAt.IsZero() {
		// keeps the first connection time across Connected -> Disconnected -> Connected
		t.iceConnectedAt = at
	}
	t.lock.Unlock()
}

func (t *transport) isShortLived(at time.Time) (bool, time.Duration) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.iceConnectedAt.IsZero() {
		return false, 0
	}
	duration := at.Sub(t.iceConnectedAt)
	return duration < shortConnectionThreshold, duration
}

func (t *transport) Close() error {
	var err error
	t.closed.Once(func() {
		err = multierr.Combine(
			t.sctp.Stop(),
			t.dtls.Stop(),
			t.ice.Stop(),
			t.gatherer.Close(),
		)
	})
	return err
}

func fromICECandidate(c *webrtc.ICECandidate) sdp.Candidate {
	return sdp.Candidate{
		Foundation:     c.Foundation,
		Component:      c.Component,
		Protocol:       c.Protocol.String(),
		Priority:       c.Priority,
		Address:        c.Address,
		Port:           c.Port,
		Typ:            sdp.CandidateType(c.Typ.String()),
		RelatedAddress: c.RelatedAddress,
		RelatedPort:    c.RelatedPort,
	}
}

func toICECandidate(c sdp.Candidate) (webrtc.ICECandidate, error) {
	protocol, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	typ, err := webrtc.NewICECandidateType(string(c.Typ))
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	return webrtc.ICECandidate{
		Foundation:     c.Foundation,
		Priority:       c.Priority,
		Address:        c.Address,
		Protocol:       protocol,
		Port:           c.Port,
		Typ:            typ,
		Component:      c.Component,
		RelatedAddress: c.RelatedAddress,
		RelatedPort:    c.RelatedPort,
	}, nil
}
