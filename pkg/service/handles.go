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

	pkgerrors "github.com/pkg/errors"

	"github.com/rtcmock/rtcmock-server/pkg/peer"
	"github.com/rtcmock/rtcmock-server/pkg/rtc"
	"github.com/rtcmock/rtcmock-server/pkg/sdp"
	"github.com/rtcmock/rtcmock-server/pkg/telemetry/prometheus"
	"github.com/rtcmock/rtcmock-server/pkg/utils"
)

// OfferHandle carries a generated local offer while it waits for the remote
// answer. The session exists from the moment the offer is built.
type OfferHandle struct {
	session *rtc.Session
	offer   *sdp.Description
	raw     string
}

func (h *OfferHandle) SessionID() string {
	return h.session.ID()
}

func (h *OfferHandle) Offer() *sdp.Description {
	return h.offer
}

// SDP returns the offer in wire form.
func (h *OfferHandle) SDP() string {
	return h.raw
}

// SetAnswer applies the remote answer and blocks until the session connects
// or ctx expires.
func (h *OfferHandle) SetAnswer(ctx context.Context, rawAnswer string) (*rtc.Session, error) {
	answer, err := sdp.Parse(rawAnswer)
	if err != nil {
		return nil, err
	}
	answer.Type = sdp.TypeAnswer
	if err = h.session.SetAnswer(ctx, answer); err != nil {
		return nil, err
	}
	return h.session, nil
}

// AnswerResult is the outcome of answering a remote offer. The answer is
// ready to deliver; the session connects as soon as the peer applies it.
type AnswerResult struct {
	Answer  *sdp.Description
	SDP     string
	Session *rtc.Session
}

// CreateOffer instantiates a session from the template and produces its
// offer. Options given here override the SDP-shaping defaults of tmpl.
func (s *MockServer) CreateOffer(tmpl *peer.Template, opts *peer.Options) (*OfferHandle, error) {
	sess, err := s.newSession(tmpl, opts)
	if err != nil {
		prometheus.RecordServiceOperation("create_offer", "error", "session")
		return nil, err
	}
	// registered before negotiation so a session that fails (or is swept by
	// Stop) while gathering is evicted through its close hook
	s.manager.Register(sess)

	ctx, cancel := context.WithTimeout(context.Background(), s.rtcConf.GatherTimeout)
	defer cancel()
	offer, err := sess.CreateOffer(ctx)
	if err != nil {
		sess.Close()
		prometheus.RecordServiceOperation("create_offer", "error", "negotiation")
		return nil, err
	}
	raw, err := offer.Marshal()
	if err != nil {
		sess.Close()
		prometheus.RecordServiceOperation("create_offer", "error", "marshal")
		return nil, err
	}

	prometheus.RecordServiceOperation("create_offer", "success", "")
	return &OfferHandle{session: sess, offer: offer, raw: raw}, nil
}

// AnswerOffer instantiates a session from the template and answers the
// remote offer in one step.
func (s *MockServer) AnswerOffer(tmpl *peer.Template, rawOffer string, opts *peer.Options) (*AnswerResult, error) {
	remote, err := sdp.Parse(rawOffer)
	if err != nil {
		prometheus.RecordServiceOperation("answer_offer", "error", "parse")
		return nil, err
	}
	remote.Type = sdp.TypeOffer

	sess, err := s.newSession(tmpl, opts)
	if err != nil {
		prometheus.RecordServiceOperation("answer_offer", "error", "session")
		return nil, err
	}
	s.manager.Register(sess)

	ctx, cancel := context.WithTimeout(context.Background(), s.rtcConf.GatherTimeout)
	defer cancel()
	answer, err := sess.AnswerOffer(ctx, remote)
	if err != nil {
		sess.Close()
		prometheus.RecordServiceOperation("answer_offer", "error", "negotiation")
		return nil, err
	}
	raw, err := answer.Marshal()
	if err != nil {
		sess.Close()
		prometheus.RecordServiceOperation("answer_offer", "error", "marshal")
		return nil, err
	}

	prometheus.RecordServiceOperation("answer_offer", "success", "")
	return &AnswerResult{Answer: answer, SDP: raw, Session: sess}, nil
}

func (s *MockServer) newSession(tmpl *peer.Template, opts *peer.Options) (*rtc.Session, error) {
	if !s.running.Load() {
		return nil, pkgerrors.New("mock server is not running")
	}
	id := utils.NewGuid(utils.SessionPrefix)
	l := s.logger.WithValues("session", id)
	if tid := tmpl.ID(); tid != "" {
		l = l.WithValues("template", tid)
	}
	return rtc.NewSession(rtc.SessionParams{
		ID:       id,
		Template: tmpl,
		Options:  tmpl.Options(opts),
		Config:   s.rtcConf,
		Logger:   l,
	})
}
