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
	"sync"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v3"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/rtcmock/rtcmock-server/pkg/logger"
	"github.com/rtcmock/rtcmock-server/pkg/peer"
)

// inboundMessage is one data channel message held until a wait step consumes
// it. seq is monotonically increasing across all channels of a session.
type inboundMessage struct {
	channel  *DataChannel
	payload  []byte
	isString bool
	seq      uint64
}

type behaviorParams struct {
	Steps  []peer.Step
	Logger logger.Logger
	// OnClose is invoked when a CloseConnection step runs.
	OnClose func()
	// OnError receives step execution failures. They do not stop the
	// step cursor.
	OnError func(err error)
}

// behaviorEngine runs a session's scripted steps, one at a time, against its
// live data channels. Messages that arrive before a wait step are kept in a
// backlog so scripts do not race the remote peer: WaitForMessage consumes the
// oldest backlog entry, WaitForNextMessage only resolves with a message that
// arrived after the step began. The engine keeps running across an ICE
// restart; only its channel references are reset.
type behaviorEngine struct {
	params behaviorParams

	lock        sync.Mutex
	backlog     deque.Deque[*inboundMessage]
	seq         uint64
	echoActive  bool
	firstOpened *DataChannel
	lastUsed    *DataChannel

	arrival  chan struct{}
	chanOpen chan struct{}

	running atomic.Bool
}

func newBehaviorEngine(params behaviorParams) *behaviorEngine {
	e := &behaviorEngine{
		params:   params,
		arrival:  make(chan struct{}, 1),
		chanOpen: make(chan struct{}, 1),
	}
	e.backlog.SetMinCapacity(3)
	return e
}

// run executes the step cursor until it is exhausted, a terminal step runs,
// or ctx is cancelled. Safe to call on every reconnect; only the first call
// starts the cursor.
func (e *behaviorEngine) run(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}

	for i, step := range e.params.Steps {
		if ctx.Err() != nil {
			return
		}
		switch s := step.(type) {
		case peer.WaitForMessage:
			if _, err := e.takeMessage(ctx, 0); err != nil {
				return
			}

		case peer.WaitForNextMessage:
			mark := e.nextSeq()
			if _, err := e.takeMessage(ctx, mark); err != nil {
				return
			}

		case peer.SendMessage:
			ch, err := e.targetChannel(ctx)
			if err != nil {
				return
			}
			if err = ch.Send(s.Payload, s.IsString); err != nil {
				e.stepFailed(i, s.Name(), err)
			}

		case peer.EchoAll:
			e.activateEcho()
			return

		case peer.CloseConnection:
			if e.params.OnClose != nil {
				e.params.OnClose()
			}
			return

		default:
			e.params.Logger.Warnw("unknown step skipped", nil, "step", step.Name(), "stepIndex", i)
		}
	}
}

// handleChannelOpen records channel availability for SendMessage targeting.
func (e *behaviorEngine) handleChannelOpen(ch *DataChannel) {
	e.lock.Lock()
	if e.firstOpened == nil {
		e.firstOpened = ch
	}
	e.lock.Unlock()
	signal(e.chanOpen)
}

// handleMessage is invoked from each channel's read loop. Once echo is
// active, the reply is written inline so per channel ordering follows
// arrival order.
func (e *behaviorEngine) handleMessage(ch *DataChannel, payload []byte, isString bool) {
	e.lock.Lock()
	e.seq++
	e.lastUsed = ch
	if e.echoActive {
		e.lock.Unlock()
		e.echo(ch, payload, isString)
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	e.backlog.PushBack(&inboundMessage{
		channel:  ch,
		payload:  buf,
		isString: isString,
		seq:      e.seq,
	})
	e.lock.Unlock()
	signal(e.arrival)
}

// resetChannels drops channel references after an ICE restart replaces the
// transport. The backlog and step cursor carry over.
func (e *behaviorEngine) resetChannels() {
	e.lock.Lock()
	e.firstOpened = nil
	e.lastUsed = nil
	e.lock.Unlock()
}

// takeMessage removes and returns the oldest backlog entry with seq >=
// minSeq, blocking until one arrives. Entries older than minSeq stay queued
// for later wait steps.
func (e *behaviorEngine) takeMessage(ctx context.Context, minSeq uint64) (*inboundMessage, error) {
	for {
		e.lock.Lock()
		idx := e.backlog.Index(func(m *inboundMessage) bool { return m.seq >= minSeq })
		if idx >= 0 {
			msg := e.backlog.Remove(idx)
			e.lock.Unlock()
			return msg, nil
		}
		e.lock.Unlock()

		select {
		case <-e.arrival:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *behaviorEngine) nextSeq() uint64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.seq + 1
}

// targetChannel picks the channel the most recent message arrived on,
// falling back to the first opened channel, and blocks until one is open.
func (e *behaviorEngine) targetChannel(ctx context.Context) (*DataChannel, error) {
	for {
		e.lock.Lock()
		ch := e.lastUsed
		if ch == nil || ch.State() != webrtc.DataChannelStateOpen {
			ch = e.firstOpened
		}
		if ch != nil && ch.State() != webrtc.DataChannelStateOpen {
			ch = nil
		}
		e.lock.Unlock()

		if ch != nil {
			return ch, nil
		}
		select {
		case <-e.chanOpen:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// activateEcho flushes the backlog back to its originating channels and
// keeps echoing from handleMessage. Holding the lock through the flush keeps
// backlog replies ahead of messages arriving during activation.
func (e *behaviorEngine) activateEcho() {
	e.lock.Lock()
	e.echoActive = true
	for e.backlog.Len() > 0 {
		msg := e.backlog.PopFront()
		e.echo(msg.channel, msg.payload, msg.isString)
	}
	e.lock.Unlock()
}

func (e *behaviorEngine) echo(ch *DataChannel, payload []byte, isString bool) {
	if err := ch.Send(payload, isString); err != nil {
		e.params.Logger.Debugw("echo send failed", "label", ch.Label(), "error", err)
	}
}

func (e *behaviorEngine) stepFailed(index int, name string, err error) {
	e.params.Logger.Warnw("step execution failed", err, "step", name, "stepIndex", index)
	if e.params.OnError != nil {
		e.params.OnError(pkgerrors.WithMessagef(err, "step %d (%s)", index, name))
	}
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
