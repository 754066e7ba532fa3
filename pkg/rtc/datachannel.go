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
	"io"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/rtcmock/rtcmock-server/pkg/telemetry/prometheus"
)

// DataChannel wraps a negotiated channel with open/close tracking and
// message counters. Inbound and locally opened channels behave identically
// once open.
type DataChannel struct {
	dc        *webrtc.DataChannel
	inbound   bool
	createdAt time.Time

	openOnce sync.Once
	opened   chan struct{}
	closed   core.Fuse

	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64

	lock      sync.Mutex
	onMessage func(d *DataChannel, payload []byte, isString bool)
	onClose   func(d *DataChannel)
}

type ChannelStats struct {
	Label       string
	MessagesIn  uint64
	MessagesOut uint64
	BytesIn     uint64
	BytesOut    uint64
}

func newDataChannel(dc *webrtc.DataChannel, inbound bool) *DataChannel {
	d := &DataChannel{
		dc:        dc,
		inbound:   inbound,
		createdAt: time.Now(),
		opened:    make(chan struct{}),
		closed:    core.NewFuse(),
	}

	dc.OnOpen(func() {
		d.markOpen()
	})
	// inbound channels may already be open when surfaced
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		d.markOpen()
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		d.messagesIn.Inc()
		d.bytesIn.Add(uint64(len(msg.Data)))
		prometheus.IncrementMessages(prometheus.Incoming, 1)
		prometheus.IncrementMessageBytes(prometheus.Incoming, uint64(len(msg.Data)))
		d.lock.Lock()
		f := d.onMessage
		d.lock.Unlock()
		if f != nil {
			f(d, msg.Data, msg.IsString)
		}
	})
	dc.OnClose(func() {
		d.closed.Once(func() {
			// the gauge only counts channels that reached open
			select {
			case <-d.opened:
				prometheus.DataChannelClosed()
			default:
			}
			d.lock.Lock()
			f := d.onClose
			d.lock.Unlock()
			if f != nil {
				f(d)
			}
		})
	})

	return d
}

func (d *DataChannel) markOpen() {
	d.openOnce.Do(func() {
		prometheus.DataChannelOpened()
		close(d.opened)
	})
}

func (d *DataChannel) Label() string {
	return d.dc.Label()
}

// StreamID returns the negotiated SCTP stream id, 0 until assignment. Parity
// follows the DTLS role split: even for the client side, odd for the server.
func (d *DataChannel) StreamID() uint16 {
	if id := d.dc.ID(); id != nil {
		return *id
	}
	return 0
}

func (d *DataChannel) Ordered() bool {
	return d.dc.Ordered()
}

func (d *DataChannel) Inbound() bool {
	return d.inbound
}

func (d *DataChannel) State() webrtc.DataChannelState {
	return d.dc.ReadyState()
}

func (d *DataChannel) OnMessage(f func(d *DataChannel, payload []byte, isString bool)) {
	d.lock.Lock()
	d.onMessage = f
	d.lock.Unlock()
}

func (d *DataChannel) OnClose(f func(d *DataChannel)) {
	d.lock.Lock()
	d.onClose = f
	d.lock.Unlock()
}

func (d *DataChannel) WaitUntilOpen(ctx context.Context) error {
	select {
	case <-d.opened:
		return nil
	case <-d.closed.Watch():
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes a payload with the given framing. Sends on channels that have
// closed, or close mid-send, report ErrChannelClosed so callers can treat it
// as a recoverable per-step failure.
func (d *DataChannel) Send(payload []byte, isString bool) error {
	if d.closed.IsBroken() || d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelClosed
	}

	var err error
	if isString {
		err = d.dc.SendText(string(payload))
	} else {
		err = d.dc.Send(payload)
	}
	if err != nil {
		if pkgerrors.Is(err, io.ErrClosedPipe) {
			return ErrChannelClosed
		}
		return err
	}

	d.messagesOut.Inc()
	d.bytesOut.Add(uint64(len(payload)))
	prometheus.IncrementMessages(prometheus.Outgoing, 1)
	prometheus.IncrementMessageBytes(prometheus.Outgoing, uint64(len(payload)))
	return nil
}

func (d *DataChannel) Close() error {
	return d.dc.Close()
}

func (d *DataChannel) Stats() ChannelStats {
	return ChannelStats{
		Label:       d.dc.Label(),
		MessagesIn:  d.messagesIn.Load(),
		MessagesOut: d.messagesOut.Load(),
		BytesIn:     d.bytesIn.Load(),
		BytesOut:    d.bytesOut.Load(),
	}
}
