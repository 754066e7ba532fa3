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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtcmock/rtcmock-server/pkg/logger"
)

func TestWaitForNextMessageSkipsBacklog(t *testing.T) {
	e := newBehaviorEngine(behaviorParams{Logger: logger.GetLogger()})

	e.handleMessage(nil, []byte("first"), true)
	e.handleMessage(nil, []byte("second"), true)

	msg, err := e.takeMessage(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "first", string(msg.payload))

	// "second" is already in the backlog, so a wait anchored past the
	// current sequence must not resolve with it
	mark := e.nextSeq()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	_, err = e.takeMessage(ctx, mark)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(50 * time.Millisecond)
		e.handleMessage(nil, []byte("third"), true)
	}()
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err = e.takeMessage(ctx, mark)
	require.NoError(t, err)
	require.Equal(t, "third", string(msg.payload))

	// the skipped entry stays queued for an unanchored wait
	msg, err = e.takeMessage(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "second", string(msg.payload))
}

func TestTakeMessageSequencePerSession(t *testing.T) {
	e := newBehaviorEngine(behaviorParams{Logger: logger.GetLogger()})

	e.handleMessage(nil, []byte("a"), true)
	e.handleMessage(nil, []byte("b"), true)

	first, err := e.takeMessage(context.Background(), 0)
	require.NoError(t, err)
	second, err := e.takeMessage(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, first.seq+1, second.seq)
	require.Equal(t, second.seq+1, e.nextSeq())
}
