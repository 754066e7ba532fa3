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

package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderStepOrder(t *testing.T) {
	tmpl := Build().
		WaitForMessage().
		ThenSend("hello").
		WaitForNextMessage().
		ThenEcho().
		Peer()

	steps := tmpl.Steps()
	require.Len(t, steps, 4)
	require.IsType(t, WaitForMessage{}, steps[0])
	require.IsType(t, SendMessage{}, steps[1])
	require.IsType(t, WaitForNextMessage{}, steps[2])
	require.IsType(t, EchoAll{}, steps[3])

	send := steps[1].(SendMessage)
	require.Equal(t, []byte("hello"), send.Payload)
	require.True(t, send.IsString)
}

func TestTemplateImmutableAfterPeer(t *testing.T) {
	b := Build().ThenSend("one")
	tmpl := b.Peer()
	b.ThenSend("two").ThenClose()

	require.Len(t, tmpl.Steps(), 1)
	require.Len(t, b.Peer().Steps(), 3)
}

func TestTemplateStepsReturnsCopy(t *testing.T) {
	tmpl := Build().WaitForMessage().ThenClose().Peer()
	steps := tmpl.Steps()
	steps[0] = EchoAll{}
	require.IsType(t, WaitForMessage{}, tmpl.Steps()[0])
}

func TestSendBinaryCopiesPayload(t *testing.T) {
	payload := []byte{0x01, 0x02}
	tmpl := Build().ThenSendBinary(payload).Peer()
	payload[0] = 0xff

	send := tmpl.Steps()[0].(SendMessage)
	require.Equal(t, []byte{0x01, 0x02}, send.Payload)
	require.False(t, send.IsString)
}

func TestHasEcho(t *testing.T) {
	require.False(t, Build().WaitForMessage().ThenSend("x").Peer().HasEcho())
	require.True(t, Build().WaitForMessage().ThenEcho().Peer().HasEcho())

	var nilTmpl *Template
	require.False(t, nilTmpl.HasEcho())
	require.True(t, nilTmpl.Empty())
	require.Nil(t, nilTmpl.Steps())
}

func TestOptionsMerge(t *testing.T) {
	tmpl := Build().
		WithOptions(&Options{OfferToReceiveAudio: true}).
		Peer()

	merged := tmpl.Options(nil)
	require.True(t, merged.OfferToReceiveAudio)
	require.False(t, merged.OfferToReceiveVideo)

	merged = tmpl.Options(&Options{OfferToReceiveVideo: true, MirrorSDP: "v=0..."})
	require.True(t, merged.OfferToReceiveAudio)
	require.True(t, merged.OfferToReceiveVideo)
	require.Equal(t, "v=0...", merged.MirrorSDP)

	// template defaults are not mutated by merging
	require.Empty(t, tmpl.Options(nil).MirrorSDP)

	var nilTmpl *Template
	require.NotNil(t, nilTmpl.Options(nil))
	require.True(t, nilTmpl.Options(&Options{OfferToReceiveAudio: true}).OfferToReceiveAudio)
}

func TestTemplateIDs(t *testing.T) {
	a := Build().Peer()
	b := Build().Peer()
	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())

	var nilTmpl *Template
	require.Empty(t, nilTmpl.ID())
}

func TestOptionsCloneNilSafe(t *testing.T) {
	var o *Options
	c := o.Clone()
	require.NotNil(t, c)
	require.Equal(t, &Options{}, c)
}
