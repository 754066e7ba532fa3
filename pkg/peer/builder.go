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
	"github.com/rtcmock/rtcmock-server/pkg/utils"
)

// Builder accumulates steps. Not safe for concurrent use; the Template it
// produces is.
type Builder struct {
	steps []Step
	opts  *Options
}

// Build starts a new step chain.
func Build() *Builder {
	return &Builder{}
}

func (b *Builder) WaitForMessage() *Builder {
	b.steps = append(b.steps, WaitForMessage{})
	return b
}

func (b *Builder) WaitForNextMessage() *Builder {
	b.steps = append(b.steps, WaitForNextMessage{})
	return b
}

// ThenSend queues a text payload.
func (b *Builder) ThenSend(payload string) *Builder {
	b.steps = append(b.steps, SendMessage{Payload: []byte(payload), IsString: true})
	return b
}

// ThenSendBinary queues a binary payload. The slice is copied.
func (b *Builder) ThenSendBinary(payload []byte) *Builder {
	b.steps = append(b.steps, SendMessage{Payload: append([]byte(nil), payload...)})
	return b
}

// ThenEcho queues the terminal standing-echo step.
func (b *Builder) ThenEcho() *Builder {
	b.steps = append(b.steps, EchoAll{})
	return b
}

// ThenClose queues session teardown.
func (b *Builder) ThenClose() *Builder {
	b.steps = append(b.steps, CloseConnection{})
	return b
}

// WithOptions sets the template's default negotiation options. Call-site
// options override these per field when a session is instantiated.
func (b *Builder) WithOptions(opts *Options) *Builder {
	b.opts = opts.Clone()
	return b
}

// Peer freezes the chain into a reusable template. The builder may keep
// being mutated afterwards without affecting the returned template.
func (b *Builder) Peer() *Template {
	return &Template{
		id:    utils.NewGuid(utils.TemplatePrefix),
		steps: append([]Step(nil), b.steps...),
		opts:  b.opts.Clone(),
	}
}

// Template is an immutable step sequence, plus default negotiation options,
// shared across any number of concurrent sessions.
type Template struct {
	id    string
	steps []Step
	opts  *Options
}

// ID identifies the template across the sessions instantiated from it.
func (t *Template) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// Steps returns a copy of the step sequence. Nil templates have no steps.
func (t *Template) Steps() []Step {
	if t == nil {
		return nil
	}
	return append([]Step(nil), t.steps...)
}

// Options merges the template's defaults with call-site overrides: any
// field set on the override wins.
func (t *Template) Options(override *Options) *Options {
	var merged *Options
	if t != nil {
		merged = t.opts.Clone()
	} else {
		merged = &Options{}
	}
	if override == nil {
		return merged
	}
	if override.MirrorSDP != "" {
		merged.MirrorSDP = override.MirrorSDP
	}
	if override.OfferToReceiveAudio {
		merged.OfferToReceiveAudio = true
	}
	if override.OfferToReceiveVideo {
		merged.OfferToReceiveVideo = true
	}
	return merged
}

// HasEcho reports whether the sequence ends up in standing-echo mode, which
// also determines whether the session sends media back.
func (t *Template) HasEcho() bool {
	if t == nil {
		return false
	}
	for _, s := range t.steps {
		if _, ok := s.(EchoAll); ok {
			return true
		}
	}
	return false
}

// Empty reports whether there is anything to run.
func (t *Template) Empty() bool {
	return t == nil || len(t.steps) == 0
}
