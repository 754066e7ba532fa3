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

// Options shapes how a session negotiates.
type Options struct {
	// MirrorSDP, when non-empty, is a captured remote description whose media
	// structure the session reproduces with its own transport parameters.
	MirrorSDP string

	OfferToReceiveAudio bool
	OfferToReceiveVideo bool
}

// Clone returns a copy, mapping nil to the zero value so callers can pass
// options through without nil checks.
func (o *Options) Clone() *Options {
	if o == nil {
		return &Options{}
	}
	c := *o
	return &c
}
