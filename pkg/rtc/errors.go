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

import "errors"

var (
	ErrSessionClosed       = errors.New("session has already closed")
	ErrNoPendingOffer      = errors.New("no local offer awaiting an answer")
	ErrUnexpectedOffer     = errors.New("expected answer SDP, received offer")
	ErrUnexpectedAnswer    = errors.New("expected offer SDP, received answer")
	ErrICEFailed           = errors.New("ice connectivity failed")
	ErrFingerprintMismatch = errors.New("remote certificate does not match the signaled fingerprint")
	ErrHandshakeTimeout    = errors.New("dtls handshake timed out")
	ErrChannelClosed       = errors.New("data channel is not available")
	ErrNoOpenChannel       = errors.New("no data channel has opened")
)
