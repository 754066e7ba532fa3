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

package sdp

// Direction is the negotiated flow of a media section, from the owning
// description's point of view.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

func NewDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		return Direction(s), true
	}
	return "", false
}

// Flip returns the direction an answer takes against this offered direction.
// localCanSend reflects whether the answering side has media to emit on the
// section; without it, send legs collapse to recvonly or inactive.
func (d Direction) Flip(localCanSend bool) Direction {
	switch d {
	case DirectionSendRecv:
		if localCanSend {
			return DirectionSendRecv
		}
		return DirectionRecvOnly
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		if localCanSend {
			return DirectionSendOnly
		}
		return DirectionInactive
	default:
		return DirectionInactive
	}
}

// Send reports whether the owning side emits media on the section.
func (d Direction) Send() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// Recv reports whether the owning side consumes media on the section.
func (d Direction) Recv() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}
