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

// Package peer declares scripted peer behavior: ordered step sequences
// composed through a fluent builder into immutable templates that sessions
// execute against their live channels.
package peer

// Step is a single scripted instruction. Steps are pure data; the session
// behavior engine interprets them in declared order.
type Step interface {
	Name() string
}

// WaitForMessage suspends until an inbound message is available, consuming
// a buffered one first if any arrived while no step was waiting.
type WaitForMessage struct{}

func (WaitForMessage) Name() string { return "wait_for_message" }

// WaitForNextMessage suspends until a message arrives after the step starts,
// ignoring any backlog.
type WaitForNextMessage struct{}

func (WaitForNextMessage) Name() string { return "wait_for_next_message" }

// SendMessage sends a payload on the most recently used channel, falling back
// to the first-opened one. It waits for a channel when none is open yet.
type SendMessage struct {
	Payload []byte
	// IsString selects text framing on the wire
	IsString bool
}

func (SendMessage) Name() string { return "send_message" }

// EchoAll installs a standing echo for every inbound message and media frame.
// It never completes; steps after it do not run.
type EchoAll struct{}

func (EchoAll) Name() string { return "echo_all" }

// CloseConnection tears the session down.
type CloseConnection struct{}

func (CloseConnection) Name() string { return "close_connection" }
