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
	"sync"

	"github.com/rtcmock/rtcmock-server/pkg/logger"
	"github.com/rtcmock/rtcmock-server/pkg/rtc"
)

// SessionManager exclusively owns every live session. It routes lookups for
// renegotiation and cascades close on shutdown; a failure in one session
// never touches another.
type SessionManager struct {
	lock     sync.RWMutex
	sessions map[string]*rtc.Session

	logger logger.Logger
}

func NewSessionManager(l logger.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*rtc.Session),
		logger:   l,
	}
}

func (m *SessionManager) Register(s *rtc.Session) {
	m.lock.Lock()
	m.sessions[s.ID()] = s
	m.lock.Unlock()

	s.OnClose(func(closed *rtc.Session) {
		m.remove(closed.ID())
	})
	m.logger.Debugw("session registered", "session", s.ID())
}

func (m *SessionManager) Get(id string) (*rtc.Session, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *SessionManager) Count() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.sessions)
}

func (m *SessionManager) remove(id string) {
	m.lock.Lock()
	delete(m.sessions, id)
	m.lock.Unlock()
}

// CloseAll tears down every live session. Sessions deregister themselves
// through their close callback.
func (m *SessionManager) CloseAll() {
	m.lock.RLock()
	sessions := make([]*rtc.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.lock.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
	m.logger.Infow("closed all sessions", "count", len(sessions))
}
