// Copyright 2025 The go-acp Authors
// This file is part of the go-acp library.
//
// The go-acp library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-acp library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-acp library. If not, see <http://www.gnu.org/licenses/>.

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acp-project/go-acp/common/mclock"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
)

// DefaultTTL is how long a session stays usable after establishment.
const DefaultTTL = time.Hour

// SweepInterval is how often expired sessions are collected.
const SweepInterval = 5 * time.Minute

// Config tunes the session manager.
type Config struct {
	TTL    time.Duration
	MaxGap uint64
	Clock  mclock.Clock
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, MaxGap: DefaultMaxGap, Clock: mclock.System{}}
}

type peerPair struct {
	local, remote string
}

// Manager owns all sessions of one entity, keyed by UUID and by peer pair.
// A background sweeper collects expired sessions every SweepInterval.
type Manager struct {
	cfg Config
	log log.Logger

	mu     sync.Mutex
	byID   map[string]*Session
	byPeer map[peerPair]string

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a session manager. Call Start to run the sweeper.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxGap == 0 {
		cfg.MaxGap = DefaultMaxGap
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	return &Manager{
		cfg:    cfg,
		log:    log.New("pkg", "session"),
		byID:   make(map[string]*Session),
		byPeer: make(map[peerPair]string),
		quit:   make(chan struct{}),
	}
}

// newSession builds a session in INIT state.
func (m *Manager) newSession(id, local, remote string) *Session {
	now := m.cfg.Clock.Now()
	return &Session{
		ID:            id,
		LocalID:       local,
		RemoteID:      remote,
		state:         StateInit,
		establishedAt: now,
		expiresAt:     now.Add(m.cfg.TTL),
		maxGap:        m.cfg.MaxGap,
		nextExpected:  1,
		reorder:       make(map[uint64]interface{}),
	}
}

// Open creates (or returns) the session toward remote, entering
// HANDSHAKE_SENT on first use. Sessions are created lazily on the first
// outbound message.
func (m *Manager) Open(local, remote string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair := peerPair{local, remote}
	if id, ok := m.byPeer[pair]; ok {
		s := m.byID[id]
		if !s.expired(m.cfg.Clock.Now()) && s.State() != StateError && s.State() != StateClosed {
			return s, nil
		}
		// Replace the dead session.
		delete(m.byID, id)
		delete(m.byPeer, pair)
	}
	s := m.newSession(uuid.NewString(), local, remote)
	if err := s.transition(StateHandshakeSent); err != nil {
		return nil, err
	}
	m.byID[s.ID] = s
	m.byPeer[pair] = s.ID
	m.log.Debug("Session opened", "id", s.ID, "remote", remote)
	return s, nil
}

// Accept registers a session created by an inbound handshake carrying the
// initiator's session ID, entering HANDSHAKE_RECEIVED.
func (m *Manager) Accept(id, local, remote string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errs.New(errs.InvalidJSON, "session id %q is not a UUID", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.byID[id]; ok {
		return s, nil
	}
	s := m.newSession(id, local, remote)
	if err := s.transition(StateHandshakeReceived); err != nil {
		return nil, err
	}
	m.byID[id] = s
	m.byPeer[peerPair{local, remote}] = id
	m.log.Debug("Session accepted", "id", id, "remote", remote)
	return s, nil
}

// Activate confirms the handshake, entering ACTIVE.
func (m *Manager) Activate(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.transition(StateActive)
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.SessionNotFound, "no session %s", id)
	}
	if s.expired(m.cfg.Clock.Now()) {
		m.Close(id)
		return nil, errs.New(errs.SessionExpired, "session %s expired", id)
	}
	return s, nil
}

// Peer returns the live session toward remote, if any.
func (m *Manager) Peer(local, remote string) (*Session, bool) {
	m.mu.Lock()
	id, ok := m.byPeer[peerPair{local, remote}]
	var s *Session
	if ok {
		s = m.byID[id]
	}
	m.mu.Unlock()
	if !ok || s.expired(m.cfg.Clock.Now()) {
		return nil, false
	}
	return s, true
}

// Close terminates a session and clears its reorder buffer.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byPeer, peerPair{s.LocalID, s.RemoteID})
	}
	m.mu.Unlock()
	if ok {
		s.close()
		m.log.Debug("Session closed", "id", id)
	}
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Start launches the expiry sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop terminates the sweeper and closes all sessions.
func (m *Manager) Stop() {
	close(m.quit)
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.byID = make(map[string]*Session)
	m.byPeer = make(map[peerPair]string)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.quit:
			return
		case <-m.cfg.Clock.After(SweepInterval):
			m.sweep()
		}
	}
}

// sweep closes all expired sessions.
func (m *Manager) sweep() {
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	var expired []string
	for id, s := range m.byID {
		if s.expired(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Close(id)
	}
	if len(expired) > 0 {
		m.log.Debug("Swept expired sessions", "count", len(expired))
	}
}
