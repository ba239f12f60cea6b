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

// Package session maintains secure per-peer-pair sessions: UUID identity,
// a strict lifecycle state machine, sequence-number ordering with a bounded
// reorder buffer, and NACK ranges for gap recovery.
package session

import (
	"fmt"
	"sync"

	"github.com/acp-project/go-acp/common/mclock"
	"github.com/acp-project/go-acp/errs"
)

// State is a session lifecycle state.
type State int

const (
	StateInit State = iota
	StateHandshakeSent
	StateHandshakeReceived
	StateActive
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshakeSent:
		return "HANDSHAKE_SENT"
	case StateHandshakeReceived:
		return "HANDSHAKE_RECEIVED"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultMaxGap is the largest tolerated sequence gap before the receiver
// force-advances to avoid a permanent stall.
const DefaultMaxGap = 100

// NackRange asks the sender to retransmit sequences start..end inclusive.
type NackRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// maxErrorStrikes is how many signature or sequence violations a session
// tolerates before entering the ERROR state.
const maxErrorStrikes = 3

// Session is an ordered, signed, time-bounded channel between two entities.
// All methods are safe for concurrent use.
type Session struct {
	ID       string
	LocalID  string
	RemoteID string

	mu            sync.Mutex
	state         State
	establishedAt mclock.AbsTime
	expiresAt     mclock.AbsTime
	key           []byte // X25519-derived symmetric key, nil without E2E encryption
	nextSendSeq   uint64
	nextExpected  uint64
	maxGap        uint64
	reorder       map[uint64]interface{}
	strikes       int
}

// ReceiveResult describes the outcome of accepting one sequenced value.
type ReceiveResult struct {
	// Delivered holds the values released to the application, in strict
	// sequence order.
	Delivered []interface{}
	// Nack, when non-nil, must be sent back so the peer retransmits the gap.
	Nack *NackRange
	// ForcedAdvance is set when the gap exceeded maxGap and the session
	// skipped ahead.
	ForcedAdvance bool
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Key returns the session's symmetric key, or nil when end-to-end encryption
// is not enabled.
func (s *Session) Key() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// SetKey installs the X25519-derived symmetric key.
func (s *Session) SetKey(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
}

// NextSendSeq allocates the next outbound sequence number. Sequences start
// at 1 and are strictly monotone.
func (s *Session) NextSendSeq() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateError {
		return 0, errs.New(errs.SessionExpired, "session %s is %s", s.ID, s.state)
	}
	s.nextSendSeq++
	return s.nextSendSeq, nil
}

// Receive accepts an inbound value with its sequence number and applies the
// ordering contract:
//
//   - seq == next expected: deliver, then drain consecutive buffered entries
//   - seq < next expected: duplicate or late, discard
//   - gap of at most maxGap: buffer and emit a NACK covering the gap
//   - larger gap: accept and force-advance so the session cannot stall
func (s *Session) Receive(seq uint64, value interface{}) (*ReceiveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || s.state == StateError {
		return nil, errs.New(errs.SessionExpired, "session %s is %s", s.ID, s.state)
	}
	if seq == 0 {
		return nil, s.strike(errs.New(errs.SequenceError, "sequence 0 is invalid"))
	}

	res := &ReceiveResult{}
	switch {
	case seq < s.nextExpected:
		// Duplicate or late arrival. Duplicate detection here is by
		// sequence, not nonce: retransmissions carry fresh nonces.
		return res, nil

	case seq == s.nextExpected:
		res.Delivered = append(res.Delivered, value)
		s.nextExpected++
		s.drain(res)

	case seq-s.nextExpected <= s.maxGap:
		if _, dup := s.reorder[seq]; !dup {
			s.reorder[seq] = value
		}
		res.Nack = &NackRange{Start: s.nextExpected, End: seq - 1}

	default:
		// The gap exceeds the reorder horizon. Accept and advance so the
		// session does not stall forever waiting on lost traffic.
		res.Delivered = append(res.Delivered, value)
		res.ForcedAdvance = true
		s.nextExpected = seq + 1
		s.drain(res)
	}
	return res, nil
}

// drain releases consecutive buffered entries starting at nextExpected.
func (s *Session) drain(res *ReceiveResult) {
	for {
		v, ok := s.reorder[s.nextExpected]
		if !ok {
			return
		}
		delete(s.reorder, s.nextExpected)
		res.Delivered = append(res.Delivered, v)
		s.nextExpected++
	}
}

// strike records a protocol violation. Repeated violations move the session
// to ERROR, which blocks further sends.
func (s *Session) strike(err error) error {
	s.strikes++
	if s.strikes >= maxErrorStrikes {
		s.state = StateError
		s.reorder = make(map[uint64]interface{})
	}
	return err
}

// Strike records an externally detected violation (e.g. a signature failure
// attributed to this session).
func (s *Session) Strike() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strike(nil)
}

// NextExpected returns the next sequence number the session will deliver.
func (s *Session) NextExpected() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextExpected
}

// close transitions to CLOSING then CLOSED and clears the reorder buffer.
// Cancellation of pending receives is synchronous.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosing
	s.reorder = make(map[uint64]interface{})
	s.state = StateClosed
}

func (s *Session) expired(now mclock.AbsTime) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now >= s.expiresAt
}

// transition moves the session through its handshake states. Invalid
// transitions fail with SEQUENCE_ERROR-class session errors.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	valid := false
	switch to {
	case StateHandshakeSent, StateHandshakeReceived:
		valid = s.state == StateInit
	case StateActive:
		valid = s.state == StateHandshakeSent || s.state == StateHandshakeReceived
	case StateClosing:
		valid = s.state == StateActive || s.state == StateHandshakeSent || s.state == StateHandshakeReceived
	case StateClosed:
		valid = s.state == StateClosing
	case StateError:
		valid = true
	}
	if !valid {
		return errs.New(errs.SessionNotFound, "invalid transition %s -> %s for session %s", s.state, to, s.ID)
	}
	s.state = to
	return nil
}
