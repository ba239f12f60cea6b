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

package messaging

import (
	"sync"
	"time"

	"github.com/acp-project/go-acp/common/lru"
	"github.com/acp-project/go-acp/common/mclock"
	"github.com/acp-project/go-acp/errs"
)

// DefaultNoncesPerSender bounds the replay nonce set kept per sender.
const DefaultNoncesPerSender = 1000

// ReplayGuard remembers accepted nonces per sender inside a sliding time
// window. A nonce observed twice within the window is a replay. Memory is
// bounded by an LRU per sender, so the guard tracks at most
// noncesPerSender recent nonces for each peer.
type ReplayGuard struct {
	clock  mclock.Clock
	window time.Duration
	limit  int

	mu      sync.Mutex
	senders map[string]*lru.BasicLRU[string, mclock.AbsTime]
}

// NewReplayGuard creates a guard with the given per-sender capacity and
// replay window.
func NewReplayGuard(clock mclock.Clock, noncesPerSender int, window time.Duration) *ReplayGuard {
	if noncesPerSender <= 0 {
		noncesPerSender = DefaultNoncesPerSender
	}
	if window <= 0 {
		window = MaxClockSkew
	}
	return &ReplayGuard{
		clock:   clock,
		window:  window,
		limit:   noncesPerSender,
		senders: make(map[string]*lru.BasicLRU[string, mclock.AbsTime]),
	}
}

// Observe records the nonce for the sender. It fails with REPLAY_DETECTED if
// the same nonce was already accepted within the window; in that case no
// state changes.
func (g *ReplayGuard) Observe(senderID, nonce string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	set := g.senders[senderID]
	if set == nil {
		s := lru.NewBasicLRU[string, mclock.AbsTime](g.limit)
		set = &s
		g.senders[senderID] = set
	}
	now := g.clock.Now()
	if seen, ok := set.Peek(nonce); ok && now.Sub(seen) <= g.window {
		return errs.New(errs.ReplayDetected, "nonce %s from %s already seen", nonce, senderID)
	}
	set.Add(nonce, now)
	return nil
}

// Forget drops all state for a sender.
func (g *ReplayGuard) Forget(senderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.senders, senderID)
}
