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

// Package relay implements store-and-forward message relaying for agents
// behind NAT. Peers register with the relay, keep the registration alive by
// heartbeating, and receive forwarded messages either immediately through a
// delivery callback or from a bounded queue on re-registration.
package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/messaging"
	"github.com/acp-project/go-acp/metrics"
)

const (
	// HeartbeatInterval is how often registered peers should heartbeat;
	// EvictAfter is when a silent peer's registration is dropped.
	HeartbeatInterval = 60 * time.Second
	EvictAfter        = 300 * time.Second

	// EnvelopeTTL bounds how long a forwarded envelope stays deliverable;
	// MaxHops bounds relay chains.
	EnvelopeTTL = 300 * time.Second
	MaxHops     = 5

	// queueLimit bounds each recipient's pending queue; the oldest envelope
	// is dropped on overflow.
	queueLimit = 100

	// Per-peer forwarding budget.
	rateLimit = rate.Limit(100.0 / 60.0)
	rateBurst = 20
)

// Envelope wraps a signed message for relaying. The inner message and its
// signature are untouched; the relay metadata travels outside the signed
// region.
type Envelope struct {
	Message   *messaging.Message `json:"message"`
	HopCount  int                `json:"hop_count"`
	ViaRelay  []string           `json:"via_relay,omitempty"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// DeliverFunc pushes an envelope to a connected peer. A false return means
// the peer is unreachable and the envelope should queue.
type DeliverFunc func(env *Envelope) bool

// Registration is one peer known to the relay.
type Registration struct {
	EntityID       string `json:"entity_id"`
	PublicKey      string `json:"public_key"`
	ConnectionInfo string `json:"connection_info,omitempty"`

	lastSeen time.Time
	deliver  DeliverFunc
	limiter  *rate.Limiter
	queue    []*Envelope
}

// Service is the relay itself.
type Service struct {
	id  string
	log log.Logger

	mu    sync.Mutex
	peers map[string]*Registration

	forwarded *metrics.Counter
	queued    *metrics.Counter
	dropped   *metrics.Counter

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a relay identified by id.
func NewService(id string, reg *metrics.Registry) *Service {
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	return &Service{
		id:        id,
		log:       log.New("pkg", "relay", "relay", id),
		peers:     make(map[string]*Registration),
		forwarded: reg.GetOrRegisterCounter("relay/forwarded"),
		queued:    reg.GetOrRegisterCounter("relay/queued"),
		dropped:   reg.GetOrRegisterCounter("relay/dropped"),
		quit:      make(chan struct{}),
	}
}

// Start launches the eviction sweeper.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.evictLoop()
}

// Stop terminates background work.
func (s *Service) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Service) evictLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			s.evict(now)
		}
	}
}

func (s *Service) evict(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		if now.Sub(p.lastSeen) > EvictAfter {
			delete(s.peers, id)
			s.log.Info("Evicted silent peer", "peer", id, "pending", len(p.queue))
		}
	}
}

// Register adds or refreshes a peer. Queued envelopes that are still within
// TTL are flushed through the new delivery callback.
func (s *Service) Register(r Registration, deliver DeliverFunc) []*Envelope {
	now := time.Now()
	s.mu.Lock()
	p, ok := s.peers[r.EntityID]
	if !ok {
		p = &Registration{limiter: rate.NewLimiter(rateLimit, rateBurst)}
		s.peers[r.EntityID] = p
	}
	p.EntityID = r.EntityID
	p.PublicKey = r.PublicKey
	p.ConnectionInfo = r.ConnectionInfo
	p.lastSeen = now
	p.deliver = deliver

	var pending []*Envelope
	for _, env := range p.queue {
		if now.After(env.ExpiresAt) {
			s.dropped.Inc(1)
			continue
		}
		pending = append(pending, env)
	}
	p.queue = nil
	s.mu.Unlock()

	var undelivered []*Envelope
	for _, env := range pending {
		if deliver == nil || !deliver(env) {
			undelivered = append(undelivered, env)
		}
	}
	s.log.Debug("Peer registered", "peer", r.EntityID, "flushed", len(pending)-len(undelivered))
	return undelivered
}

// Deregister removes a peer; its queue is discarded.
func (s *Service) Deregister(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, entityID)
}

// Heartbeat refreshes a peer's liveness.
func (s *Service) Heartbeat(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[entityID]
	if !ok {
		return errs.New(errs.UnknownRecipient, "peer %s is not registered", entityID)
	}
	p.lastSeen = time.Now()
	return nil
}

// Registered reports whether the peer is currently registered.
func (s *Service) Registered(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[entityID]
	return ok
}

// Wrap builds a fresh envelope around a signed message.
func Wrap(m *messaging.Message) *Envelope {
	return &Envelope{Message: m, ExpiresAt: time.Now().Add(EnvelopeTTL).UTC()}
}

// Forward relays an envelope toward its recipient. The hop count increments
// and this relay's ID is appended to the path. Unreachable recipients queue
// up to the queue limit; unregistered recipients are an error.
func (s *Service) Forward(env *Envelope) error {
	if env.Message == nil {
		return errs.New(errs.InvalidJSON, "envelope carries no message")
	}
	now := time.Now()
	if now.After(env.ExpiresAt) {
		s.dropped.Inc(1)
		return errs.New(errs.ExpiredTimestamp, "envelope expired %s", env.ExpiresAt)
	}
	if env.HopCount >= MaxHops {
		s.dropped.Inc(1)
		return errs.New(errs.RateLimited, "envelope exceeded %d hops", MaxHops)
	}
	env.HopCount++
	env.ViaRelay = append(env.ViaRelay, s.id)

	sender := env.Message.SenderID
	recipient := env.Message.RecipientID

	s.mu.Lock()
	if sp, ok := s.peers[sender]; ok {
		if !sp.limiter.Allow() {
			s.mu.Unlock()
			s.dropped.Inc(1)
			return errs.New(errs.RateLimited, "peer %s exceeds forwarding budget", sender)
		}
	}
	p, ok := s.peers[recipient]
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.UnknownRecipient, "peer %s is not registered", recipient)
	}
	deliver := p.deliver
	s.mu.Unlock()

	if deliver != nil && deliver(env) {
		s.forwarded.Inc(1)
		return nil
	}

	// Recipient unreachable right now: queue for the next registration.
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok = s.peers[recipient]
	if !ok {
		return errs.New(errs.UnknownRecipient, "peer %s is not registered", recipient)
	}
	if len(p.queue) >= queueLimit {
		p.queue = p.queue[1:]
		s.dropped.Inc(1)
	}
	p.queue = append(p.queue, env)
	s.queued.Inc(1)
	return nil
}

// Pending returns the number of queued envelopes for a peer.
func (s *Service) Pending(entityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[entityID]
	if !ok {
		return 0
	}
	return len(p.queue)
}

// Stats reports relay counters.
func (s *Service) Stats() map[string]interface{} {
	s.mu.Lock()
	peers := len(s.peers)
	s.mu.Unlock()
	return map[string]interface{}{
		"peers":     peers,
		"forwarded": s.forwarded.Count(),
		"queued":    s.queued.Count(),
		"dropped":   s.dropped.Count(),
	}
}
