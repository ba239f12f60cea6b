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
	"context"
	"fmt"
	"time"

	hlru "github.com/hashicorp/golang-lru"

	"github.com/acp-project/go-acp/common/mclock"
	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/metrics"
	"github.com/acp-project/go-acp/session"
)

// sendHistorySize bounds the retransmission window across all sessions.
const sendHistorySize = 4096

// Handler consumes an application message and optionally produces a reply.
type Handler func(m *Message) (*Message, error)

// EndpointResolver maps entity IDs to reachable HTTP endpoints. The static
// registry, the DHT and the relay all satisfy it.
type EndpointResolver interface {
	Endpoint(entityID string) (string, error)
}

// Handshake is the payload of handshake messages. The initiator proposes the
// session UUID; the responder acknowledges it.
type Handshake struct {
	SessionID string `json:"session_id"`
	Ack       bool   `json:"ack,omitempty"`
}

// Nack is the payload of nack messages, asking the peer to retransmit a
// sequence range within a session.
type Nack struct {
	SessionID string `json:"session_id"`
	Start     uint64 `json:"start"`
	End       uint64 `json:"end"`
}

// Config tunes a Processor.
type Config struct {
	EntityID  string
	Keypair   *crypto.Keypair
	Clock     mclock.Clock
	ChunkSize int
	// Encrypt enables end-to-end payload sealing with the X25519-derived
	// session key.
	Encrypt bool
	// Backoff overrides the delivery retry schedule.
	Backoff []time.Duration
	// HTTPTimeout bounds one delivery attempt.
	HTTPTimeout time.Duration
}

// Processor drives the peer messaging protocol for one entity: it signs and
// sequences outbound messages, validates, verifies, deduplicates, orders and
// reassembles inbound ones, and dispatches application payloads to
// registered handlers.
type Processor struct {
	cfg      Config
	clock    mclock.Clock
	keys     *KeyDirectory
	replay   *ReplayGuard
	sessions *session.Manager
	reasm    *Reassembler
	client   *Client
	resolver EndpointResolver
	history  *hlru.Cache
	log      log.Logger

	handlers map[string]Handler

	accepted *metrics.Counter
	rejected *metrics.Counter
	sent     *metrics.Meter

	quit chan struct{}
}

// NewProcessor wires a processor from its parts. Handlers are registered
// with Handle before Start.
func NewProcessor(cfg Config, keys *KeyDirectory, sessions *session.Manager, resolver EndpointResolver, reg *metrics.Registry) *Processor {
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultSendTimeout
	}
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	history, _ := hlru.New(sendHistorySize)
	return &Processor{
		cfg:      cfg,
		clock:    cfg.Clock,
		keys:     keys,
		replay:   NewReplayGuard(cfg.Clock, DefaultNoncesPerSender, MaxClockSkew),
		sessions: sessions,
		reasm:    NewReassembler(cfg.Clock),
		client:   NewClient(nil, cfg.Clock, cfg.Backoff),
		resolver: resolver,
		history:  history,
		log:      log.New("pkg", "messaging", "entity", cfg.EntityID),
		handlers: make(map[string]Handler),
		accepted: reg.GetOrRegisterCounter("messaging/accepted"),
		rejected: reg.GetOrRegisterCounter("messaging/rejected"),
		sent:     reg.GetOrRegisterMeter("messaging/sent"),
		quit:     make(chan struct{}),
	}
}

// Keys exposes the public key directory.
func (p *Processor) Keys() *KeyDirectory {
	return p.keys
}

// Handle registers the handler for a message type. Messages of unregistered
// types are rejected, not dropped.
func (p *Processor) Handle(msgType string, h Handler) {
	p.handlers[msgType] = h
}

// Start launches the chunk transfer sweeper.
func (p *Processor) Start() {
	go p.sweepLoop()
}

// Stop terminates background work.
func (p *Processor) Stop() {
	close(p.quit)
}

func (p *Processor) sweepLoop() {
	for {
		select {
		case <-p.quit:
			return
		case <-p.clock.After(time.Minute):
			p.reasm.Expire(TransferExpiry)
		}
	}
}

// Stats reports counters for the health endpoint.
func (p *Processor) Stats() map[string]interface{} {
	return map[string]interface{}{
		"accepted":          p.accepted.Count(),
		"rejected":          p.rejected.Count(),
		"sent":              p.sent.Count(),
		"sessions":          p.sessions.Len(),
		"pending_transfers": p.reasm.Pending(),
	}
}

// Send delivers a typed payload to the recipient, establishing a session on
// first use and splitting payloads above the chunk threshold. It returns the
// recipient's immediate reply, if any.
func (p *Processor) Send(ctx context.Context, recipient, msgType string, payload []byte) (*Message, error) {
	endpoint, err := p.resolver.Endpoint(recipient)
	if err != nil {
		return nil, errs.New(errs.UnknownRecipient, "no endpoint for %s: %v", recipient, err)
	}
	sess, err := p.ensureSession(ctx, endpoint, recipient)
	if err != nil {
		return nil, err
	}
	if len(payload) <= p.cfg.ChunkSize {
		return p.sendSequenced(ctx, endpoint, sess, msgType, payload)
	}

	// Large payload: announce the transfer, then stream the fragments.
	init, chunks := SplitPayload(msgType, payload, p.cfg.ChunkSize)
	initPayload, err := MarshalPayload(init)
	if err != nil {
		return nil, err
	}
	if _, err := p.sendSequenced(ctx, endpoint, sess, TypeChunkInit, initPayload); err != nil {
		return nil, err
	}
	var last *Message
	for _, c := range chunks {
		cp, err := MarshalPayload(c)
		if err != nil {
			return nil, err
		}
		last, err = p.sendSequenced(ctx, endpoint, sess, TypeChunk, cp)
		if err != nil {
			return nil, err
		}
	}
	return last, nil
}

// ensureSession opens the session toward the peer, running the handshake
// exchange when the session is new.
func (p *Processor) ensureSession(ctx context.Context, endpoint, recipient string) (*session.Session, error) {
	if sess, ok := p.sessions.Peer(p.cfg.EntityID, recipient); ok && sess.State() == session.StateActive {
		return sess, nil
	}
	sess, err := p.sessions.Open(p.cfg.EntityID, recipient)
	if err != nil {
		return nil, err
	}
	if sess.State() == session.StateActive {
		return sess, nil
	}

	hs, err := MarshalPayload(&Handshake{SessionID: sess.ID})
	if err != nil {
		return nil, err
	}
	reply, err := p.sendControl(ctx, endpoint, sess, TypeHandshake, hs)
	if err != nil {
		return nil, err
	}
	if reply == nil || reply.MsgType != TypeHandshake {
		return nil, errs.New(errs.SessionNotFound, "peer %s did not acknowledge handshake", recipient)
	}
	var ack Handshake
	if err := reply.UnmarshalPayload(&ack); err != nil {
		return nil, err
	}
	if !ack.Ack || ack.SessionID != sess.ID {
		return nil, errs.New(errs.SessionNotFound, "peer %s acknowledged wrong session", recipient)
	}
	if err := p.sessions.Activate(sess.ID); err != nil {
		return nil, err
	}
	if p.cfg.Encrypt {
		if err := p.deriveSessionKey(sess, recipient); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (p *Processor) deriveSessionKey(sess *session.Session, peer string) error {
	pub, err := p.keys.Lookup(peer)
	if err != nil {
		return err
	}
	key, err := p.cfg.Keypair.SharedSecret(pub, []byte(sess.ID))
	if err != nil {
		return errs.New(errs.InternalError, "session key agreement failed: %v", err)
	}
	sess.SetKey(key)
	return nil
}

// sendSequenced signs and delivers one message within a session, recording
// it in the retransmission window.
func (p *Processor) sendSequenced(ctx context.Context, endpoint string, sess *session.Session, msgType string, payload []byte) (*Message, error) {
	seq, err := sess.NextSendSeq()
	if err != nil {
		return nil, err
	}
	if p.cfg.Encrypt && msgType != TypeHandshake {
		if key := sess.Key(); key != nil {
			sealed, err := crypto.Seal(key, payload, []byte(sess.ID))
			if err != nil {
				return nil, errs.New(errs.InternalError, "payload sealing failed: %v", err)
			}
			payload = sealed
		}
	}
	m, err := NewMessage(msgType, p.cfg.EntityID, sess.RemoteID, payload)
	if err != nil {
		return nil, errs.New(errs.InternalError, "cannot build message: %v", err)
	}
	m.SessionID = sess.ID
	m.Sequence = seq
	Sign(m, p.cfg.Keypair)

	p.history.Add(historyKey(sess.ID, seq), m)
	reply, err := p.client.Send(ctx, endpoint, m)
	if err != nil {
		return nil, err
	}
	p.sent.Mark(1)
	return reply, nil
}

func historyKey(sessionID string, seq uint64) string {
	return fmt.Sprintf("%s/%d", sessionID, seq)
}

// sendControl signs and delivers a session control message. Handshakes
// travel outside the sequence space so they never occupy the receive window:
// the first sequenced message of a session is always the first application
// message, at sequence 1 on both ends.
func (p *Processor) sendControl(ctx context.Context, endpoint string, sess *session.Session, msgType string, payload []byte) (*Message, error) {
	m, err := NewMessage(msgType, p.cfg.EntityID, sess.RemoteID, payload)
	if err != nil {
		return nil, errs.New(errs.InternalError, "cannot build message: %v", err)
	}
	m.SessionID = sess.ID
	Sign(m, p.cfg.Keypair)
	reply, err := p.client.Send(ctx, endpoint, m)
	if err != nil {
		return nil, err
	}
	p.sent.Mark(1)
	return reply, nil
}

// Receive runs the full inbound pipeline for a wire message and returns the
// signed reply to embed in the HTTP response, if any. The pipeline order is
// fixed: envelope validation, recipient check, signature, replay, then
// session sequencing and payload dispatch.
func (p *Processor) Receive(m *Message, legacy bool) (*Message, error) {
	reply, err := p.receive(m, legacy)
	if err != nil {
		p.rejected.Inc(1)
		return nil, err
	}
	p.accepted.Inc(1)
	return reply, nil
}

func (p *Processor) receive(m *Message, legacy bool) (*Message, error) {
	if err := ValidateEnvelope(m, time.Now(), legacy); err != nil {
		return nil, err
	}
	if m.RecipientID != p.cfg.EntityID {
		return nil, errs.New(errs.UnknownRecipient, "message addressed to %s", m.RecipientID)
	}
	if err := p.keys.Verify(m); err != nil {
		if sess, ok := p.sessions.Peer(p.cfg.EntityID, m.SenderID); ok && errs.HasCode(err, errs.InvalidSignature) {
			sess.Strike()
		}
		return nil, err
	}
	if err := p.replay.Observe(m.SenderID, m.Nonce); err != nil {
		return nil, err
	}

	// Legacy v0.1 traffic has no session or sequence fields: dispatch as-is.
	if legacy || m.SessionID == "" {
		return p.dispatch(m)
	}

	switch m.MsgType {
	case TypeHandshake:
		return p.receiveHandshake(m)
	case TypeNack:
		return nil, p.receiveNack(m)
	}

	sess, err := p.sessions.Get(m.SessionID)
	if err != nil {
		return nil, err
	}
	res, err := sess.Receive(m.Sequence, m)
	if err != nil {
		return nil, err
	}
	if res.ForcedAdvance {
		p.log.Warn("Sequence gap exceeded reorder horizon, advancing", "session", m.SessionID, "seq", m.Sequence)
	}

	var reply *Message
	for _, v := range res.Delivered {
		r, err := p.deliver(sess, v.(*Message))
		if err != nil {
			return nil, err
		}
		if r != nil {
			reply = r
		}
	}
	if res.Nack != nil {
		nack, err := p.buildNack(sess, res.Nack)
		if err != nil {
			return nil, err
		}
		// The NACK rides back on the HTTP response.
		reply = nack
	}
	return reply, nil
}

// receiveHandshake accepts a new inbound session and acknowledges it.
func (p *Processor) receiveHandshake(m *Message) (*Message, error) {
	var hs Handshake
	if err := m.UnmarshalPayload(&hs); err != nil {
		return nil, err
	}
	if hs.SessionID != m.SessionID {
		return nil, errs.New(errs.InvalidJSON, "handshake session mismatch")
	}
	sess, err := p.sessions.Accept(m.SessionID, p.cfg.EntityID, m.SenderID)
	if err != nil {
		return nil, err
	}
	if sess.State() == session.StateHandshakeReceived {
		if err := p.sessions.Activate(sess.ID); err != nil {
			return nil, err
		}
	}
	if p.cfg.Encrypt {
		if err := p.deriveSessionKey(sess, m.SenderID); err != nil {
			return nil, err
		}
	}
	ackPayload, err := MarshalPayload(&Handshake{SessionID: sess.ID, Ack: true})
	if err != nil {
		return nil, err
	}
	ack, err := NewMessage(TypeHandshake, p.cfg.EntityID, m.SenderID, ackPayload)
	if err != nil {
		return nil, errs.New(errs.InternalError, "cannot build handshake ack: %v", err)
	}
	ack.SessionID = sess.ID
	Sign(ack, p.cfg.Keypair)
	return ack, nil
}

// receiveNack retransmits the requested range from the send history. The
// retransmissions reuse their original sequence numbers with fresh nonces
// and timestamps.
func (p *Processor) receiveNack(m *Message) error {
	var nack Nack
	if err := m.UnmarshalPayload(&nack); err != nil {
		return err
	}
	endpoint, err := p.resolver.Endpoint(m.SenderID)
	if err != nil {
		return errs.New(errs.UnknownRecipient, "cannot retransmit to %s: %v", m.SenderID, err)
	}
	for seq := nack.Start; seq <= nack.End; seq++ {
		v, ok := p.history.Get(historyKey(nack.SessionID, seq))
		if !ok {
			p.log.Warn("NACKed message missing from send history", "session", nack.SessionID, "seq", seq)
			continue
		}
		orig := v.(*Message)
		retrans := *orig
		if err := retrans.Refresh(); err != nil {
			return errs.New(errs.InternalError, "cannot refresh retransmission: %v", err)
		}
		Sign(&retrans, p.cfg.Keypair)
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HTTPTimeout)
		_, err := p.client.Send(ctx, endpoint, &retrans)
		cancel()
		if err != nil {
			return err
		}
		p.sent.Mark(1)
	}
	return nil
}

// buildNack constructs the signed NACK reply for a detected gap.
func (p *Processor) buildNack(sess *session.Session, r *session.NackRange) (*Message, error) {
	payload, err := MarshalPayload(&Nack{SessionID: sess.ID, Start: r.Start, End: r.End})
	if err != nil {
		return nil, err
	}
	nack, err := NewMessage(TypeNack, p.cfg.EntityID, sess.RemoteID, payload)
	if err != nil {
		return nil, errs.New(errs.InternalError, "cannot build nack: %v", err)
	}
	nack.SessionID = sess.ID
	Sign(nack, p.cfg.Keypair)
	return nack, nil
}

// deliver unseals and dispatches one in-order message, folding chunk
// transfers back into their original message type.
func (p *Processor) deliver(sess *session.Session, m *Message) (*Message, error) {
	if p.cfg.Encrypt {
		if key := sess.Key(); key != nil && m.MsgType != TypeHandshake {
			plain, err := crypto.Open(key, m.Payload, []byte(sess.ID))
			if err != nil {
				return nil, errs.New(errs.InvalidSignature, "payload unsealing failed")
			}
			clone := *m
			clone.Payload = plain
			m = &clone
		}
	}

	switch m.MsgType {
	case TypeChunkInit:
		var init ChunkInit
		if err := m.UnmarshalPayload(&init); err != nil {
			return nil, err
		}
		return nil, p.reasm.HandleInit(m.SenderID, m.RecipientID, &init)

	case TypeChunk:
		var c Chunk
		if err := m.UnmarshalPayload(&c); err != nil {
			return nil, err
		}
		msgType, payload, done, err := p.reasm.HandleChunk(&c)
		if err != nil {
			return nil, err
		}
		if !done {
			return nil, nil
		}
		assembled := *m
		assembled.MsgType = msgType
		assembled.Payload = payload
		return p.dispatch(&assembled)
	}
	return p.dispatch(m)
}

// dispatch routes an application message to its registered handler. Unknown
// types are rejected.
func (p *Processor) dispatch(m *Message) (*Message, error) {
	if m.MsgType == TypePing {
		return p.buildPong(m)
	}
	h, ok := p.handlers[m.MsgType]
	if !ok {
		return nil, errs.New(errs.InvalidJSON, "no handler for message type %q", m.MsgType)
	}
	reply, err := h(m)
	if err != nil {
		return nil, err
	}
	if reply != nil && reply.Signature == "" {
		Sign(reply, p.cfg.Keypair)
	}
	return reply, nil
}

func (p *Processor) buildPong(m *Message) (*Message, error) {
	pong, err := NewMessage(TypePong, p.cfg.EntityID, m.SenderID, nil)
	if err != nil {
		return nil, errs.New(errs.InternalError, "cannot build pong: %v", err)
	}
	pong.SessionID = m.SessionID
	Sign(pong, p.cfg.Keypair)
	return pong, nil
}
