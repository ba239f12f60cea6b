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

package contract

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/ledger"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/messaging"
	"github.com/acp-project/go-acp/reputation"
	"github.com/acp-project/go-acp/storage"
)

// Transaction states.
const (
	StateProposed  = "PROPOSED"
	StateQuoted    = "QUOTED"
	StateAgreed    = "AGREED"
	StateLocked    = "LOCKED"
	StateExecuting = "EXECUTING"
	StateCompleted = "COMPLETED"
	StateReleased  = "RELEASED"
	StateCancelled = "CANCELLED"
	StateExpired   = "EXPIRED"
	StateDisputed  = "DISPUTED"
)

// stateTransitions lists the legal state moves. Cancellation, expiry and
// dispute are reachable from every pre-settlement state.
var stateTransitions = map[string][]string{
	StateProposed:  {StateQuoted, StateCancelled, StateExpired},
	StateQuoted:    {StateAgreed, StateCancelled, StateExpired},
	StateAgreed:    {StateLocked, StateCancelled, StateExpired},
	StateLocked:    {StateExecuting, StateCancelled, StateExpired, StateDisputed},
	StateExecuting: {StateCompleted, StateCancelled, StateExpired, StateDisputed},
	StateCompleted: {StateReleased, StateDisputed},
	StateDisputed:  {StateReleased, StateCancelled},
}

func transitionOK(from, to string) bool {
	for _, t := range stateTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Receipt is the provider's signed settlement claim, sent when the work is
// done. Score is the provider's self-evaluation in [0,1]; the client's
// acceptance fixes the final evaluation.
type Receipt struct {
	TxnID      string    `json:"txn_id"`
	TaskID     string    `json:"task_id"`
	Score      float64   `json:"score"`
	Summary    string    `json:"summary,omitempty"`
	ResultHash string    `json:"result_hash,omitempty"`
	ProviderID string    `json:"provider_id"`
	Timestamp  time.Time `json:"timestamp"`
	Signature  string    `json:"signature,omitempty"`
}

func (r *Receipt) preimage() []byte {
	score := strconv.FormatFloat(r.Score, 'f', -1, 64)
	return []byte(r.TxnID + "|" + r.TaskID + "|" + score + "|" +
		r.ResultHash + "|" + r.ProviderID + "|" + recordTime(r.Timestamp))
}

// Sign attaches the provider's signature.
func (r *Receipt) Sign(kp *crypto.Keypair) {
	r.Signature = base64.StdEncoding.EncodeToString(kp.Sign(r.preimage()))
}

// Verify checks the receipt signature under the provider's key.
func (r *Receipt) Verify(pub ed25519.PublicKey) error {
	return verifyRecord(r.preimage(), r.Signature, pub, "receipt "+r.TxnID)
}

// Transaction is the persisted aggregate of one negotiation. Both sides keep
// their own copy, advanced by the engine as records arrive.
type Transaction struct {
	Version    int           `json:"version"`
	TxnID      string        `json:"txn_id"`
	State      string        `json:"state"`
	ClientID   string        `json:"client_id"`
	ProviderID string        `json:"provider_id"`
	Proposal   *TaskProposal `json:"proposal"`
	Quote      *TaskQuote    `json:"quote,omitempty"`
	Agreement  *Agreement    `json:"agreement,omitempty"`
	Receipt    *Receipt      `json:"receipt,omitempty"`
	EscrowID   string        `json:"escrow_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

const (
	txnDir             = "transactions"
	txnSnapshotVersion = 1
)

func txnFile(txnID string) string {
	return filepath.Join(txnDir, txnID+".json")
}

// QuoteFunc is the provider's pricing policy: given a verified proposal it
// returns estimated amount, estimated time and terms, or an error to decline.
type QuoteFunc func(p *TaskProposal) (amount ledger.Amount, estSeconds int64, terms string, err error)

// ExecuteFunc performs the agreed work on the provider side and returns the
// settlement receipt fields.
type ExecuteFunc func(ctx context.Context, a *Agreement) (score float64, summary, resultHash string, err error)

// Config wires an Engine.
type Config struct {
	EntityID string
	Keypair  *crypto.Keypair
	// QuoteValidity bounds how long an issued quote can be accepted.
	QuoteValidity time.Duration
	// Quote and Execute are required only on entities acting as providers.
	Quote   QuoteFunc
	Execute ExecuteFunc
}

// DefaultQuoteValidity is how long issued quotes stay acceptable.
const DefaultQuoteValidity = 10 * time.Minute

// Engine runs the transaction state machine for one entity, on both sides:
// as client it proposes, agrees, escrows and settles; as provider it quotes,
// executes and claims. All records travel as signed message payloads over the
// processor, and settlement feeds the reputation ledger.
type Engine struct {
	cfg    Config
	proc   *messaging.Processor
	escrow *EscrowManager
	rep    *reputation.Ledger
	store  *storage.Store
	log    log.Logger

	mu   sync.Mutex
	txns map[string]*Transaction
	// byQuote resolves inbound agreements to their transaction.
	byQuote map[string]string
}

// NewEngine creates a transaction engine and registers its message handlers
// on the processor.
func NewEngine(cfg Config, proc *messaging.Processor, escrow *EscrowManager, rep *reputation.Ledger, store *storage.Store) *Engine {
	if cfg.QuoteValidity <= 0 {
		cfg.QuoteValidity = DefaultQuoteValidity
	}
	e := &Engine{
		cfg:     cfg,
		proc:    proc,
		escrow:  escrow,
		rep:     rep,
		store:   store,
		log:     log.New("pkg", "contract", "entity", cfg.EntityID),
		txns:    make(map[string]*Transaction),
		byQuote: make(map[string]string),
	}
	proc.Handle(messaging.TypeProposal, e.handleProposal)
	proc.Handle(messaging.TypeAgreement, e.handleAgreement)
	proc.Handle(messaging.TypeReceipt, e.handleReceipt)
	return e
}

// Get returns a copy of the transaction.
func (e *Engine) Get(txnID string) (*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.txns[txnID]
	if !ok {
		return nil, errs.New(errs.WalletNotFound, "no transaction %s", txnID)
	}
	cp := *t
	return &cp, nil
}

// List returns copies of all transactions, optionally filtered by state.
func (e *Engine) List(state string) []*Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Transaction
	for _, t := range e.txns {
		if state == "" || t.State == state {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Propose opens a transaction as client: it signs and sends the proposal and
// records the provider's quote. The returned transaction is in state QUOTED.
func (e *Engine) Propose(ctx context.Context, providerID, taskType, description string, requirements map[string]string, budget ledger.Amount) (*Transaction, error) {
	p := &TaskProposal{
		ProposalID:   uuid.NewString(),
		TaskType:     taskType,
		Description:  description,
		Requirements: requirements,
		Budget:       budget,
		ClientID:     e.cfg.EntityID,
		Timestamp:    time.Now().UTC(),
	}
	p.Sign(e.cfg.Keypair)

	t := &Transaction{
		Version:    txnSnapshotVersion,
		TxnID:      uuid.NewString(),
		State:      StateProposed,
		ClientID:   e.cfg.EntityID,
		ProviderID: providerID,
		Proposal:   p,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	e.mu.Lock()
	e.txns[t.TxnID] = t
	e.mu.Unlock()
	if err := e.persist(t); err != nil {
		return nil, err
	}

	payload, err := messaging.MarshalPayload(p)
	if err != nil {
		return nil, err
	}
	reply, err := e.proc.Send(ctx, providerID, messaging.TypeProposal, payload)
	if err != nil {
		return nil, err
	}
	if reply == nil || reply.MsgType != messaging.TypeQuote {
		return nil, errs.New(errs.StateTransitionInvalid, "provider %s did not quote", providerID)
	}
	var q TaskQuote
	if err := reply.UnmarshalPayload(&q); err != nil {
		return nil, err
	}
	providerPub, err := e.proc.Keys().Lookup(providerID)
	if err != nil {
		return nil, err
	}
	if err := q.Verify(providerPub); err != nil {
		return nil, err
	}
	if q.ProposalID != p.ProposalID {
		return nil, errs.New(errs.StateTransitionInvalid, "quote answers foreign proposal %s", q.ProposalID)
	}
	if q.EstimatedAmount > p.Budget {
		return nil, errs.New(errs.InvalidAmount, "quote %d exceeds budget %d", q.EstimatedAmount, p.Budget)
	}

	if err := e.advance(t.TxnID, StateQuoted, func(t *Transaction) error {
		t.Quote = &q
		e.byQuote[q.QuoteID] = t.TxnID
		return nil
	}); err != nil {
		return nil, err
	}
	return e.Get(t.TxnID)
}

// Accept agrees to the quote as client: it opens the escrow with the quoted
// amount, signs the agreement and sends it. The transaction moves QUOTED ->
// AGREED -> LOCKED -> EXECUTING as the provider acknowledges.
func (e *Engine) Accept(ctx context.Context, txnID string, deadline time.Time, milestones []Milestone, resolver string) (*Transaction, error) {
	t, err := e.Get(txnID)
	if err != nil {
		return nil, err
	}
	if t.State != StateQuoted {
		return nil, errs.New(errs.StateTransitionInvalid, "transaction %s is %s, want QUOTED", txnID, t.State)
	}
	if time.Now().After(t.Quote.ValidUntil) {
		e.advanceQuiet(txnID, StateExpired, nil)
		return nil, errs.New(errs.QuoteExpired, "quote %s expired %s", t.Quote.QuoteID, t.Quote.ValidUntil)
	}

	a := &Agreement{
		AgreementID:     uuid.NewString(),
		QuoteID:         t.Quote.QuoteID,
		TaskID:          uuid.NewString(),
		ConfirmedAmount: t.Quote.EstimatedAmount,
		Deadline:        deadline.UTC(),
		ClientID:        e.cfg.EntityID,
		ProviderID:      t.ProviderID,
		Timestamp:       time.Now().UTC(),
	}

	esc, err := e.escrow.Open(e.cfg.EntityID, t.ProviderID, a.ConfirmedAmount, nil, milestones, deadline, resolver)
	if err != nil {
		return nil, err
	}
	a.EscrowAddress = esc.EscrowID
	a.Sign(e.cfg.Keypair)

	if err := e.advance(txnID, StateAgreed, func(t *Transaction) error {
		t.Agreement = a
		t.EscrowID = esc.EscrowID
		return nil
	}); err != nil {
		return nil, err
	}
	if err := e.advance(txnID, StateLocked, nil); err != nil {
		return nil, err
	}

	payload, err := messaging.MarshalPayload(a)
	if err != nil {
		return nil, err
	}
	if _, err := e.proc.Send(ctx, t.ProviderID, messaging.TypeAgreement, payload); err != nil {
		// The funds stay escrowed; delivery retries resolve the gap, and
		// the deadline sweep refunds if the provider never answers.
		e.log.Warn("Agreement delivery failed, escrow held", "txn", txnID, "err", err)
		return e.Get(txnID)
	}
	if err := e.advance(txnID, StateExecuting, nil); err != nil {
		return nil, err
	}
	return e.Get(txnID)
}

// Cancel aborts a pre-settlement transaction. Escrowed funds return to the
// client.
func (e *Engine) Cancel(txnID, reason string) error {
	t, err := e.Get(txnID)
	if err != nil {
		return err
	}
	if !transitionOK(t.State, StateCancelled) {
		return errs.New(errs.StateTransitionInvalid, "transaction %s cannot cancel from %s", txnID, t.State)
	}
	if t.EscrowID != "" {
		if err := e.escrow.Refund(t.EscrowID, "cancelled: "+reason); err != nil && !errs.HasCode(err, errs.StateTransitionInvalid) {
			return err
		}
	}
	return e.advance(txnID, StateCancelled, nil)
}

// Dispute freezes the transaction and its escrow.
func (e *Engine) Dispute(txnID string) error {
	t, err := e.Get(txnID)
	if err != nil {
		return err
	}
	if !transitionOK(t.State, StateDisputed) {
		return errs.New(errs.StateTransitionInvalid, "transaction %s cannot dispute from %s", txnID, t.State)
	}
	if t.EscrowID != "" {
		if err := e.escrow.Dispute(t.EscrowID); err != nil {
			return err
		}
	}
	return e.advance(txnID, StateDisputed, nil)
}

// SweepExpired expires quotes past validity and refunds agreements past
// deadline. It returns the IDs of transactions that expired.
func (e *Engine) SweepExpired(now time.Time) []string {
	e.mu.Lock()
	type victim struct {
		id       string
		escrowID string
	}
	var victims []victim
	for id, t := range e.txns {
		switch t.State {
		case StateQuoted:
			if t.Quote != nil && now.After(t.Quote.ValidUntil) {
				victims = append(victims, victim{id: id})
			}
		case StateLocked, StateExecuting:
			if t.Agreement != nil && now.After(t.Agreement.Deadline) {
				victims = append(victims, victim{id: id, escrowID: t.EscrowID})
			}
		}
	}
	e.mu.Unlock()

	var expired []string
	for _, v := range victims {
		if v.escrowID != "" {
			if err := e.escrow.Refund(v.escrowID, "agreement deadline passed"); err != nil {
				e.log.Warn("Expired transaction refund failed", "txn", v.id, "err", err)
				continue
			}
		}
		if err := e.advance(v.id, StateExpired, nil); err != nil {
			e.log.Warn("Expiry transition failed", "txn", v.id, "err", err)
			continue
		}
		expired = append(expired, v.id)
	}
	return expired
}

// handleProposal quotes an inbound proposal as provider.
func (e *Engine) handleProposal(m *messaging.Message) (*messaging.Message, error) {
	if e.cfg.Quote == nil {
		return nil, errs.New(errs.StateTransitionInvalid, "%s does not take work", e.cfg.EntityID)
	}
	var p TaskProposal
	if err := m.UnmarshalPayload(&p); err != nil {
		return nil, err
	}
	clientPub, err := e.proc.Keys().Lookup(m.SenderID)
	if err != nil {
		return nil, err
	}
	if err := p.Verify(clientPub); err != nil {
		return nil, err
	}
	if p.ClientID != m.SenderID {
		return nil, errs.New(errs.InvalidSignature, "proposal client %s does not match sender", p.ClientID)
	}

	amount, estSeconds, terms, err := e.cfg.Quote(&p)
	if err != nil {
		return nil, err
	}
	q := &TaskQuote{
		QuoteID:          uuid.NewString(),
		ProposalID:       p.ProposalID,
		EstimatedAmount:  amount,
		EstimatedTimeSec: estSeconds,
		ValidUntil:       time.Now().UTC().Add(e.cfg.QuoteValidity),
		Terms:            terms,
		ProviderID:       e.cfg.EntityID,
		Timestamp:        time.Now().UTC(),
	}
	q.Sign(e.cfg.Keypair)

	t := &Transaction{
		Version:    txnSnapshotVersion,
		TxnID:      uuid.NewString(),
		State:      StateQuoted,
		ClientID:   p.ClientID,
		ProviderID: e.cfg.EntityID,
		Proposal:   &p,
		Quote:      q,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	e.mu.Lock()
	e.txns[t.TxnID] = t
	e.byQuote[q.QuoteID] = t.TxnID
	e.mu.Unlock()
	if err := e.persist(t); err != nil {
		return nil, err
	}

	payload, err := messaging.MarshalPayload(q)
	if err != nil {
		return nil, err
	}
	reply, err := messaging.NewMessage(messaging.TypeQuote, e.cfg.EntityID, m.SenderID, payload)
	if err != nil {
		return nil, errs.New(errs.InternalError, "cannot build quote: %v", err)
	}
	reply.SessionID = m.SessionID
	return reply, nil
}

// handleAgreement verifies the chain and starts execution as provider.
func (e *Engine) handleAgreement(m *messaging.Message) (*messaging.Message, error) {
	if e.cfg.Execute == nil {
		return nil, errs.New(errs.StateTransitionInvalid, "%s does not take work", e.cfg.EntityID)
	}
	var a Agreement
	if err := m.UnmarshalPayload(&a); err != nil {
		return nil, err
	}

	e.mu.Lock()
	txnID, ok := e.byQuote[a.QuoteID]
	var t *Transaction
	if ok {
		t = e.txns[txnID]
	}
	e.mu.Unlock()
	if t == nil {
		return nil, errs.New(errs.StateTransitionInvalid, "agreement accepts unknown quote %s", a.QuoteID)
	}

	clientPub, err := e.proc.Keys().Lookup(m.SenderID)
	if err != nil {
		return nil, err
	}
	providerPub := e.cfg.Keypair.PublicKey()
	if err := VerifyChain(t.Proposal, t.Quote, &a, clientPub, providerPub); err != nil {
		return nil, err
	}

	if err := e.advance(t.TxnID, StateAgreed, func(t *Transaction) error {
		t.Agreement = &a
		t.EscrowID = a.EscrowAddress
		return nil
	}); err != nil {
		return nil, err
	}
	if err := e.advance(t.TxnID, StateLocked, nil); err != nil {
		return nil, err
	}
	if err := e.advance(t.TxnID, StateExecuting, nil); err != nil {
		return nil, err
	}

	go e.execute(t.TxnID, &a)

	ack, err := messaging.NewMessage(messaging.TypeStatus, e.cfg.EntityID, m.SenderID, []byte(`{"status":"executing"}`))
	if err != nil {
		return nil, errs.New(errs.InternalError, "cannot build status: %v", err)
	}
	ack.SessionID = m.SessionID
	return ack, nil
}

// execute runs the provider's work function and sends the settlement receipt.
func (e *Engine) execute(txnID string, a *Agreement) {
	ctx, cancel := context.WithDeadline(context.Background(), a.Deadline)
	defer cancel()

	score, summary, resultHash, err := e.cfg.Execute(ctx, a)
	if err != nil {
		e.log.Error("Execution failed", "txn", txnID, "err", err)
		e.advanceQuiet(txnID, StateDisputed, nil)
		return
	}
	r := &Receipt{
		TxnID:      txnID,
		TaskID:     a.TaskID,
		Score:      score,
		Summary:    summary,
		ResultHash: resultHash,
		ProviderID: e.cfg.EntityID,
		Timestamp:  time.Now().UTC(),
	}
	r.Sign(e.cfg.Keypair)
	if err := e.advance(txnID, StateCompleted, func(t *Transaction) error {
		t.Receipt = r
		return nil
	}); err != nil {
		e.log.Error("Completion transition failed", "txn", txnID, "err", err)
		return
	}

	// The receipt's TxnID names the provider-side transaction; the client
	// resolves it through the task ID in the agreement.
	payload, err := messaging.MarshalPayload(r)
	if err != nil {
		e.log.Error("Cannot marshal receipt", "txn", txnID, "err", err)
		return
	}
	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Minute)
	defer sendCancel()
	if _, err := e.proc.Send(sendCtx, a.ClientID, messaging.TypeReceipt, payload); err != nil {
		e.log.Error("Receipt delivery failed", "txn", txnID, "err", err)
		return
	}
	e.advanceQuiet(txnID, StateReleased, nil)
}

// handleReceipt settles the escrow as client and updates the provider's
// reputation from the receipt's score.
func (e *Engine) handleReceipt(m *messaging.Message) (*messaging.Message, error) {
	var r Receipt
	if err := m.UnmarshalPayload(&r); err != nil {
		return nil, err
	}
	providerPub, err := e.proc.Keys().Lookup(m.SenderID)
	if err != nil {
		return nil, err
	}
	if err := r.Verify(providerPub); err != nil {
		return nil, err
	}
	if r.Score < 0 || r.Score > 1 {
		return nil, errs.New(errs.InvalidAmount, "receipt score %v outside [0,1]", r.Score)
	}

	e.mu.Lock()
	var t *Transaction
	for _, cand := range e.txns {
		if cand.Agreement != nil && cand.Agreement.TaskID == r.TaskID && cand.ProviderID == m.SenderID {
			t = cand
			break
		}
	}
	e.mu.Unlock()
	if t == nil {
		return nil, errs.New(errs.StateTransitionInvalid, "receipt for unknown task %s", r.TaskID)
	}
	if t.State != StateExecuting && t.State != StateLocked {
		return nil, errs.New(errs.StateTransitionInvalid, "transaction %s is %s", t.TxnID, t.State)
	}

	if t.State == StateLocked {
		if err := e.advance(t.TxnID, StateExecuting, nil); err != nil {
			return nil, err
		}
	}
	if err := e.advance(t.TxnID, StateCompleted, func(t *Transaction) error {
		t.Receipt = &r
		return nil
	}); err != nil {
		return nil, err
	}
	if err := e.escrow.ReleaseScored(t.EscrowID, r.Score); err != nil {
		return nil, err
	}
	if err := e.advance(t.TxnID, StateReleased, nil); err != nil {
		return nil, err
	}

	eval := reputation.Evaluation{
		Score:   r.Score * 100,
		TaskID:  r.TaskID,
		Reason:  r.Summary,
		Delayed: r.Timestamp.After(t.Agreement.Deadline),
	}
	switch {
	case r.Score >= 0.8:
		eval.Verdict = reputation.VerdictPass
	case r.Score >= 0.4:
		eval.Verdict = reputation.VerdictPartial
	default:
		eval.Verdict = reputation.VerdictFail
	}
	if _, err := e.rep.Update(t.ProviderID, eval); err != nil {
		e.log.Warn("Reputation update failed", "provider", t.ProviderID, "err", err)
	}

	ack, err := messaging.NewMessage(messaging.TypeStatus, e.cfg.EntityID, m.SenderID, []byte(`{"status":"settled"}`))
	if err != nil {
		return nil, errs.New(errs.InternalError, "cannot build status: %v", err)
	}
	ack.SessionID = m.SessionID
	return ack, nil
}

// advance applies a checked state transition plus an optional mutation, then
// persists.
func (e *Engine) advance(txnID, to string, mutate func(*Transaction) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.txns[txnID]
	if !ok {
		return errs.New(errs.WalletNotFound, "no transaction %s", txnID)
	}
	if !transitionOK(t.State, to) {
		return errs.New(errs.StateTransitionInvalid, "transaction %s cannot move %s -> %s", txnID, t.State, to)
	}
	backup := *t
	t.State = to
	t.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		if err := mutate(t); err != nil {
			*t = backup
			return err
		}
	}
	if err := e.store.WriteJSON(txnFile(txnID), t); err != nil {
		*t = backup
		return err
	}
	e.log.Debug("Transaction advanced", "txn", txnID, "state", to)
	return nil
}

func (e *Engine) advanceQuiet(txnID, to string, mutate func(*Transaction) error) {
	if err := e.advance(txnID, to, mutate); err != nil {
		e.log.Warn("State transition failed", "txn", txnID, "to", to, "err", err)
	}
}

func (e *Engine) persist(t *Transaction) error {
	return e.store.WriteJSON(txnFile(t.TxnID), t)
}
