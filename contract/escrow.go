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
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/ledger"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/storage"
)

// Escrow states.
const (
	EscrowHeld     = "HELD"
	EscrowReleased = "RELEASED"
	EscrowRefunded = "REFUNDED"
	EscrowDisputed = "DISPUTED"
)

// Condition is one requirement for releasing escrowed funds.
type Condition struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Value     string `json:"value,omitempty"`
	Fulfilled bool   `json:"fulfilled"`
}

// Escrow conditionally holds tokens debited from the client until release,
// refund or dispute resolution. The funds themselves live in the ledger's
// locked pool under the escrow's lock key.
type Escrow struct {
	Version         int           `json:"version"`
	EscrowID        string        `json:"escrow_id"`
	ClientID        string        `json:"client_id"`
	ProviderID      string        `json:"provider_id"`
	Amount          ledger.Amount `json:"amount"`
	Conditions      []Condition   `json:"conditions"`
	Milestones      []Milestone   `json:"milestones,omitempty"`
	Deadline        time.Time     `json:"deadline"`
	DisputeResolver string        `json:"dispute_resolver,omitempty"`
	Status          string        `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
}

const (
	escrowDir             = "escrows"
	escrowSnapshotVersion = 1
)

func escrowLockKey(escrowID string) string {
	return "escrow:" + escrowID
}

func escrowFile(escrowID string) string {
	return filepath.Join(escrowDir, escrowID+".json")
}

// releaseShare maps a final evaluation score in [0,1] to the provider's
// share of the escrowed amount.
func releaseShare(score float64) float64 {
	switch {
	case score >= 0.8:
		return 1.0
	case score >= 0.6:
		return 0.8
	case score >= 0.4:
		return 0.5
	default:
		return 0
	}
}

// EscrowManager opens, settles and refunds escrows against the ledger.
type EscrowManager struct {
	ledger *ledger.Ledger
	store  *storage.Store
	log    log.Logger

	mu      sync.Mutex
	escrows map[string]*Escrow
}

// NewEscrowManager creates an escrow manager.
func NewEscrowManager(l *ledger.Ledger, store *storage.Store) *EscrowManager {
	return &EscrowManager{
		ledger:  l,
		store:   store,
		log:     log.New("pkg", "escrow"),
		escrows: make(map[string]*Escrow),
	}
}

// Open debits the client and holds the amount until settlement. The
// milestone tranches, if any, must sum to 100 percent.
func (em *EscrowManager) Open(clientID, providerID string, amount ledger.Amount, conditions []Condition, milestones []Milestone, deadline time.Time, resolver string) (*Escrow, error) {
	if err := ValidateMilestones(milestones); err != nil {
		return nil, err
	}
	e := &Escrow{
		Version:         escrowSnapshotVersion,
		EscrowID:        uuid.NewString(),
		ClientID:        clientID,
		ProviderID:      providerID,
		Amount:          amount,
		Conditions:      conditions,
		Milestones:      milestones,
		Deadline:        deadline,
		DisputeResolver: resolver,
		Status:          EscrowHeld,
		CreatedAt:       time.Now().UTC(),
	}
	if err := em.ledger.Lock(escrowLockKey(e.EscrowID), clientID, amount, "escrow deposit"); err != nil {
		return nil, err
	}
	if err := em.store.WriteJSON(escrowFile(e.EscrowID), e); err != nil {
		if rerr := em.ledger.Release(escrowLockKey(e.EscrowID), clientID, ledger.TxTransferIn, "escrow rollback"); rerr != nil {
			em.log.Error("Escrow lock rollback failed", "escrow", e.EscrowID, "err", rerr)
		}
		return nil, err
	}
	em.mu.Lock()
	em.escrows[e.EscrowID] = e
	em.mu.Unlock()
	em.log.Info("Escrow opened", "escrow", e.EscrowID, "amount", amount, "provider", providerID)
	return e, nil
}

// Get returns a copy of the escrow.
func (em *EscrowManager) Get(escrowID string) (*Escrow, error) {
	em.mu.Lock()
	defer em.mu.Unlock()
	e, ok := em.escrows[escrowID]
	if !ok {
		return nil, errs.New(errs.WalletNotFound, "no escrow %s", escrowID)
	}
	cp := *e
	cp.Conditions = append([]Condition(nil), e.Conditions...)
	cp.Milestones = append([]Milestone(nil), e.Milestones...)
	return &cp, nil
}

// FulfillCondition marks a named condition fulfilled.
func (em *EscrowManager) FulfillCondition(escrowID, name string) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	e, ok := em.escrows[escrowID]
	if !ok {
		return errs.New(errs.WalletNotFound, "no escrow %s", escrowID)
	}
	if e.Status != EscrowHeld {
		return errs.New(errs.StateTransitionInvalid, "escrow %s is %s", escrowID, e.Status)
	}
	for i := range e.Conditions {
		if e.Conditions[i].Name == name {
			if e.Conditions[i].Fulfilled {
				return nil
			}
			e.Conditions[i].Fulfilled = true
			return em.persist(e)
		}
	}
	return errs.New(errs.WalletNotFound, "escrow %s has no condition %q", escrowID, name)
}

// ConditionsMet reports whether every condition is fulfilled.
func (e *Escrow) ConditionsMet() bool {
	for _, c := range e.Conditions {
		if !c.Fulfilled {
			return false
		}
	}
	return true
}

// Release pays the full amount to the provider once all conditions are
// fulfilled.
func (em *EscrowManager) Release(escrowID string) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	e, ok := em.escrows[escrowID]
	if !ok {
		return errs.New(errs.WalletNotFound, "no escrow %s", escrowID)
	}
	if e.Status != EscrowHeld {
		return errs.New(errs.StateTransitionInvalid, "escrow %s is %s", escrowID, e.Status)
	}
	if !e.ConditionsMet() {
		return errs.New(errs.StateTransitionInvalid, "escrow %s has unfulfilled conditions", escrowID)
	}
	if err := em.ledger.Release(escrowLockKey(escrowID), e.ProviderID, ledger.TxReward, "escrow release"); err != nil {
		return err
	}
	e.Status = EscrowReleased
	return em.persist(e)
}

// ReleaseScored settles by final evaluation score in [0,1]: the provider
// receives the scaled share, the remainder returns to the client.
func (em *EscrowManager) ReleaseScored(escrowID string, score float64) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	e, ok := em.escrows[escrowID]
	if !ok {
		return errs.New(errs.WalletNotFound, "no escrow %s", escrowID)
	}
	if e.Status != EscrowHeld {
		return errs.New(errs.StateTransitionInvalid, "escrow %s is %s", escrowID, e.Status)
	}
	remaining, ok := em.ledger.LockedAmount(escrowLockKey(escrowID))
	if !ok {
		return errs.New(errs.WalletNotFound, "escrow %s holds no funds", escrowID)
	}
	providerCut := ledger.Amount(float64(remaining) * releaseShare(score))
	payouts := make([]ledger.Payout, 0, 2)
	if providerCut > 0 {
		payouts = append(payouts, ledger.Payout{
			Recipient: e.ProviderID, Amount: providerCut, TxType: ledger.TxReward, Desc: "escrow scored release",
		})
	}
	payouts = append(payouts, ledger.Payout{
		Recipient: e.ClientID, TxType: ledger.TxTransferIn, Desc: "escrow remainder refund", All: true,
	})
	if err := em.ledger.ReleaseSplit(escrowLockKey(escrowID), payouts); err != nil {
		return err
	}
	if providerCut > 0 {
		e.Status = EscrowReleased
	} else {
		e.Status = EscrowRefunded
	}
	return em.persist(e)
}

// ReleaseMilestone pays the named milestone's tranche to the provider and
// keeps the remainder held.
func (em *EscrowManager) ReleaseMilestone(escrowID, name string) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	e, ok := em.escrows[escrowID]
	if !ok {
		return errs.New(errs.WalletNotFound, "no escrow %s", escrowID)
	}
	if e.Status != EscrowHeld {
		return errs.New(errs.StateTransitionInvalid, "escrow %s is %s", escrowID, e.Status)
	}
	for i := range e.Milestones {
		m := &e.Milestones[i]
		if m.Name != name {
			continue
		}
		if m.Completed {
			return errs.New(errs.DuplicateTransaction, "milestone %q already paid", name)
		}
		tranche := ledger.Amount(float64(e.Amount) * m.PaymentPercent / 100)
		if err := em.ledger.ReleasePartial(escrowLockKey(escrowID), e.ProviderID, tranche, ledger.TxReward, "milestone "+name); err != nil {
			return err
		}
		m.Completed = true
		if _, held := em.ledger.LockedAmount(escrowLockKey(escrowID)); !held {
			e.Status = EscrowReleased
		}
		return em.persist(e)
	}
	return errs.New(errs.WalletNotFound, "escrow %s has no milestone %q", escrowID, name)
}

// Refund returns the held amount to the client on timeout or on a dispute
// without a named resolver.
func (em *EscrowManager) Refund(escrowID, reason string) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	e, ok := em.escrows[escrowID]
	if !ok {
		return errs.New(errs.WalletNotFound, "no escrow %s", escrowID)
	}
	if e.Status != EscrowHeld && e.Status != EscrowDisputed {
		return errs.New(errs.StateTransitionInvalid, "escrow %s is %s", escrowID, e.Status)
	}
	if err := em.ledger.Release(escrowLockKey(escrowID), e.ClientID, ledger.TxTransferIn, "escrow refund: "+reason); err != nil {
		return err
	}
	e.Status = EscrowRefunded
	return em.persist(e)
}

// Dispute freezes the escrow pending resolution.
func (em *EscrowManager) Dispute(escrowID string) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	e, ok := em.escrows[escrowID]
	if !ok {
		return errs.New(errs.WalletNotFound, "no escrow %s", escrowID)
	}
	if e.Status != EscrowHeld {
		return errs.New(errs.StateTransitionInvalid, "escrow %s is %s", escrowID, e.Status)
	}
	e.Status = EscrowDisputed
	return em.persist(e)
}

// Resolve settles a disputed escrow with the resolver's split. Only the
// escrow's named resolver may resolve; without one the funds return to the
// client via Refund.
func (em *EscrowManager) Resolve(escrowID, resolverID string, providerShare float64) error {
	if providerShare < 0 || providerShare > 1 {
		return errs.New(errs.InvalidAmount, "provider share %v outside [0,1]", providerShare)
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	e, ok := em.escrows[escrowID]
	if !ok {
		return errs.New(errs.WalletNotFound, "no escrow %s", escrowID)
	}
	if e.Status != EscrowDisputed {
		return errs.New(errs.StateTransitionInvalid, "escrow %s is not disputed", escrowID)
	}
	if e.DisputeResolver == "" || e.DisputeResolver != resolverID {
		return errs.New(errs.Forbidden, "%s is not the resolver of escrow %s", resolverID, escrowID)
	}
	remaining, ok := em.ledger.LockedAmount(escrowLockKey(escrowID))
	if !ok {
		return errs.New(errs.WalletNotFound, "escrow %s holds no funds", escrowID)
	}
	providerCut := ledger.Amount(float64(remaining) * providerShare)
	payouts := make([]ledger.Payout, 0, 2)
	if providerCut > 0 {
		payouts = append(payouts, ledger.Payout{
			Recipient: e.ProviderID, Amount: providerCut, TxType: ledger.TxReward, Desc: "dispute resolution",
		})
	}
	payouts = append(payouts, ledger.Payout{
		Recipient: e.ClientID, TxType: ledger.TxTransferIn, Desc: "dispute resolution refund", All: true,
	})
	if err := em.ledger.ReleaseSplit(escrowLockKey(escrowID), payouts); err != nil {
		return err
	}
	e.Status = EscrowReleased
	return em.persist(e)
}

// SweepExpired refunds every escrow whose deadline has passed. It returns
// the refunded escrow IDs.
func (em *EscrowManager) SweepExpired(now time.Time) []string {
	em.mu.Lock()
	var expired []string
	for id, e := range em.escrows {
		if e.Status == EscrowHeld && now.After(e.Deadline) {
			expired = append(expired, id)
		}
	}
	em.mu.Unlock()

	var refunded []string
	for _, id := range expired {
		if err := em.Refund(id, "deadline passed"); err != nil {
			em.log.Warn("Expired escrow refund failed", "escrow", id, "err", err)
			continue
		}
		refunded = append(refunded, id)
	}
	return refunded
}

func (em *EscrowManager) persist(e *Escrow) error {
	return em.store.WriteJSON(escrowFile(e.EscrowID), e)
}
