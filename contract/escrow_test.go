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
	"testing"
	"time"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/ledger"
	"github.com/acp-project/go-acp/metrics"
	"github.com/acp-project/go-acp/storage"
)

func testEscrowManager(t *testing.T) (*ledger.Ledger, *EscrowManager) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	l, err := ledger.New(store, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	if err := l.Deposit("client", 1000, "funding"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	return l, NewEscrowManager(l, store)
}

func balance(t *testing.T, l *ledger.Ledger, entity string) ledger.Amount {
	t.Helper()
	b, err := l.Balance(entity)
	if err != nil {
		t.Fatalf("Balance(%s): %v", entity, err)
	}
	return b
}

func TestEscrowOpenAndRelease(t *testing.T) {
	l, em := testEscrowManager(t)
	conds := []Condition{{Name: "delivered", Type: "manual"}}
	e, err := em.Open("client", "provider", 100, conds, nil, time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := balance(t, l, "client"); got != 900 {
		t.Fatalf("client balance = %d", got)
	}

	// Release is blocked until the condition is fulfilled.
	if err := em.Release(e.EscrowID); !errs.HasCode(err, errs.StateTransitionInvalid) {
		t.Fatalf("premature release: %v", err)
	}
	if err := em.FulfillCondition(e.EscrowID, "delivered"); err != nil {
		t.Fatalf("FulfillCondition: %v", err)
	}
	if err := em.Release(e.EscrowID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := balance(t, l, "provider"); got != 100 {
		t.Fatalf("provider balance = %d", got)
	}
	got, _ := em.Get(e.EscrowID)
	if got.Status != EscrowReleased {
		t.Fatalf("status = %s", got.Status)
	}
	if err := em.Release(e.EscrowID); !errs.HasCode(err, errs.StateTransitionInvalid) {
		t.Fatalf("double release: %v", err)
	}
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestEscrowOpenInsufficientFunds(t *testing.T) {
	_, em := testEscrowManager(t)
	if _, err := em.Open("client", "provider", 5000, nil, nil, time.Now().Add(time.Hour), ""); !errs.HasCode(err, errs.InsufficientFunds) {
		t.Fatalf("Open: %v", err)
	}
}

func TestEscrowReleaseScored(t *testing.T) {
	tests := []struct {
		name             string
		score            float64
		provider, client ledger.Amount
		status           string
	}{
		{"full", 0.9, 100, 900, EscrowReleased},
		{"partial", 0.7, 80, 920, EscrowReleased},
		{"half", 0.5, 50, 950, EscrowReleased},
		{"refund", 0.2, 0, 1000, EscrowRefunded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, em := testEscrowManager(t)
			e, err := em.Open("client", "provider", 100, nil, nil, time.Now().Add(time.Hour), "")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if err := em.ReleaseScored(e.EscrowID, tt.score); err != nil {
				t.Fatalf("ReleaseScored: %v", err)
			}
			if got := balance(t, l, "provider"); got != tt.provider {
				t.Fatalf("provider = %d, want %d", got, tt.provider)
			}
			if got := balance(t, l, "client"); got != tt.client {
				t.Fatalf("client = %d, want %d", got, tt.client)
			}
			got, _ := em.Get(e.EscrowID)
			if got.Status != tt.status {
				t.Fatalf("status = %s, want %s", got.Status, tt.status)
			}
			if err := l.Reconcile(); err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
		})
	}
}

func TestEscrowMilestones(t *testing.T) {
	l, em := testEscrowManager(t)
	ms := []Milestone{
		{Name: "draft", PaymentPercent: 30},
		{Name: "final", PaymentPercent: 70},
	}
	e, err := em.Open("client", "provider", 100, nil, ms, time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := em.ReleaseMilestone(e.EscrowID, "draft"); err != nil {
		t.Fatalf("ReleaseMilestone: %v", err)
	}
	if got := balance(t, l, "provider"); got != 30 {
		t.Fatalf("provider after draft = %d", got)
	}
	if err := em.ReleaseMilestone(e.EscrowID, "draft"); !errs.HasCode(err, errs.DuplicateTransaction) {
		t.Fatalf("double milestone: %v", err)
	}
	got, _ := em.Get(e.EscrowID)
	if got.Status != EscrowHeld {
		t.Fatalf("status mid-way = %s", got.Status)
	}

	if err := em.ReleaseMilestone(e.EscrowID, "final"); err != nil {
		t.Fatalf("ReleaseMilestone: %v", err)
	}
	if got := balance(t, l, "provider"); got != 100 {
		t.Fatalf("provider after final = %d", got)
	}
	got, _ = em.Get(e.EscrowID)
	if got.Status != EscrowReleased {
		t.Fatalf("final status = %s", got.Status)
	}
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestEscrowMilestonesMustSum(t *testing.T) {
	_, em := testEscrowManager(t)
	ms := []Milestone{{Name: "half", PaymentPercent: 50}}
	if _, err := em.Open("client", "provider", 100, nil, ms, time.Now().Add(time.Hour), ""); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("Open: %v", err)
	}
}

func TestEscrowRefund(t *testing.T) {
	l, em := testEscrowManager(t)
	e, err := em.Open("client", "provider", 100, nil, nil, time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := em.Refund(e.EscrowID, "provider vanished"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got := balance(t, l, "client"); got != 1000 {
		t.Fatalf("client = %d", got)
	}
	got, _ := em.Get(e.EscrowID)
	if got.Status != EscrowRefunded {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestEscrowDisputeResolution(t *testing.T) {
	l, em := testEscrowManager(t)
	e, err := em.Open("client", "provider", 100, nil, nil, time.Now().Add(time.Hour), "arbiter")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := em.Resolve(e.EscrowID, "arbiter", 0.5); !errs.HasCode(err, errs.StateTransitionInvalid) {
		t.Fatalf("resolve undisputed: %v", err)
	}
	if err := em.Dispute(e.EscrowID); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if err := em.Resolve(e.EscrowID, "stranger", 0.5); !errs.HasCode(err, errs.Forbidden) {
		t.Fatalf("foreign resolver: %v", err)
	}
	if err := em.Resolve(e.EscrowID, "arbiter", 1.5); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("share out of range: %v", err)
	}
	if err := em.Resolve(e.EscrowID, "arbiter", 0.25); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := balance(t, l, "provider"); got != 25 {
		t.Fatalf("provider = %d", got)
	}
	if got := balance(t, l, "client"); got != 975 {
		t.Fatalf("client = %d", got)
	}
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestEscrowSweepExpired(t *testing.T) {
	l, em := testEscrowManager(t)
	deadline := time.Now().Add(time.Minute)
	e, err := em.Open("client", "provider", 100, nil, nil, deadline, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := em.SweepExpired(deadline.Add(-time.Second)); len(got) != 0 {
		t.Fatalf("early sweep refunded %v", got)
	}
	got := em.SweepExpired(deadline.Add(time.Second))
	if len(got) != 1 || got[0] != e.EscrowID {
		t.Fatalf("sweep refunded %v", got)
	}
	if b := balance(t, l, "client"); b != 1000 {
		t.Fatalf("client = %d", b)
	}
}
