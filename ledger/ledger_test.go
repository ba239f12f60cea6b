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

package ledger

import (
	"sync"
	"testing"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/metrics"
	"github.com/acp-project/go-acp/storage"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	l, err := New(store, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func mustBalance(t *testing.T, l *Ledger, entity string, want Amount) {
	t.Helper()
	got, err := l.Balance(entity)
	if err != nil {
		t.Fatalf("Balance(%s): %v", entity, err)
	}
	if got != want {
		t.Fatalf("Balance(%s) = %d, want %d", entity, got, want)
	}
}

func TestDepositWithdraw(t *testing.T) {
	l := testLedger(t)

	if err := l.Deposit("alice", 100, "funding"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	mustBalance(t, l, "alice", 100)

	if err := l.Withdraw("alice", 40, "cash out"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	mustBalance(t, l, "alice", 60)

	if err := l.Withdraw("alice", 100, "too much"); !errs.HasCode(err, errs.InsufficientFunds) {
		t.Fatalf("overdraft: %v", err)
	}
	mustBalance(t, l, "alice", 60)

	if err := l.Deposit("alice", 0, "nothing"); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("zero deposit: %v", err)
	}
	if err := l.Deposit("alice", -5, "negative"); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("negative deposit: %v", err)
	}
}

func TestTransfer(t *testing.T) {
	l := testLedger(t)
	if err := l.Deposit("alice", 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	if err := l.Transfer("alice", "bob", 30, "payment"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	mustBalance(t, l, "alice", 70)
	mustBalance(t, l, "bob", 30)

	if err := l.Transfer("alice", "bob", 1000, ""); !errs.HasCode(err, errs.InsufficientFunds) {
		t.Fatalf("overdraft transfer: %v", err)
	}
	if err := l.Transfer("alice", "alice", 1, ""); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("self transfer: %v", err)
	}

	// Both logs carry the record.
	src, _ := l.Snapshot("alice")
	dst, _ := l.Snapshot("bob")
	if n := len(src.Transactions); n != 2 {
		t.Fatalf("alice log has %d entries, want 2", n)
	}
	if got := dst.Transactions[0]; got.Type != TxTransferIn || got.Counterparty != "alice" {
		t.Fatalf("bob log entry = %+v", got)
	}
}

func TestTransferConcurrent(t *testing.T) {
	l := testLedger(t)
	if err := l.Deposit("alice", 1000, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := l.Deposit("bob", 1000, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	// Opposite-direction transfers must not deadlock or lose funds.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := l.Transfer("alice", "bob", 5, ""); err != nil {
				t.Errorf("alice->bob: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := l.Transfer("bob", "alice", 5, ""); err != nil {
				t.Errorf("bob->alice: %v", err)
			}
		}()
	}
	wg.Wait()
	mustBalance(t, l, "alice", 1000)
	mustBalance(t, l, "bob", 1000)
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestMintBurnSupply(t *testing.T) {
	l := testLedger(t)

	if err := l.Mint(TreasuryID, 1000, "genesis"); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := l.Mint("alice", 50, "grant"); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	s := l.Supply()
	if s.TotalSupply != 1050 || s.TreasuryBalance != 1000 || s.CirculatingSupply != 50 {
		t.Fatalf("supply after mint = %+v", s)
	}
	if s.MintCount != 2 {
		t.Fatalf("MintCount = %d", s.MintCount)
	}

	if err := l.Burn("alice", 20, "penalty"); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	s = l.Supply()
	if s.TotalSupply != 1030 || s.CirculatingSupply != 30 || s.BurnCount != 1 {
		t.Fatalf("supply after burn = %+v", s)
	}
	if err := l.Burn("alice", 1000, ""); !errs.HasCode(err, errs.InsufficientFunds) {
		t.Fatalf("over-burn: %v", err)
	}
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestLockRelease(t *testing.T) {
	l := testLedger(t)
	if err := l.Deposit("alice", 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	if err := l.Lock("job-1", "alice", 60, "reward"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	mustBalance(t, l, "alice", 40)
	if amt, ok := l.LockedAmount("job-1"); !ok || amt != 60 {
		t.Fatalf("LockedAmount = %d, %v", amt, ok)
	}

	if err := l.Lock("job-1", "alice", 10, ""); !errs.HasCode(err, errs.DuplicateTransaction) {
		t.Fatalf("double lock: %v", err)
	}
	if err := l.Lock("job-2", "alice", 100, ""); !errs.HasCode(err, errs.InsufficientFunds) {
		t.Fatalf("over-lock: %v", err)
	}

	if err := l.Release("job-1", "bob", TxReward, "payout"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	mustBalance(t, l, "bob", 60)
	if _, ok := l.LockedAmount("job-1"); ok {
		t.Fatal("lock survived release")
	}
	if err := l.Release("job-1", "bob", TxReward, ""); !errs.HasCode(err, errs.WalletNotFound) {
		t.Fatalf("double release: %v", err)
	}
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestLockConcurrentSameKey(t *testing.T) {
	l := testLedger(t)
	if err := l.Deposit("alice", 1000, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	// Racing locks on one key must debit the wallet exactly once.
	results := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- l.Lock("task-x", "alice", 10, "reward hold")
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errs.HasCode(err, errs.DuplicateTransaction):
			dup++
		default:
			t.Fatalf("Lock: %v", err)
		}
	}
	if ok != 1 || dup != 7 {
		t.Fatalf("locks: %d succeeded, %d rejected as duplicates", ok, dup)
	}
	mustBalance(t, l, "alice", 990)
	if amt, held := l.LockedAmount("task-x"); !held || amt != 10 {
		t.Fatalf("LockedAmount = %d, %v", amt, held)
	}
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestReleaseSplit(t *testing.T) {
	l := testLedger(t)
	if err := l.Deposit("client", 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := l.Lock("deal", "client", 100, ""); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	err := l.ReleaseSplit("deal", []Payout{
		{Recipient: "provider", Amount: 80, TxType: TxReward},
		{Recipient: "client", TxType: TxTransferIn, All: true},
	})
	if err != nil {
		t.Fatalf("ReleaseSplit: %v", err)
	}
	mustBalance(t, l, "provider", 80)
	mustBalance(t, l, "client", 20)
	if l.TotalLocked() != 0 {
		t.Fatalf("TotalLocked = %d", l.TotalLocked())
	}
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestReleaseSplitMustConsumeLock(t *testing.T) {
	l := testLedger(t)
	if err := l.Deposit("client", 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := l.Lock("deal", "client", 100, ""); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Short payouts must restore the lock untouched.
	err := l.ReleaseSplit("deal", []Payout{{Recipient: "provider", Amount: 50}})
	if !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("short split: %v", err)
	}
	if amt, ok := l.LockedAmount("deal"); !ok || amt != 100 {
		t.Fatalf("lock after failed split = %d, %v", amt, ok)
	}
	mustBalance(t, l, "provider", 0)

	err = l.ReleaseSplit("deal", []Payout{{Recipient: "provider", Amount: 150}})
	if !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("oversized split: %v", err)
	}
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestReleasePartial(t *testing.T) {
	l := testLedger(t)
	if err := l.Deposit("client", 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := l.Lock("deal", "client", 100, ""); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := l.ReleasePartial("deal", "provider", 30, TxReward, "milestone 1"); err != nil {
		t.Fatalf("ReleasePartial: %v", err)
	}
	mustBalance(t, l, "provider", 30)
	if amt, _ := l.LockedAmount("deal"); amt != 70 {
		t.Fatalf("remaining lock = %d", amt)
	}

	if err := l.ReleasePartial("deal", "provider", 100, TxReward, ""); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("oversized partial: %v", err)
	}

	// Final tranche clears the lock.
	if err := l.ReleasePartial("deal", "provider", 70, TxReward, "milestone 2"); err != nil {
		t.Fatalf("ReleasePartial: %v", err)
	}
	if _, ok := l.LockedAmount("deal"); ok {
		t.Fatal("lock survived full payout")
	}
	mustBalance(t, l, "provider", 100)
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestWalletPersistence(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	l, err := New(store, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Deposit("alice", 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := l.Mint(TreasuryID, 500, ""); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// A second ledger over the same store sees the same state.
	store2, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	l2, err := New(store2, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	mustBalance(t, l2, "alice", 100)
	s := l2.Supply()
	if s.TotalSupply != 600 || s.TreasuryBalance != 500 {
		t.Fatalf("reloaded supply = %+v", s)
	}
}
