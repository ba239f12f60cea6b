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
	"time"

	"github.com/acp-project/go-acp/errs"
)

// The locked-funds pool holds amounts debited from wallets but not yet paid
// out: task rewards and escrow deposits. The pool is keyed by task or escrow
// ID and is authoritative for reconciliation.

// Lock atomically debits the owner's wallet and records the amount under
// key. Locking twice under the same key fails with DUPLICATE_TRANSACTION.
func (l *Ledger) Lock(key, owner string, amount Amount, desc string) error {
	if amount <= 0 {
		return errs.New(errs.InvalidAmount, "lock amount must be positive")
	}
	e, err := l.entry(owner)
	if err != nil {
		return err
	}

	// Reserve the key under l.mu before touching the wallet, so a
	// concurrent Lock on the same key fails the duplicate check instead of
	// debiting twice.
	l.mu.Lock()
	if _, exists := l.locked[key]; exists {
		l.mu.Unlock()
		return errs.New(errs.DuplicateTransaction, "funds already locked under %s", key)
	}
	l.locked[key] = amount
	l.lockedGauge.Update(int64(l.totalLockedLocked()))
	l.mu.Unlock()

	unreserve := func() {
		l.mu.Lock()
		delete(l.locked, key)
		l.lockedGauge.Update(int64(l.totalLockedLocked()))
		l.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w.Balance < amount {
		unreserve()
		return errs.New(errs.InsufficientFunds, "balance %d cannot cover lock of %d", e.w.Balance, amount)
	}
	backup := e.w.clone()
	e.w.debit(TxTransferOut, "lock:"+key, amount, desc, time.Now().UTC())
	if err := l.persistWallet(e.w); err != nil {
		e.w = backup
		unreserve()
		return err
	}
	return nil
}

// Release pays the full locked amount under key out to the recipient and
// removes the lock.
func (l *Ledger) Release(key, recipient, txType, desc string) error {
	return l.ReleaseSplit(key, []Payout{{Recipient: recipient, TxType: txType, Desc: desc, All: true}})
}

// Payout names one recipient of a (possibly partial) release.
type Payout struct {
	Recipient string
	Amount    Amount
	TxType    string
	Desc      string
	// All pays out whatever remains of the lock after earlier payouts.
	All bool
}

// ReleaseSplit distributes the locked amount under key across several
// payouts. The payouts must consume the lock exactly; at most one payout may
// use All to absorb the remainder. On persistence failure the lock and all
// wallets are restored.
func (l *Ledger) ReleaseSplit(key string, payouts []Payout) error {
	l.mu.Lock()
	total, ok := l.locked[key]
	if !ok {
		l.mu.Unlock()
		return errs.New(errs.WalletNotFound, "no funds locked under %s", key)
	}
	delete(l.locked, key)
	l.lockedGauge.Update(int64(l.totalLockedLocked()))
	l.mu.Unlock()

	restoreLock := func() {
		l.mu.Lock()
		l.locked[key] = total
		l.lockedGauge.Update(int64(l.totalLockedLocked()))
		l.mu.Unlock()
	}

	// Resolve amounts first.
	remainder := total
	resolved := make([]Payout, len(payouts))
	for i, p := range payouts {
		if p.All {
			p.Amount = remainder
		}
		if p.Amount < 0 || p.Amount > remainder {
			restoreLock()
			return errs.New(errs.InvalidAmount, "payout of %d exceeds locked remainder %d", p.Amount, remainder)
		}
		remainder -= p.Amount
		resolved[i] = p
	}
	if remainder != 0 {
		restoreLock()
		return errs.New(errs.InvalidAmount, "payouts leave %d locked tokens unaccounted", remainder)
	}

	now := time.Now().UTC()
	type applied struct {
		e      *walletEntry
		backup *Wallet
	}
	var done []applied
	rollback := func() {
		for _, a := range done {
			a.e.mu.Lock()
			a.e.w = a.backup
			if err := l.persistWallet(a.e.w); err != nil {
				l.log.Error("Rollback write failed", "wallet", a.backup.EntityID, "err", err)
			}
			a.e.mu.Unlock()
		}
		restoreLock()
	}

	for _, p := range resolved {
		if p.Amount == 0 {
			continue
		}
		e, err := l.entry(p.Recipient)
		if err != nil {
			rollback()
			return err
		}
		txType := p.TxType
		if txType == "" {
			txType = TxReward
		}
		e.mu.Lock()
		backup := e.w.clone()
		e.w.credit(txType, "lock:"+key, p.Amount, p.Desc, now)
		err = l.persistWallet(e.w)
		e.mu.Unlock()
		if err != nil {
			rollback()
			return err
		}
		done = append(done, applied{e, backup})
	}
	return nil
}

// ReleasePartial pays out part of a lock and keeps the remainder locked.
// Milestone tranches settle through this.
func (l *Ledger) ReleasePartial(key, recipient string, amount Amount, txType, desc string) error {
	if amount <= 0 {
		return errs.New(errs.InvalidAmount, "partial release must be positive")
	}
	l.mu.Lock()
	total, ok := l.locked[key]
	if !ok {
		l.mu.Unlock()
		return errs.New(errs.WalletNotFound, "no funds locked under %s", key)
	}
	if amount > total {
		l.mu.Unlock()
		return errs.New(errs.InvalidAmount, "partial release of %d exceeds locked %d", amount, total)
	}
	if amount == total {
		delete(l.locked, key)
	} else {
		l.locked[key] = total - amount
	}
	l.lockedGauge.Update(int64(l.totalLockedLocked()))
	l.mu.Unlock()

	e, err := l.entry(recipient)
	if err == nil {
		if txType == "" {
			txType = TxReward
		}
		e.mu.Lock()
		backup := e.w.clone()
		e.w.credit(txType, "lock:"+key, amount, desc, time.Now().UTC())
		err = l.persistWallet(e.w)
		if err != nil {
			e.w = backup
		}
		e.mu.Unlock()
	}
	if err != nil {
		l.mu.Lock()
		l.locked[key] = total
		l.lockedGauge.Update(int64(l.totalLockedLocked()))
		l.mu.Unlock()
		return err
	}
	return nil
}

// LockedAmount returns the amount held under key.
func (l *Ledger) LockedAmount(key string) (Amount, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amt, ok := l.locked[key]
	return amt, ok
}

// TotalLocked returns the sum of all locked funds.
func (l *Ledger) TotalLocked() Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalLockedLocked()
}

func (l *Ledger) totalLockedLocked() Amount {
	var sum Amount
	for _, amt := range l.locked {
		sum += amt
	}
	return sum
}

// restoreLock reinstates a lock entry during startup recovery.
func (l *Ledger) restoreLockEntry(key string, amount Amount) {
	l.mu.Lock()
	l.locked[key] = amount
	l.lockedGauge.Update(int64(l.totalLockedLocked()))
	l.mu.Unlock()
}
