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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/metrics"
	"github.com/acp-project/go-acp/storage"
)

// TreasuryID is the designated treasury wallet, the sole mint sink.
const TreasuryID = "treasury"

const (
	walletDir  = "wallets"
	supplyFile = "economy/supply.json"
)

// SupplyStats tracks mint/burn accounting. TotalMinted includes deposits and
// TotalBurned includes withdrawals, so the reconciliation invariant
//
//	sum(balances) + sum(locked) == TotalMinted - TotalBurned
//
// holds at all times. MintCount/BurnCount count only explicit mint and burn
// operations.
type SupplyStats struct {
	Version           int    `json:"version"`
	TotalSupply       Amount `json:"total_supply"`
	CirculatingSupply Amount `json:"circulating_supply"`
	TreasuryBalance   Amount `json:"treasury_balance"`
	TotalMinted       Amount `json:"total_minted"`
	TotalBurned       Amount `json:"total_burned"`
	MintCount         int    `json:"mint_count"`
	BurnCount         int    `json:"burn_count"`
}

// walletEntry pairs a wallet with its fine-grained lock.
type walletEntry struct {
	mu sync.Mutex
	w  *Wallet
}

// Ledger is the token economy of one node. Wallet operations linearize per
// wallet; transfers lock both wallets in canonical ID order so concurrent
// transfers cannot deadlock. Every mutation persists before it commits.
type Ledger struct {
	store *storage.Store
	log   log.Logger

	mu      sync.Mutex // protects wallets map, locked map, supply
	wallets map[string]*walletEntry
	locked  map[string]Amount // task_id -> locked amount
	supply  SupplyStats

	supplyGauge *metrics.Gauge
	lockedGauge *metrics.Gauge
}

// New opens the ledger, loading the supply snapshot if one exists. Wallets
// load lazily on first touch.
func New(store *storage.Store, reg *metrics.Registry) (*Ledger, error) {
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	l := &Ledger{
		store:       store,
		log:         log.New("pkg", "ledger"),
		wallets:     make(map[string]*walletEntry),
		locked:      make(map[string]Amount),
		supply:      SupplyStats{Version: snapshotVersion},
		supplyGauge: reg.GetOrRegisterGauge("ledger/supply"),
		lockedGauge: reg.GetOrRegisterGauge("ledger/locked"),
	}
	err := store.ReadJSON(supplyFile, &l.supply)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	l.supplyGauge.Update(int64(l.supply.TotalSupply))
	return l, nil
}

func walletFile(entityID string) string {
	return filepath.Join(walletDir, entityID+".json")
}

// entry returns the wallet entry, loading the snapshot from disk or creating
// a fresh wallet.
func (l *Ledger) entry(entityID string) (*walletEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.wallets[entityID]; ok {
		return e, nil
	}
	w := newWallet(entityID)
	err := l.store.ReadJSON(walletFile(entityID), w)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	e := &walletEntry{w: w}
	l.wallets[entityID] = e
	return e, nil
}

// Balance returns the current balance of the entity's wallet.
func (l *Ledger) Balance(entityID string) (Amount, error) {
	e, err := l.entry(entityID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w.Balance, nil
}

// Snapshot returns a copy of the entity's wallet.
func (l *Ledger) Snapshot(entityID string) (*Wallet, error) {
	e, err := l.entry(entityID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w.clone(), nil
}

// persistWallet writes the wallet snapshot. Callers hold the wallet lock.
func (l *Ledger) persistWallet(w *Wallet) error {
	return l.store.WriteJSON(walletFile(w.EntityID), w)
}

func (l *Ledger) persistSupply() error {
	l.supplyGauge.Update(int64(l.supply.TotalSupply))
	return l.store.WriteJSON(supplyFile, &l.supply)
}

// Deposit credits external funds into a wallet. Deposits enter the supply as
// minted tokens so reconciliation stays exact.
func (l *Ledger) Deposit(entityID string, amount Amount, desc string) error {
	if amount <= 0 {
		return errs.New(errs.InvalidAmount, "deposit amount must be positive")
	}
	e, err := l.entry(entityID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	backup := e.w.clone()
	e.w.credit(TxDeposit, "", amount, desc, time.Now().UTC())
	if err := l.persistWallet(e.w); err != nil {
		e.w = backup
		return err
	}
	l.mu.Lock()
	l.supply.TotalSupply += amount
	l.supply.CirculatingSupply += amount
	l.supply.TotalMinted += amount
	err = l.persistSupply()
	l.mu.Unlock()
	return err
}

// Withdraw debits funds out of a wallet, failing with INSUFFICIENT_FUNDS
// when the balance cannot cover the amount. No state changes on failure.
func (l *Ledger) Withdraw(entityID string, amount Amount, desc string) error {
	if amount <= 0 {
		return errs.New(errs.InvalidAmount, "withdraw amount must be positive")
	}
	e, err := l.entry(entityID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.w.Balance < amount {
		return errs.New(errs.InsufficientFunds, "balance %d cannot cover %d", e.w.Balance, amount)
	}
	backup := e.w.clone()
	e.w.debit(TxWithdraw, "", amount, desc, time.Now().UTC())
	if err := l.persistWallet(e.w); err != nil {
		e.w = backup
		return err
	}
	l.mu.Lock()
	l.supply.TotalSupply -= amount
	l.supply.CirculatingSupply -= amount
	l.supply.TotalBurned += amount
	err = l.persistSupply()
	l.mu.Unlock()
	return err
}

// Transfer atomically moves funds between two wallets: either both logs gain
// their record or neither does. Wallet locks are taken in canonical ID order.
func (l *Ledger) Transfer(from, to string, amount Amount, desc string) error {
	if amount <= 0 {
		return errs.New(errs.InvalidAmount, "transfer amount must be positive")
	}
	if from == to {
		return errs.New(errs.InvalidAmount, "cannot transfer to self")
	}
	src, err := l.entry(from)
	if err != nil {
		return err
	}
	dst, err := l.entry(to)
	if err != nil {
		return err
	}

	first, second := src, dst
	if to < from {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if src.w.Balance < amount {
		return errs.New(errs.InsufficientFunds, "balance %d cannot cover %d", src.w.Balance, amount)
	}
	now := time.Now().UTC()
	srcBackup, dstBackup := src.w.clone(), dst.w.clone()
	src.w.debit(TxTransferOut, to, amount, desc, now)
	dst.w.credit(TxTransferIn, from, amount, desc, now)
	if err := l.persistWallet(src.w); err != nil {
		src.w, dst.w = srcBackup, dstBackup
		return err
	}
	if err := l.persistWallet(dst.w); err != nil {
		src.w, dst.w = srcBackup, dstBackup
		// Restore the source snapshot on disk; the in-memory state is
		// already rolled back and a later write will converge.
		if werr := l.persistWallet(src.w); werr != nil {
			l.log.Error("Rollback write failed", "wallet", from, "err", werr)
		}
		return err
	}
	return nil
}

// Mint creates new tokens and credits the recipient. Only the treasury may
// act as the mint sink.
func (l *Ledger) Mint(recipient string, amount Amount, desc string) error {
	if amount <= 0 {
		return errs.New(errs.InvalidAmount, "mint amount must be positive")
	}
	e, err := l.entry(recipient)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	backup := e.w.clone()
	e.w.credit(TxMint, TreasuryID, amount, desc, time.Now().UTC())
	if err := l.persistWallet(e.w); err != nil {
		e.w = backup
		return err
	}
	l.mu.Lock()
	l.supply.TotalSupply += amount
	l.supply.TotalMinted += amount
	l.supply.MintCount++
	if recipient == TreasuryID {
		l.supply.TreasuryBalance += amount
	} else {
		l.supply.CirculatingSupply += amount
	}
	err = l.persistSupply()
	l.mu.Unlock()
	return err
}

// Burn debits a wallet and destroys the tokens, shrinking total supply.
func (l *Ledger) Burn(entityID string, amount Amount, desc string) error {
	if amount <= 0 {
		return errs.New(errs.InvalidAmount, "burn amount must be positive")
	}
	e, err := l.entry(entityID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.w.Balance < amount {
		return errs.New(errs.InsufficientFunds, "balance %d cannot cover burn of %d", e.w.Balance, amount)
	}
	backup := e.w.clone()
	e.w.debit(TxBurn, TreasuryID, amount, desc, time.Now().UTC())
	if err := l.persistWallet(e.w); err != nil {
		e.w = backup
		return err
	}
	l.mu.Lock()
	l.supply.TotalSupply -= amount
	l.supply.TotalBurned += amount
	l.supply.BurnCount++
	if entityID == TreasuryID {
		l.supply.TreasuryBalance -= amount
	} else {
		l.supply.CirculatingSupply -= amount
	}
	err = l.persistSupply()
	l.mu.Unlock()
	return err
}

// Supply returns a copy of the supply statistics.
func (l *Ledger) Supply() SupplyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply
}

// Reconcile verifies the ledger-wide invariant over all loaded wallets plus
// locked funds. It returns an error naming the discrepancy if the books
// don't balance.
func (l *Ledger) Reconcile() error {
	l.mu.Lock()
	entries := make([]*walletEntry, 0, len(l.wallets))
	for _, e := range l.wallets {
		entries = append(entries, e)
	}
	var locked Amount
	for _, amt := range l.locked {
		locked += amt
	}
	supply := l.supply
	l.mu.Unlock()

	var balances Amount
	for _, e := range entries {
		e.mu.Lock()
		balances += e.w.Balance
		e.mu.Unlock()
	}
	if balances+locked != supply.TotalMinted-supply.TotalBurned {
		return errs.New(errs.InternalError,
			"ledger out of balance: wallets %d + locked %d != minted %d - burned %d",
			balances, locked, supply.TotalMinted, supply.TotalBurned)
	}
	return nil
}
