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

// Package ledger implements the token economy: wallets with an append-only
// transaction log, atomic transfers, mint/burn supply accounting and
// task-locked funds. Wallet balance always equals the sum of its log.
package ledger

import (
	"time"
)

// Amount is a token quantity in base units. Balances never go negative.
type Amount int64

// Transaction record types.
const (
	TxDeposit     = "deposit"
	TxWithdraw    = "withdraw"
	TxTransferIn  = "transfer_in"
	TxTransferOut = "transfer_out"
	TxReward      = "reward"
	TxBurn        = "burn"
	TxMint        = "mint"
)

// Transaction is one entry of a wallet's ordered log.
type Transaction struct {
	Type         string    `json:"type"`
	Counterparty string    `json:"counterparty,omitempty"`
	Amount       Amount    `json:"amount"`
	Description  string    `json:"description,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Wallet is the persisted snapshot of one entity's funds. The invariant
// balance == sum(credits) - sum(debits) over Transactions holds at every
// observable moment.
type Wallet struct {
	Version      int           `json:"version"`
	EntityID     string        `json:"entity_id"`
	Balance      Amount        `json:"balance"`
	Transactions []Transaction `json:"transactions"`
}

// snapshotVersion is the wallet file format version.
const snapshotVersion = 1

func newWallet(entityID string) *Wallet {
	return &Wallet{Version: snapshotVersion, EntityID: entityID}
}

// credit appends a credit entry and raises the balance.
func (w *Wallet) credit(txType, counterparty string, amount Amount, desc string, at time.Time) {
	w.Balance += amount
	w.Transactions = append(w.Transactions, Transaction{
		Type: txType, Counterparty: counterparty, Amount: amount, Description: desc, Timestamp: at,
	})
}

// debit appends a debit entry and lowers the balance. Callers check funds
// first.
func (w *Wallet) debit(txType, counterparty string, amount Amount, desc string, at time.Time) {
	w.Balance -= amount
	w.Transactions = append(w.Transactions, Transaction{
		Type: txType, Counterparty: counterparty, Amount: amount, Description: desc, Timestamp: at,
	})
}

// clone returns a deep copy used for rollback on persistence failure.
func (w *Wallet) clone() *Wallet {
	cp := *w
	cp.Transactions = append([]Transaction(nil), w.Transactions...)
	return &cp
}
