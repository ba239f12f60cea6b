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

// Package contract drives the proposal, quote, agreement, escrow and
// settlement pipeline. Every wire record is individually signed and chained
// to its predecessor by ID; no state advances without a verified signature.
package contract

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/ledger"
)

// TaskProposal opens a negotiation. The client signs it.
type TaskProposal struct {
	ProposalID   string            `json:"proposal_id"`
	TaskType     string            `json:"task_type"`
	Description  string            `json:"description"`
	Requirements map[string]string `json:"requirements,omitempty"`
	Budget       ledger.Amount     `json:"budget"`
	ClientID     string            `json:"client_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Signature    string            `json:"signature,omitempty"`
}

// TaskQuote answers a proposal. The provider signs it; it is unusable past
// ValidUntil.
type TaskQuote struct {
	QuoteID          string        `json:"quote_id"`
	ProposalID       string        `json:"proposal_id"`
	EstimatedAmount  ledger.Amount `json:"estimated_amount"`
	EstimatedTimeSec int64         `json:"estimated_time_sec"`
	ValidUntil       time.Time     `json:"valid_until"`
	Terms            string        `json:"terms,omitempty"`
	ProviderID       string        `json:"provider_id"`
	Timestamp        time.Time     `json:"timestamp"`
	Signature        string        `json:"signature,omitempty"`
}

// Agreement accepts a quote and fixes the escrow terms. The client signs it.
type Agreement struct {
	AgreementID     string        `json:"agreement_id"`
	QuoteID         string        `json:"quote_id"`
	TaskID          string        `json:"task_id"`
	ConfirmedAmount ledger.Amount `json:"confirmed_amount"`
	EscrowAddress   string        `json:"escrow_address"`
	Deadline        time.Time     `json:"deadline"`
	ClientID        string        `json:"client_id"`
	ProviderID      string        `json:"provider_id"`
	Timestamp       time.Time     `json:"timestamp"`
	Signature       string        `json:"signature,omitempty"`
}

// recordTime renders timestamps canonically for signing.
func recordTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (p *TaskProposal) preimage() []byte {
	reqs := make([]string, 0, len(p.Requirements))
	for k, v := range p.Requirements {
		reqs = append(reqs, k+"="+v)
	}
	sort.Strings(reqs)
	return []byte(strings.Join([]string{
		p.ProposalID, p.TaskType, p.Description, strings.Join(reqs, ","),
		fmt.Sprintf("%d", p.Budget), p.ClientID, recordTime(p.Timestamp),
	}, "|"))
}

func (q *TaskQuote) preimage() []byte {
	return []byte(strings.Join([]string{
		q.QuoteID, q.ProposalID, fmt.Sprintf("%d", q.EstimatedAmount),
		fmt.Sprintf("%d", q.EstimatedTimeSec), recordTime(q.ValidUntil),
		q.Terms, q.ProviderID, recordTime(q.Timestamp),
	}, "|"))
}

func (a *Agreement) preimage() []byte {
	return []byte(strings.Join([]string{
		a.AgreementID, a.QuoteID, a.TaskID, fmt.Sprintf("%d", a.ConfirmedAmount),
		a.EscrowAddress, recordTime(a.Deadline), a.ClientID, a.ProviderID,
		recordTime(a.Timestamp),
	}, "|"))
}

// Sign attaches the client's signature.
func (p *TaskProposal) Sign(kp *crypto.Keypair) {
	p.Signature = base64.StdEncoding.EncodeToString(kp.Sign(p.preimage()))
}

// Verify checks the proposal signature under the client's key.
func (p *TaskProposal) Verify(pub ed25519.PublicKey) error {
	return verifyRecord(p.preimage(), p.Signature, pub, "proposal "+p.ProposalID)
}

// Sign attaches the provider's signature.
func (q *TaskQuote) Sign(kp *crypto.Keypair) {
	q.Signature = base64.StdEncoding.EncodeToString(kp.Sign(q.preimage()))
}

// Verify checks the quote signature under the provider's key.
func (q *TaskQuote) Verify(pub ed25519.PublicKey) error {
	return verifyRecord(q.preimage(), q.Signature, pub, "quote "+q.QuoteID)
}

// Sign attaches the client's signature.
func (a *Agreement) Sign(kp *crypto.Keypair) {
	a.Signature = base64.StdEncoding.EncodeToString(kp.Sign(a.preimage()))
}

// Verify checks the agreement signature under the client's key.
func (a *Agreement) Verify(pub ed25519.PublicKey) error {
	return verifyRecord(a.preimage(), a.Signature, pub, "agreement "+a.AgreementID)
}

func verifyRecord(preimage []byte, sig string, pub ed25519.PublicKey, what string) error {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return errs.New(errs.InvalidSignature, "%s signature is not valid base64", what)
	}
	if err := crypto.Verify(pub, preimage, raw); err != nil {
		return errs.New(errs.InvalidSignature, "%s signature invalid", what)
	}
	return nil
}

// VerifyChain checks the full three-record chain: back-pointers, all three
// signatures, the budget bound and the quote validity window at the time the
// agreement was made. Failure to verify is fatal to the transaction.
func VerifyChain(p *TaskProposal, q *TaskQuote, a *Agreement, clientPub, providerPub ed25519.PublicKey) error {
	if q.ProposalID != p.ProposalID {
		return errs.New(errs.StateTransitionInvalid, "quote %s does not answer proposal %s", q.QuoteID, p.ProposalID)
	}
	if a.QuoteID != q.QuoteID {
		return errs.New(errs.StateTransitionInvalid, "agreement %s does not accept quote %s", a.AgreementID, q.QuoteID)
	}
	if q.EstimatedAmount > p.Budget {
		return errs.New(errs.InvalidAmount, "quote %d exceeds budget %d", q.EstimatedAmount, p.Budget)
	}
	if a.Timestamp.After(q.ValidUntil) {
		return errs.New(errs.QuoteExpired, "quote %s expired %s before agreement", q.QuoteID, q.ValidUntil)
	}
	if err := p.Verify(clientPub); err != nil {
		return err
	}
	if err := q.Verify(providerPub); err != nil {
		return err
	}
	return a.Verify(clientPub)
}

// Milestone breaks an agreement's reward into tranches. PaymentPercent over
// all milestones of a contract must sum to exactly 100.
type Milestone struct {
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	PaymentPercent float64 `json:"payment_percent"`
	Completed      bool    `json:"completed"`
}

// ValidateMilestones checks the tranche percentages.
func ValidateMilestones(ms []Milestone) error {
	if len(ms) == 0 {
		return nil
	}
	var sum float64
	for _, m := range ms {
		if m.PaymentPercent <= 0 {
			return errs.New(errs.InvalidAmount, "milestone %q has non-positive payment share", m.Name)
		}
		sum += m.PaymentPercent
	}
	if sum != 100 {
		return errs.New(errs.InvalidAmount, "milestone payments sum to %v, want 100", sum)
	}
	return nil
}
