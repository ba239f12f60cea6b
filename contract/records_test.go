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

	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
)

// testChain builds a signed proposal/quote/agreement triple that verifies.
func testChain(t *testing.T, client, provider *crypto.Keypair) (*TaskProposal, *TaskQuote, *Agreement) {
	t.Helper()
	now := time.Now().UTC()
	p := &TaskProposal{
		ProposalID:   "prop-1",
		TaskType:     "inference",
		Description:  "summarize the corpus",
		Requirements: map[string]string{"lang": "en", "format": "markdown"},
		Budget:       100,
		ClientID:     "client",
		Timestamp:    now,
	}
	p.Sign(client)
	q := &TaskQuote{
		QuoteID:          "quote-1",
		ProposalID:       p.ProposalID,
		EstimatedAmount:  80,
		EstimatedTimeSec: 120,
		ValidUntil:       now.Add(10 * time.Minute),
		ProviderID:       "provider",
		Timestamp:        now,
	}
	q.Sign(provider)
	a := &Agreement{
		AgreementID:     "agree-1",
		QuoteID:         q.QuoteID,
		TaskID:          "task-1",
		ConfirmedAmount: q.EstimatedAmount,
		EscrowAddress:   "escrow-1",
		Deadline:        now.Add(time.Hour),
		ClientID:        "client",
		ProviderID:      "provider",
		Timestamp:       now,
	}
	a.Sign(client)
	return p, q, a
}

func TestVerifyChain(t *testing.T) {
	client, _ := crypto.GenerateKeypair()
	provider, _ := crypto.GenerateKeypair()
	p, q, a := testChain(t, client, provider)

	if err := VerifyChain(p, q, a, client.PublicKey(), provider.PublicKey()); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestVerifyChainRejects(t *testing.T) {
	client, _ := crypto.GenerateKeypair()
	provider, _ := crypto.GenerateKeypair()
	mallory, _ := crypto.GenerateKeypair()

	tests := []struct {
		name   string
		mutate func(p *TaskProposal, q *TaskQuote, a *Agreement)
		code   errs.Code
	}{
		{"broken quote back-pointer", func(p *TaskProposal, q *TaskQuote, a *Agreement) {
			q.ProposalID = "other"
		}, errs.StateTransitionInvalid},
		{"broken agreement back-pointer", func(p *TaskProposal, q *TaskQuote, a *Agreement) {
			a.QuoteID = "other"
		}, errs.StateTransitionInvalid},
		{"quote over budget", func(p *TaskProposal, q *TaskQuote, a *Agreement) {
			q.EstimatedAmount = p.Budget + 1
		}, errs.InvalidAmount},
		{"expired quote", func(p *TaskProposal, q *TaskQuote, a *Agreement) {
			a.Timestamp = q.ValidUntil.Add(time.Second)
		}, errs.QuoteExpired},
		{"tampered proposal", func(p *TaskProposal, q *TaskQuote, a *Agreement) {
			p.Budget = 1000
		}, errs.InvalidSignature},
		{"tampered quote", func(p *TaskProposal, q *TaskQuote, a *Agreement) {
			q.Terms = "revised"
		}, errs.InvalidSignature},
		{"foreign agreement signature", func(p *TaskProposal, q *TaskQuote, a *Agreement) {
			a.Sign(mallory)
		}, errs.InvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, q, a := testChain(t, client, provider)
			tt.mutate(p, q, a)
			err := VerifyChain(p, q, a, client.PublicKey(), provider.PublicKey())
			if !errs.HasCode(err, tt.code) {
				t.Fatalf("VerifyChain = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestProposalSignatureCoversRequirements(t *testing.T) {
	client, _ := crypto.GenerateKeypair()
	p := &TaskProposal{
		ProposalID:   "p",
		Requirements: map[string]string{"a": "1", "b": "2"},
		ClientID:     "client",
		Timestamp:    time.Now().UTC(),
	}
	p.Sign(client)
	if err := p.Verify(client.PublicKey()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	p.Requirements["b"] = "3"
	if err := p.Verify(client.PublicKey()); !errs.HasCode(err, errs.InvalidSignature) {
		t.Fatalf("tampered requirements: %v", err)
	}
}

func TestValidateMilestones(t *testing.T) {
	if err := ValidateMilestones(nil); err != nil {
		t.Fatalf("empty milestones: %v", err)
	}
	ok := []Milestone{{Name: "draft", PaymentPercent: 40}, {Name: "final", PaymentPercent: 60}}
	if err := ValidateMilestones(ok); err != nil {
		t.Fatalf("valid milestones: %v", err)
	}
	short := []Milestone{{Name: "draft", PaymentPercent: 40}}
	if err := ValidateMilestones(short); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("short sum: %v", err)
	}
	negative := []Milestone{{Name: "a", PaymentPercent: -10}, {Name: "b", PaymentPercent: 110}}
	if err := ValidateMilestones(negative); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("negative share: %v", err)
	}
}
