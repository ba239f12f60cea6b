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

package node

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/acp-project/go-acp/common/mclock"
	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/ledger"
	"github.com/acp-project/go-acp/messaging"
	"github.com/acp-project/go-acp/metrics"
	"github.com/acp-project/go-acp/registry"
	"github.com/acp-project/go-acp/session"
	"github.com/acp-project/go-acp/storage"
)

type fixedResolver struct{}

func (fixedResolver) Endpoint(entity string) (string, error) {
	return "", errs.New(errs.UnknownRecipient, "no endpoint for %s", entity)
}

// newTestNode assembles a node with all required services on a throwaway
// store. The HTTP listener is never started; tests drive the mux directly.
func newTestNode(t *testing.T) *Node {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg, err := registry.New(store, mclock.System{})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	l, err := ledger.New(store, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	tasks, err := ledger.NewTaskManager(l, store)
	if err != nil {
		t.Fatalf("NewTaskManager: %v", err)
	}
	proc := messaging.NewProcessor(
		messaging.Config{EntityID: "node-1", Keypair: kp},
		messaging.NewKeyDirectory(),
		session.NewManager(session.DefaultConfig()),
		fixedResolver{},
		metrics.NewRegistry(),
	)

	n, err := New(Config{
		EntityID:     "node-1",
		Keypair:      kp,
		APIKeyHashes: []string{HashAPIKey("test-key")},
	}, Services{
		Processor: proc,
		Registry:  reg,
		Ledger:    l,
		Tasks:     tasks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body interface{}, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	blob, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(blob))
	if apiKey != "" {
		r.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestMessageEndpointResponse(t *testing.T) {
	n := newTestNode(t)
	mux := n.newMux()

	senderKP, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	n.processor.Keys().Register("alice", senderKP.PublicKey())

	m, err := messaging.NewMessage(messaging.TypePing, "alice", "node-1", nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	messaging.Sign(m, senderKP)

	w := postJSON(t, mux, messaging.MessagePath, m, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		Status string             `json:"status"`
		Reply  *messaging.Message `json:"reply"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp.Status != "received" {
		t.Fatalf("status field = %q, want %q", resp.Status, "received")
	}
	if resp.Reply == nil || resp.Reply.MsgType != messaging.TypePong {
		t.Fatalf("reply = %+v, want a pong", resp.Reply)
	}
}

func TestHealthEndpointResponse(t *testing.T) {
	n := newTestNode(t)
	mux := n.newMux()

	r := httptest.NewRequest(http.MethodGet, messaging.HealthPath, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Fatalf("status field = %v, want %q", health["status"], "healthy")
	}
	if health["version"] != messaging.Version {
		t.Fatalf("version field = %v, want %q", health["version"], messaging.Version)
	}
	if health["entity_id"] != "node-1" {
		t.Fatalf("entity_id field = %v", health["entity_id"])
	}
}

func TestTransferEndpointFieldNames(t *testing.T) {
	n := newTestNode(t)
	mux := n.newMux()

	if err := n.ledger.Mint("alice", 100, "seed"); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	w := postJSON(t, mux, "/economy/transfer", map[string]interface{}{
		"from_entity": "alice",
		"to_entity":   "bob",
		"amount":      40,
	}, "test-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp["status"] != "transferred" {
		t.Fatalf("status field = %q", resp["status"])
	}

	from, err := n.ledger.Balance("alice")
	if err != nil {
		t.Fatalf("Balance(alice): %v", err)
	}
	to, err := n.ledger.Balance("bob")
	if err != nil {
		t.Fatalf("Balance(bob): %v", err)
	}
	if from != 60 || to != 40 {
		t.Fatalf("balances = %d/%d, want 60/40", from, to)
	}

	// A body using unknown field names moves nothing.
	w = postJSON(t, mux, "/economy/transfer", map[string]interface{}{
		"from":   "alice",
		"to":     "bob",
		"amount": 40,
	}, "test-key")
	if w.Code == http.StatusOK {
		from, _ := n.ledger.Balance("alice")
		if from != 60 {
			t.Fatalf("transfer with wrong field names debited alice to %d", from)
		}
	}
}
