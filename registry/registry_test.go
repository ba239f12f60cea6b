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

package registry

import (
	"testing"
	"time"

	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/storage"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	r, err := New(store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func signedEntry(t *testing.T, entity string, caps ...string) (*Entry, *crypto.Keypair) {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	e := &Entry{
		EntityID:     entity,
		Endpoint:     "http://127.0.0.1:8544",
		Capabilities: caps,
		Version:      "1.1",
		RegisteredAt: time.Now().UTC(),
	}
	e.Sign(kp)
	return e, kp
}

func TestRegisterAndGet(t *testing.T) {
	r := testRegistry(t)
	e, _ := signedEntry(t, "agent-1", "inference")
	if err := r.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Get("agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Endpoint != e.Endpoint || got.LastSeen.IsZero() {
		t.Fatalf("entry = %+v", got)
	}
	if _, err := r.Get("nobody"); !errs.HasCode(err, errs.UnknownRecipient) {
		t.Fatalf("missing entry: %v", err)
	}
}

func TestRegisterRejectsTamperedEntry(t *testing.T) {
	r := testRegistry(t)
	e, _ := signedEntry(t, "agent-1")
	e.Endpoint = "http://evil.example"
	if err := r.Register(e); !errs.HasCode(err, errs.InvalidSignature) {
		t.Fatalf("tampered entry: %v", err)
	}
	e2, _ := signedEntry(t, "")
	e2.EntityID = ""
	if err := r.Register(e2); !errs.HasCode(err, errs.InvalidJSON) {
		t.Fatalf("empty entity: %v", err)
	}
}

func TestEndpointRequiresLiveness(t *testing.T) {
	r := testRegistry(t)
	e, _ := signedEntry(t, "agent-1")
	if err := r.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ep, err := r.Endpoint("agent-1")
	if err != nil || ep != e.Endpoint {
		t.Fatalf("Endpoint = %q, %v", ep, err)
	}

	// Age the entry past the alive window.
	r.mu.Lock()
	r.entries["agent-1"].LastSeen = time.Now().Add(-AliveWindow - time.Second)
	r.mu.Unlock()
	if _, err := r.Endpoint("agent-1"); !errs.HasCode(err, errs.UnknownRecipient) {
		t.Fatalf("stale endpoint: %v", err)
	}

	// A heartbeat revives it.
	if err := r.Heartbeat("agent-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, err := r.Endpoint("agent-1"); err != nil {
		t.Fatalf("Endpoint after heartbeat: %v", err)
	}
	if err := r.Heartbeat("ghost"); !errs.HasCode(err, errs.UnknownRecipient) {
		t.Fatalf("heartbeat for unknown: %v", err)
	}
}

func TestFindByCapability(t *testing.T) {
	r := testRegistry(t)
	a, _ := signedEntry(t, "alpha", "inference", "storage")
	b, _ := signedEntry(t, "beta", "Inference")
	c, _ := signedEntry(t, "gamma", "relay")
	for _, e := range []*Entry{a, b, c} {
		if err := r.Register(e); err != nil {
			t.Fatalf("Register(%s): %v", e.EntityID, err)
		}
	}

	got := r.FindByCapability("inference")
	if len(got) != 2 || got[0].EntityID != "alpha" || got[1].EntityID != "beta" {
		ids := make([]string, len(got))
		for i, e := range got {
			ids[i] = e.EntityID
		}
		t.Fatalf("FindByCapability = %v", ids)
	}
	if got := r.FindByCapability("quantum"); len(got) != 0 {
		t.Fatalf("unexpected matches: %d", len(got))
	}

	// Dead entries don't match.
	r.mu.Lock()
	r.entries["alpha"].LastSeen = time.Now().Add(-StaleWindow)
	r.mu.Unlock()
	if got := r.FindByCapability("inference"); len(got) != 1 || got[0].EntityID != "beta" {
		t.Fatalf("liveness filter failed: %d matches", len(got))
	}
}

func TestSweepDropsStaleEntries(t *testing.T) {
	r := testRegistry(t)
	e, _ := signedEntry(t, "agent-1")
	if err := r.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.mu.Lock()
	r.entries["agent-1"].LastSeen = time.Now().Add(-StaleWindow - time.Second)
	r.mu.Unlock()

	r.sweep(time.Now())
	if r.Len() != 0 {
		t.Fatalf("sweep left %d entries", r.Len())
	}
}

func TestDeregister(t *testing.T) {
	r := testRegistry(t)
	e, _ := signedEntry(t, "agent-1")
	if err := r.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Deregister("agent-1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := r.Deregister("agent-1"); !errs.HasCode(err, errs.UnknownRecipient) {
		t.Fatalf("double deregister: %v", err)
	}
}

func TestSnapshotReload(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	r, err := New(store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, _ := signedEntry(t, "agent-1", "inference")
	if err := r.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}

	store2, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	r2, err := New(store2, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := r2.Get("agent-1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.Endpoint != e.Endpoint {
		t.Fatalf("entry = %+v", got)
	}
}
