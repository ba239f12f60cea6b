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

// Package registry implements the static agent directory. Agents register a
// signed entry binding their identity to an endpoint and capability set;
// lookups resolve by ID or capability. Heartbeats keep entries alive without
// rewriting the snapshot.
package registry

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acp-project/go-acp/common/mclock"
	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/storage"
)

const (
	registryFile = "agents/registry.json"

	// AliveWindow is how recently an entry must have heartbeated to count
	// as alive; StaleWindow is when the sweeper drops it.
	AliveWindow = 60 * time.Second
	StaleWindow = 120 * time.Second
)

// Entry is one registered agent. The signature binds the identity fields
// under the agent's own key, so a registry snapshot cannot be forged by the
// host carrying it.
type Entry struct {
	EntityID     string    `json:"entity_id"`
	Endpoint     string    `json:"endpoint"`
	PublicKey    string    `json:"public_key"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Version      string    `json:"version,omitempty"`
	NodeID       string    `json:"node_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	Signature    string    `json:"signature,omitempty"`

	// LastSeen is runtime state, refreshed by heartbeats and never part of
	// the signed preimage.
	LastSeen time.Time `json:"last_seen,omitempty"`
}

func capabilityHash(caps []string) string {
	sorted := append([]string(nil), caps...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

func (e *Entry) preimage() []byte {
	return []byte(strings.Join([]string{
		e.EntityID, e.Endpoint, capabilityHash(e.Capabilities),
		e.Version, e.RegisteredAt.UTC().Format(time.RFC3339Nano), e.NodeID,
	}, "|"))
}

// Sign attaches the agent's signature to the entry.
func (e *Entry) Sign(kp *crypto.Keypair) {
	e.PublicKey = kp.PublicKeyHex()
	e.Signature = base64.StdEncoding.EncodeToString(kp.Sign(e.preimage()))
}

// Verify checks the entry signature under its embedded public key.
func (e *Entry) Verify() error {
	pub, err := crypto.ParsePublicKeyHex(e.PublicKey)
	if err != nil {
		return errs.New(errs.InvalidSignature, "entry %s carries a bad public key", e.EntityID)
	}
	raw, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return errs.New(errs.InvalidSignature, "entry %s signature is not valid base64", e.EntityID)
	}
	if err := crypto.Verify(pub, e.preimage(), raw); err != nil {
		return errs.New(errs.InvalidSignature, "entry %s signature invalid", e.EntityID)
	}
	return nil
}

// Pub returns the entry's parsed public key.
func (e *Entry) Pub() (ed25519.PublicKey, error) {
	return crypto.ParsePublicKeyHex(e.PublicKey)
}

// Alive reports whether the entry heartbeated within the alive window.
func (e *Entry) Alive(now time.Time) bool {
	return now.Sub(e.LastSeen) <= AliveWindow
}

// snapshot is the persisted registry file.
type snapshot struct {
	Version int      `json:"version"`
	Entries []*Entry `json:"agents"`
}

// Registry is the static agent directory. It satisfies the endpoint resolver
// interface of the messaging layer.
type Registry struct {
	store *storage.Store
	clock mclock.Clock
	log   log.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	quit chan struct{}
	wg   sync.WaitGroup
}

// New loads the registry snapshot from the store. Entries that fail signature
// verification are dropped on load.
func New(store *storage.Store, clock mclock.Clock) (*Registry, error) {
	if clock == nil {
		clock = mclock.System{}
	}
	r := &Registry{
		store:   store,
		clock:   clock,
		log:     log.New("pkg", "registry"),
		entries: make(map[string]*Entry),
		quit:    make(chan struct{}),
	}
	var snap snapshot
	err := store.ReadJSON(registryFile, &snap)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range snap.Entries {
		if err := e.Verify(); err != nil {
			r.log.Warn("Dropping unverifiable registry entry", "entity", e.EntityID, "err", err)
			continue
		}
		r.entries[e.EntityID] = e
	}
	return r, nil
}

// Start launches the stale-entry sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop terminates the sweeper.
func (r *Registry) Stop() {
	close(r.quit)
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		case <-r.clock.After(AliveWindow):
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var dropped []string
	for id, e := range r.entries {
		if now.Sub(e.LastSeen) > StaleWindow {
			delete(r.entries, id)
			dropped = append(dropped, id)
		}
	}
	dirty := len(dropped) > 0
	r.mu.Unlock()
	if dirty {
		r.log.Info("Swept stale registry entries", "count", len(dropped))
		if err := r.persist(); err != nil {
			r.log.Error("Registry persist failed after sweep", "err", err)
		}
	}
}

// Register verifies and stores an entry, replacing any previous registration
// of the same entity. The snapshot is rewritten.
func (r *Registry) Register(e *Entry) error {
	if e.EntityID == "" || e.Endpoint == "" {
		return errs.New(errs.InvalidJSON, "registration requires entity_id and endpoint")
	}
	if err := e.Verify(); err != nil {
		return err
	}
	e.LastSeen = time.Now().UTC()
	r.mu.Lock()
	r.entries[e.EntityID] = e
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		return err
	}
	r.log.Info("Agent registered", "entity", e.EntityID, "endpoint", e.Endpoint, "capabilities", len(e.Capabilities))
	return nil
}

// Deregister removes an entry and rewrites the snapshot.
func (r *Registry) Deregister(entityID string) error {
	r.mu.Lock()
	_, ok := r.entries[entityID]
	delete(r.entries, entityID)
	r.mu.Unlock()
	if !ok {
		return errs.New(errs.UnknownRecipient, "no registration for %s", entityID)
	}
	return r.persist()
}

// Heartbeat refreshes an entry's liveness. Heartbeats touch only in-memory
// state; the snapshot is not rewritten.
func (r *Registry) Heartbeat(entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[entityID]
	if !ok {
		return errs.New(errs.UnknownRecipient, "no registration for %s", entityID)
	}
	e.LastSeen = time.Now().UTC()
	return nil
}

// Get returns a copy of the entry for an entity.
func (r *Registry) Get(entityID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[entityID]
	if !ok {
		return nil, errs.New(errs.UnknownRecipient, "no registration for %s", entityID)
	}
	cp := *e
	cp.Capabilities = append([]string(nil), e.Capabilities...)
	return &cp, nil
}

// Endpoint resolves an entity to its registered endpoint. Dead entries do
// not resolve.
func (r *Registry) Endpoint(entityID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[entityID]
	if !ok {
		return "", errs.New(errs.UnknownRecipient, "no registration for %s", entityID)
	}
	if !e.Alive(time.Now()) {
		return "", errs.New(errs.UnknownRecipient, "%s has not heartbeated recently", entityID)
	}
	return e.Endpoint, nil
}

// FindByCapability returns copies of all alive entries advertising the
// capability.
func (r *Registry) FindByCapability(capability string) []*Entry {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if !e.Alive(now) {
			continue
		}
		for _, c := range e.Capabilities {
			if strings.EqualFold(c, capability) {
				cp := *e
				cp.Capabilities = append([]string(nil), e.Capabilities...)
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// List returns copies of all entries, alive or not.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		cp := *e
		cp.Capabilities = append([]string(nil), e.Capabilities...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) persist() error {
	r.mu.RLock()
	snap := snapshot{Version: 1, Entries: make([]*Entry, 0, len(r.entries))}
	for _, e := range r.entries {
		snap.Entries = append(snap.Entries, e)
	}
	r.mu.RUnlock()
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].EntityID < snap.Entries[j].EntityID })
	return r.store.WriteJSON(registryFile, &snap)
}
