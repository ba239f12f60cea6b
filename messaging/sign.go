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

package messaging

import (
	"crypto/ed25519"
	"encoding/base64"
	"sync"

	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
)

// Sign computes the envelope signature with the sender's keypair.
func Sign(m *Message, kp *crypto.Keypair) {
	m.Signature = base64.StdEncoding.EncodeToString(kp.Sign(m.Preimage()))
}

// VerifySignature checks the envelope signature under the given public key.
func VerifySignature(m *Message, pub ed25519.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return errs.New(errs.InvalidSignature, "signature is not valid base64")
	}
	if err := crypto.Verify(pub, m.Preimage(), sig); err != nil {
		return errs.New(errs.InvalidSignature, "signature verification failed for sender %s", m.SenderID)
	}
	return nil
}

// KeyDirectory maps entity IDs to their registered Ed25519 public keys.
// Verification of a message from an unregistered sender fails with
// UNKNOWN_SENDER.
type KeyDirectory struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyDirectory creates an empty directory.
func NewKeyDirectory() *KeyDirectory {
	return &KeyDirectory{keys: make(map[string]ed25519.PublicKey)}
}

// Register stores or replaces the public key for an entity.
func (d *KeyDirectory) Register(entityID string, pub ed25519.PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[entityID] = pub
}

// Lookup returns the registered key for an entity.
func (d *KeyDirectory) Lookup(entityID string) (ed25519.PublicKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pub, ok := d.keys[entityID]
	if !ok {
		return nil, errs.New(errs.UnknownSender, "no public key registered for %s", entityID)
	}
	return pub, nil
}

// Verify resolves the sender's key and checks the envelope signature.
func (d *KeyDirectory) Verify(m *Message) error {
	pub, err := d.Lookup(m.SenderID)
	if err != nil {
		return err
	}
	return VerifySignature(m, pub)
}
