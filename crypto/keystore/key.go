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

// Package keystore persists entity keypairs encrypted at rest. Key files use
// PBKDF2-SHA256 with AES-256-GCM and live as 0600 files in a 0700 directory.
package keystore

import (
	"github.com/acp-project/go-acp/crypto"
)

const version = 1

// Key pairs an entity ID with its signing keypair.
type Key struct {
	EntityID string
	Keypair  *crypto.Keypair
}

// encryptedKeyJSON is the on-disk representation of an encrypted key.
type encryptedKeyJSON struct {
	Version  int        `json:"version"`
	EntityID string     `json:"entity_id"`
	Crypto   cryptoJSON `json:"crypto"`
}

type cryptoJSON struct {
	Cipher       string `json:"cipher"`
	CipherText   string `json:"ciphertext"`
	CipherNonce  string `json:"ciphernonce"`
	KDF          string `json:"kdf"`
	KDFSalt      string `json:"kdfsalt"`
	KDFIterCount int    `json:"kdfitercount"`
}

// newKey generates a fresh random key for the entity.
func newKey(entityID string) (*Key, error) {
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &Key{EntityID: entityID, Keypair: kp}, nil
}
