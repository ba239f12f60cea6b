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

package keystore

import (
	"testing"
)

func testKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	return NewLightKeyStore(t.TempDir())
}

func TestKeyStoreRoundTrip(t *testing.T) {
	ks := testKeyStore(t)
	key, err := ks.NewKey("agent-1", "hunter2")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if !ks.HasKey("agent-1") {
		t.Fatal("HasKey = false after NewKey")
	}
	loaded, err := ks.GetKey("agent-1", "hunter2")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if loaded.EntityID != "agent-1" {
		t.Fatalf("entity = %q", loaded.EntityID)
	}
	if loaded.Keypair.PublicKeyHex() != key.Keypair.PublicKeyHex() {
		t.Fatal("loaded key differs from stored key")
	}
}

func TestKeyStoreWrongPassword(t *testing.T) {
	ks := testKeyStore(t)
	if _, err := ks.NewKey("agent-1", "correct"); err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if _, err := ks.GetKey("agent-1", "wrong"); err == nil {
		t.Fatal("GetKey accepted wrong password")
	}
}

func TestKeyStoreMissingKey(t *testing.T) {
	ks := testKeyStore(t)
	if ks.HasKey("nobody") {
		t.Fatal("HasKey = true for missing key")
	}
	if _, err := ks.GetKey("nobody", ""); err == nil {
		t.Fatal("GetKey succeeded for missing key")
	}
}

func TestEncryptDecryptKey(t *testing.T) {
	key, err := newKey("agent-2")
	if err != nil {
		t.Fatalf("newKey: %v", err)
	}
	blob, err := EncryptKey(key, "passphrase", LightKDFIterations)
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}
	back, err := DecryptKey(blob, "passphrase")
	if err != nil {
		t.Fatalf("DecryptKey: %v", err)
	}
	if back.EntityID != key.EntityID {
		t.Fatalf("entity = %q, want %q", back.EntityID, key.EntityID)
	}
	if back.Keypair.PublicKeyHex() != key.Keypair.PublicKeyHex() {
		t.Fatal("decrypted key differs")
	}
	if _, err := DecryptKey(blob, "not-it"); err == nil {
		t.Fatal("DecryptKey accepted wrong passphrase")
	}
}
