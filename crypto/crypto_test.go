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

package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	msg := []byte("the quick brown fox")
	sig := kp.Sign(msg)
	if err := Verify(kp.PublicKey(), msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(kp.PublicKey(), []byte("tampered"), sig); err == nil {
		t.Fatal("Verify accepted tampered message")
	}
	other, _ := GenerateKeypair()
	if err := Verify(other.PublicKey(), msg, sig); err == nil {
		t.Fatal("Verify accepted foreign key")
	}
}

func TestKeypairFromSeedDeterministic(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	clone, err := KeypairFromSeed(kp.Seed())
	if err != nil {
		t.Fatalf("KeypairFromSeed: %v", err)
	}
	if kp.PublicKeyHex() != clone.PublicKeyHex() {
		t.Fatal("seed did not reproduce the keypair")
	}
	sig := clone.Sign([]byte("x"))
	if err := Verify(kp.PublicKey(), []byte("x"), sig); err != nil {
		t.Fatalf("cross verify: %v", err)
	}
}

func TestParsePublicKeyHex(t *testing.T) {
	kp, _ := GenerateKeypair()
	pub, err := ParsePublicKeyHex(kp.PublicKeyHex())
	if err != nil {
		t.Fatalf("ParsePublicKeyHex: %v", err)
	}
	if !bytes.Equal(pub, kp.PublicKey()) {
		t.Fatal("round trip changed the key")
	}
	if _, err := ParsePublicKeyHex("zz"); err == nil {
		t.Fatal("accepted invalid hex")
	}
	if _, err := ParsePublicKeyHex("abcd"); err == nil {
		t.Fatal("accepted short key")
	}
}

func TestSharedSecretAgreement(t *testing.T) {
	alice, _ := GenerateKeypair()
	bob, _ := GenerateKeypair()

	k1, err := alice.SharedSecret(bob.PublicKey(), []byte("session-1"))
	if err != nil {
		t.Fatalf("alice SharedSecret: %v", err)
	}
	k2, err := bob.SharedSecret(alice.PublicKey(), []byte("session-1"))
	if err != nil {
		t.Fatalf("bob SharedSecret: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("shared secrets disagree")
	}
	if len(k1) != 32 {
		t.Fatalf("key length = %d, want 32", len(k1))
	}

	// Different context info derives a different key.
	k3, err := alice.SharedSecret(bob.PublicKey(), []byte("session-2"))
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("info did not separate keys")
	}
}

func TestSealOpen(t *testing.T) {
	alice, _ := GenerateKeypair()
	bob, _ := GenerateKeypair()
	key, err := alice.SharedSecret(bob.PublicKey(), []byte("s"))
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}

	plaintext := []byte("hello agent world")
	sealed, err := Seal(key, plaintext, []byte("aad"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := Open(key, sealed, []byte("aad"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatal("round trip changed plaintext")
	}

	if _, err := Open(key, sealed, []byte("other-aad")); err == nil {
		t.Fatal("Open accepted wrong additional data")
	}
	sealed[len(sealed)-1] ^= 1
	if _, err := Open(key, sealed, []byte("aad")); err == nil {
		t.Fatal("Open accepted tampered ciphertext")
	}
}
