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

// Package crypto implements the signing and key-agreement primitives used by
// every other layer: Ed25519 signatures over SHA-256 pre-images, X25519
// session key agreement derived from the same keypair, and AES-256-GCM
// payload sealing.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SignatureLength is the length of an Ed25519 signature in bytes.
const SignatureLength = ed25519.SignatureSize

// PublicKeyLength is the length of an Ed25519 public key in bytes.
const PublicKeyLength = ed25519.PublicKeySize

var (
	// ErrInvalidPublicKey is returned when a key has the wrong length or
	// does not decode as a curve point.
	ErrInvalidPublicKey = errors.New("invalid Ed25519 public key")

	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("signature verification failed")
)

// Keypair holds an entity's Ed25519 signing keypair. The X25519 keys used for
// session establishment are derived from it deterministically, so an entity
// carries exactly one secret.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateKeypair creates a new random keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv, pub: pub}, nil
}

// KeypairFromSeed reconstructs a keypair from its 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("invalid Ed25519 seed length")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Seed returns the 32-byte seed of the signing key.
func (kp *Keypair) Seed() []byte {
	return kp.priv.Seed()
}

// PublicKey returns the Ed25519 public key.
func (kp *Keypair) PublicKey() ed25519.PublicKey {
	return kp.pub
}

// PublicKeyHex returns the public key as lowercase hex, the form used on the
// wire and in registry entries.
func (kp *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(kp.pub)
}

// Sign signs SHA-256(data) with the entity's Ed25519 key.
func (kp *Keypair) Sign(data []byte) []byte {
	digest := sha256.Sum256(data)
	return ed25519.Sign(kp.priv, digest[:])
}

// Verify checks sig against SHA-256(data) under pub.
func Verify(pub ed25519.PublicKey, data, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}
	digest := sha256.Sum256(data)
	if !ed25519.Verify(pub, digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}

// ParsePublicKeyHex decodes a hex-encoded Ed25519 public key.
func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(b), nil
}

// X25519PrivateKey derives the X25519 scalar from the Ed25519 seed. This is
// the standard conversion: the low 32 bytes of SHA-512(seed), clamped.
func (kp *Keypair) X25519PrivateKey() []byte {
	h := sha512.Sum512(kp.priv.Seed())
	scalar := h[:curve25519.ScalarSize]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}

// X25519PublicKey converts an Ed25519 public key to its birationally
// equivalent Montgomery form for key agreement.
func X25519PublicKey(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return p.BytesMontgomery(), nil
}

// SharedSecret computes the X25519 shared secret between our keypair and the
// peer's Ed25519 public key, expanded through HKDF-SHA256 into a 32-byte
// session key. Both directions of a session derive the same key.
func (kp *Keypair) SharedSecret(peer ed25519.PublicKey, info []byte) ([]byte, error) {
	peerMont, err := X25519PublicKey(peer)
	if err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(kp.X25519PrivateKey(), peerMont)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}
