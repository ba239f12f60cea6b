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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/acp-project/go-acp/crypto"
)

const (
	// StandardKDFIterations is the PBKDF2-SHA256 iteration count for key
	// files written by this package.
	StandardKDFIterations = 600000

	// LightKDFIterations lowers the work factor for tests.
	LightKDFIterations = 1024

	cipherAES256GCM = "aes-256-gcm"
	kdfPBKDF2       = "pbkdf2-sha256"
)

var (
	// ErrDecrypt is returned when the passphrase does not decrypt the key
	// file. The underlying AEAD failure is deliberately not exposed.
	ErrDecrypt = errors.New("could not decrypt key with given password")

	// ErrNoKey is returned when no key file exists for an entity.
	ErrNoKey = errors.New("no key found for entity")
)

// KeyStore manages encrypted key files below a directory, one file per
// entity. All files are created 0600 inside a 0700 directory.
type KeyStore struct {
	dir        string
	iterations int

	// skipKeyFileVerification disables the read-back check performed after
	// writing a key file. This should be 'false' in all cases except tests.
	skipKeyFileVerification bool
}

// NewKeyStore creates a keystore rooted at dir with the standard KDF work
// factor.
func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir, iterations: StandardKDFIterations}
}

// NewLightKeyStore creates a keystore with a reduced KDF work factor. Use
// only in tests.
func NewLightKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir, iterations: LightKDFIterations, skipKeyFileVerification: true}
}

// NewKey generates, encrypts and stores a fresh keypair for the entity.
func (ks *KeyStore) NewKey(entityID, auth string) (*Key, error) {
	key, err := newKey(entityID)
	if err != nil {
		return nil, err
	}
	if err := ks.StoreKey(key, auth); err != nil {
		return nil, err
	}
	return key, nil
}

// GetKey loads and decrypts the key file for the entity.
func (ks *KeyStore) GetKey(entityID, auth string) (*Key, error) {
	keyjson, err := os.ReadFile(ks.path(entityID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoKey
		}
		return nil, err
	}
	key, err := DecryptKey(keyjson, auth)
	if err != nil {
		return nil, err
	}
	// Make sure we're really operating on the requested key (no swap attacks).
	if key.EntityID != entityID {
		return nil, fmt.Errorf("key content mismatch: have entity %q, want %q", key.EntityID, entityID)
	}
	return key, nil
}

// StoreKey encrypts the key and writes it atomically. The written file is
// read back and decrypted to catch corruption before reporting success.
func (ks *KeyStore) StoreKey(key *Key, auth string) error {
	keyjson, err := EncryptKey(key, auth, ks.iterations)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(ks.dir, 0700); err != nil {
		return err
	}
	if err := writeTemporaryKeyFile(ks.path(key.EntityID), keyjson); err != nil {
		return err
	}
	if !ks.skipKeyFileVerification {
		// Verify that we can decrypt the file with the given password.
		if _, err := ks.GetKey(key.EntityID, auth); err != nil {
			return fmt.Errorf("failed to verify keystore file for %s: %v", key.EntityID, err)
		}
	}
	return nil
}

// HasKey reports whether a key file exists for the entity.
func (ks *KeyStore) HasKey(entityID string) bool {
	_, err := os.Stat(ks.path(entityID))
	return err == nil
}

func (ks *KeyStore) path(entityID string) string {
	return filepath.Join(ks.dir, entityID+".json")
}

// EncryptKey encrypts a key using the specified passphrase and PBKDF2
// iteration count, returning the JSON key file contents.
func EncryptKey(key *Key, auth string, iterations int) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	derived := pbkdf2.Key([]byte(auth), salt, iterations, 32, sha256.New)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, key.Keypair.Seed(), []byte(key.EntityID))

	return json.Marshal(encryptedKeyJSON{
		Version:  version,
		EntityID: key.EntityID,
		Crypto: cryptoJSON{
			Cipher:       cipherAES256GCM,
			CipherText:   hex.EncodeToString(ciphertext),
			CipherNonce:  hex.EncodeToString(nonce),
			KDF:          kdfPBKDF2,
			KDFSalt:      hex.EncodeToString(salt),
			KDFIterCount: iterations,
		},
	})
}

// DecryptKey decrypts a key from a JSON blob, returning the plaintext keypair.
func DecryptKey(keyjson []byte, auth string) (*Key, error) {
	var k encryptedKeyJSON
	if err := json.Unmarshal(keyjson, &k); err != nil {
		return nil, err
	}
	if k.Version != version {
		return nil, fmt.Errorf("unsupported key file version %d", k.Version)
	}
	if k.Crypto.Cipher != cipherAES256GCM || k.Crypto.KDF != kdfPBKDF2 {
		return nil, fmt.Errorf("unsupported key file cipher %q / kdf %q", k.Crypto.Cipher, k.Crypto.KDF)
	}
	salt, err := hex.DecodeString(k.Crypto.KDFSalt)
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(k.Crypto.CipherNonce)
	if err != nil {
		return nil, err
	}
	ciphertext, err := hex.DecodeString(k.Crypto.CipherText)
	if err != nil {
		return nil, err
	}
	derived := pbkdf2.Key([]byte(auth), salt, k.Crypto.KDFIterCount, 32, sha256.New)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	seed, err := aead.Open(nil, nonce, ciphertext, []byte(k.EntityID))
	if err != nil {
		return nil, ErrDecrypt
	}
	kp, err := crypto.KeypairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return &Key{EntityID: k.EntityID, Keypair: kp}, nil
}

// writeTemporaryKeyFile creates the file under a temporary name, fsyncs it
// and renames it over the target so a crash never leaves a truncated key.
func writeTemporaryKeyFile(file string, content []byte) error {
	f, err := os.CreateTemp(filepath.Dir(file), "."+filepath.Base(file)+".tmp")
	if err != nil {
		return err
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	f.Close()
	return os.Rename(f.Name(), file)
}
