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
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/acp-project/go-acp/errs"
)

// Roles carried in token claims.
const (
	RoleAgent    = "agent"
	RoleTreasury = "treasury"
)

// Claims is the JWT claim set issued and accepted by the node.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// authenticator validates bearer JWTs and API keys. Either mechanism
// satisfies authentication; role checks apply only to JWT claims.
type authenticator struct {
	secret []byte
	// keyHashes holds hex SHA-256 digests of accepted API keys; raw keys
	// never persist.
	keyHashes []string
}

func newAuthenticator(secret []byte, keyHashes []string) *authenticator {
	return &authenticator{secret: secret, keyHashes: keyHashes}
}

// IssueToken mints a token for an entity with the given role and lifetime.
func (a *authenticator) IssueToken(entityID, role string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errs.New(errs.InternalError, "no JWT secret configured")
	}
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   entityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// authenticate extracts and validates credentials from the request. It
// returns the claims for JWT auth, nil claims for API key auth.
func (a *authenticator) authenticate(r *http.Request) (*Claims, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if a.checkAPIKey(key) {
			return nil, nil
		}
		return nil, errs.New(errs.Unauthenticated, "unknown API key")
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, errs.New(errs.Unauthenticated, "missing credentials")
	}
	return a.checkToken(strings.TrimPrefix(auth, "Bearer "))
}

func (a *authenticator) checkToken(raw string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errs.New(errs.Unauthenticated, "token auth is not enabled")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New(errs.Unauthenticated, "unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, errs.New(errs.TokenExpired, "token expired")
		}
		return nil, errs.New(errs.Unauthenticated, "invalid token")
	}
	if !token.Valid {
		return nil, errs.New(errs.Unauthenticated, "invalid token")
	}
	return claims, nil
}

func (a *authenticator) checkAPIKey(key string) bool {
	sum := sha256.Sum256([]byte(key))
	given := hex.EncodeToString(sum[:])
	for _, h := range a.keyHashes {
		if subtle.ConstantTimeCompare([]byte(given), []byte(strings.ToLower(h))) == 1 {
			return true
		}
	}
	return false
}

// requireRole checks JWT-based auth for a role claim. API key auth never
// grants roles.
func requireRole(claims *Claims, role string) error {
	if claims == nil || claims.Role != role {
		return errs.New(errs.Forbidden, "requires %s role", role)
	}
	return nil
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
