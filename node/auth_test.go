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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/acp-project/go-acp/errs"
)

func authedRequest(t *testing.T, header, value string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/economy/transfer", nil)
	if header != "" {
		r.Header.Set(header, value)
	}
	return r
}

func TestTokenRoundTrip(t *testing.T) {
	a := newAuthenticator([]byte("secret"), nil)
	token, err := a.IssueToken("agent-1", RoleAgent, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := a.authenticate(authedRequest(t, "Authorization", "Bearer "+token))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if claims.Subject != "agent-1" || claims.Role != RoleAgent {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenExpired(t *testing.T) {
	a := newAuthenticator([]byte("secret"), nil)
	token, err := a.IssueToken("agent-1", RoleAgent, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := a.authenticate(authedRequest(t, "Authorization", "Bearer "+token)); !errs.HasCode(err, errs.TokenExpired) {
		t.Fatalf("expired token: %v", err)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	a := newAuthenticator([]byte("secret"), nil)
	b := newAuthenticator([]byte("other"), nil)
	token, err := a.IssueToken("agent-1", RoleAgent, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := b.authenticate(authedRequest(t, "Authorization", "Bearer "+token)); !errs.HasCode(err, errs.Unauthenticated) {
		t.Fatalf("foreign token: %v", err)
	}
}

func TestMissingCredentials(t *testing.T) {
	a := newAuthenticator([]byte("secret"), nil)
	if _, err := a.authenticate(authedRequest(t, "", "")); !errs.HasCode(err, errs.Unauthenticated) {
		t.Fatalf("no credentials: %v", err)
	}
	if _, err := a.authenticate(authedRequest(t, "Authorization", "Basic dXNlcg==")); !errs.HasCode(err, errs.Unauthenticated) {
		t.Fatalf("basic auth: %v", err)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	a := newAuthenticator(nil, []string{HashAPIKey("s3cret-key")})

	claims, err := a.authenticate(authedRequest(t, "X-API-Key", "s3cret-key"))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	// API key auth carries no claims and therefore no roles.
	if claims != nil {
		t.Fatalf("claims = %+v, want nil", claims)
	}
	if err := requireRole(claims, RoleTreasury); !errs.HasCode(err, errs.Forbidden) {
		t.Fatalf("API key role check: %v", err)
	}

	if _, err := a.authenticate(authedRequest(t, "X-API-Key", "wrong-key")); !errs.HasCode(err, errs.Unauthenticated) {
		t.Fatalf("bad key: %v", err)
	}
}

func TestRequireRole(t *testing.T) {
	if err := requireRole(&Claims{Role: RoleTreasury}, RoleTreasury); err != nil {
		t.Fatalf("treasury claims: %v", err)
	}
	if err := requireRole(&Claims{Role: RoleAgent}, RoleTreasury); !errs.HasCode(err, errs.Forbidden) {
		t.Fatalf("agent claims: %v", err)
	}
	if err := requireRole(nil, RoleTreasury); !errs.HasCode(err, errs.Forbidden) {
		t.Fatalf("nil claims: %v", err)
	}
}

func TestHTTPStatusFor(t *testing.T) {
	tests := []struct {
		code   errs.Code
		status int
	}{
		{errs.InvalidJSON, http.StatusBadRequest},
		{errs.InvalidSignature, http.StatusBadRequest},
		{errs.InsufficientFunds, http.StatusBadRequest},
		{errs.Unauthenticated, http.StatusUnauthorized},
		{errs.UnknownSender, http.StatusUnauthorized},
		{errs.TokenExpired, http.StatusUnauthorized},
		{errs.Forbidden, http.StatusForbidden},
		{errs.UnknownRecipient, http.StatusNotFound},
		{errs.WalletNotFound, http.StatusNotFound},
		{errs.DuplicateTransaction, http.StatusConflict},
		{errs.StateTransitionInvalid, http.StatusConflict},
		{errs.MessageTooLarge, http.StatusRequestEntityTooLarge},
		{errs.RateLimited, http.StatusTooManyRequests},
		{errs.Timeout, http.StatusGatewayTimeout},
		{errs.InternalError, http.StatusInternalServerError},
		{errs.Code("SOMETHING_NEW"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatusFor(tt.code); got != tt.status {
			t.Errorf("httpStatusFor(%s) = %d, want %d", tt.code, got, tt.status)
		}
	}
}
