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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/acp-project/go-acp/common/mclock"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
)

// MessagePath is the HTTP path messages are POSTed to.
const MessagePath = "/v1.1/message"

// LegacyMessagePath accepts v0.1 envelopes.
const LegacyMessagePath = "/v0.1/message"

// HealthPath is the liveness probe path.
const HealthPath = "/v1.1/health"

// PublicKeyPath serves the entity's signing key.
const PublicKeyPath = "/v1.1/public-key"

// DefaultSendTimeout bounds one HTTP message delivery attempt.
const DefaultSendTimeout = 10 * time.Second

// DefaultBackoff is the retry schedule for failed deliveries.
var DefaultBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// sendResponse is the receiver's answer to a message POST.
type sendResponse struct {
	Status string          `json:"status,omitempty"`
	Reply  *Message        `json:"reply,omitempty"`
	Error  string          `json:"error,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Client delivers wire messages over HTTP POST with bounded retries.
// Signature, replay and auth failures reported by the peer are never
// retried; transport failures back off per the configured schedule.
type Client struct {
	hc      *http.Client
	clock   mclock.Clock
	backoff []time.Duration
	log     log.Logger
}

// NewClient creates a delivery client. A nil httpClient gets the default
// send timeout.
func NewClient(httpClient *http.Client, clock mclock.Clock, backoff []time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultSendTimeout}
	}
	if backoff == nil {
		backoff = DefaultBackoff
	}
	if clock == nil {
		clock = mclock.System{}
	}
	return &Client{
		hc:      httpClient,
		clock:   clock,
		backoff: backoff,
		log:     log.New("pkg", "messaging"),
	}
}

// Send posts the message to the peer endpoint, retrying transport failures.
// The peer's optional reply message is returned on success.
func (c *Client) Send(ctx context.Context, endpoint string, m *Message) (*Message, error) {
	body, err := m.Encode()
	if err != nil {
		return nil, errs.New(errs.InternalError, "cannot encode message: %v", err)
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		reply, retriable, err := c.post(ctx, endpoint+MessagePath, body)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !retriable || attempt >= len(c.backoff) {
			break
		}
		c.log.Debug("Message delivery failed, backing off", "endpoint", endpoint, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.Timeout, "delivery cancelled: %v", ctx.Err())
		case <-c.clock.After(c.backoff[attempt]):
		}
	}
	return nil, lastErr
}

// post performs one delivery attempt. Protocol-level rejections (HTTP 400
// with an error code) are terminal; transport and server errors are
// retriable.
func (c *Client) post(ctx context.Context, url string, body []byte) (reply *Message, retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, errs.New(errs.InternalError, "bad request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, true, errs.New(errs.Timeout, "delivery failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMessageSize))
	if err != nil {
		return nil, true, errs.New(errs.Timeout, "reading response failed: %v", err)
	}
	var sr sendResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sr); err != nil {
			return nil, resp.StatusCode >= 500, errs.New(errs.InvalidJSON, "malformed response: %v", err)
		}
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return sr.Reply, false, nil
	case resp.StatusCode >= 500:
		return nil, true, errs.New(errs.InternalError, "peer error: %s", sr.Error)
	default:
		code := errs.Code(sr.Error)
		if code == "" {
			code = errs.InternalError
		}
		return nil, false, errs.New(code, "peer rejected message")
	}
}

// Healthy reports whether the peer's health probe answers 200.
func (c *Client) Healthy(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// PublicKeyInfo is the response of the public key endpoint.
type PublicKeyInfo struct {
	EntityID  string `json:"entity_id"`
	PublicKey string `json:"public_key"`
	Algorithm string `json:"algorithm"`
}

// FetchPublicKey retrieves the peer's signing key.
func (c *Client) FetchPublicKey(ctx context.Context, endpoint string) (*PublicKeyInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+PublicKeyPath, nil)
	if err != nil {
		return nil, errs.New(errs.InternalError, "bad request: %v", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errs.New(errs.Timeout, "key fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.InternalError, "key fetch returned status %d", resp.StatusCode)
	}
	var info PublicKeyInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errs.New(errs.InvalidJSON, "malformed key response: %v", err)
	}
	if info.Algorithm != "" && info.Algorithm != "Ed25519" {
		return nil, fmt.Errorf("unsupported key algorithm %q", info.Algorithm)
	}
	return &info, nil
}
