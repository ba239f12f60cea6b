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

// Package messaging implements the peer messaging protocol v1.1: signed,
// sessioned, replay-protected and optionally chunked message delivery
// between entities that know each other's public keys.
package messaging

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/acp-project/go-acp/errs"
)

// Protocol versions accepted on the wire. Version is the canonical protocol;
// LegacyVersion is supported only on the /v0.1/message path and carries no
// session or sequence fields.
const (
	Version       = "1.1"
	LegacyVersion = "0.1"
)

// MaxClockSkew is the accepted difference between a message timestamp and
// the receiver's clock.
const MaxClockSkew = 300 * time.Second

// MaxMessageSize caps the total size of a message after reassembly.
const MaxMessageSize = 10 << 20 // 10 MiB

// nonceBytes is the per-message random nonce length. The wire form is hex.
const nonceBytes = 16

// Well-known message types. MsgType is a free-form short tag; these are the
// types the core itself produces and consumes.
const (
	TypePing      = "ping"
	TypePong      = "pong"
	TypeStatus    = "status"
	TypeHandshake = "handshake"
	TypeDelegate  = "delegate"
	TypeResult    = "result"
	TypeNack      = "nack"
	TypeChunkInit = "chunk_init"
	TypeChunk     = "chunk"
	TypeProposal  = "proposal"
	TypeQuote     = "quote"
	TypeAgreement = "agreement"
	TypeReceipt   = "receipt"
)

// Message is the wire record of protocol v1.1. The signature covers the
// canonical concatenation built by Preimage, excluding itself.
type Message struct {
	Version     string `json:"version"`
	MsgType     string `json:"msg_type"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	SessionID   string `json:"session_id,omitempty"`
	Sequence    uint64 `json:"sequence,omitempty"`
	Timestamp   string `json:"timestamp"`
	Nonce       string `json:"nonce"`
	Payload     []byte `json:"payload"`
	Signature   string `json:"signature,omitempty"`
}

// NewMessage constructs an unsigned message with a fresh nonce and the
// current UTC timestamp.
func NewMessage(msgType, sender, recipient string, payload []byte) (*Message, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	return &Message{
		Version:     Version,
		MsgType:     msgType,
		SenderID:    sender,
		RecipientID: recipient,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Nonce:       nonce,
		Payload:     payload,
	}, nil
}

func newNonce() (string, error) {
	var b [nonceBytes]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Refresh assigns a new nonce and timestamp, invalidating any previous
// signature. Retransmissions reuse the original sequence number but must be
// refreshed and re-signed.
func (m *Message) Refresh() error {
	nonce, err := newNonce()
	if err != nil {
		return err
	}
	m.Nonce = nonce
	m.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	m.Signature = ""
	return nil
}

// Time parses the message timestamp.
func (m *Message) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, m.Timestamp)
}

// Preimage builds the canonical signing pre-image:
//
//	version|msg_type|sender_id|recipient_id|timestamp|nonce|base64(payload)|session_id|sequence
//
// Absent fields contribute an empty string; a zero sequence is absent.
func (m *Message) Preimage() []byte {
	var b strings.Builder
	b.WriteString(m.Version)
	b.WriteByte('|')
	b.WriteString(m.MsgType)
	b.WriteByte('|')
	b.WriteString(m.SenderID)
	b.WriteByte('|')
	b.WriteString(m.RecipientID)
	b.WriteByte('|')
	b.WriteString(m.Timestamp)
	b.WriteByte('|')
	b.WriteString(m.Nonce)
	b.WriteByte('|')
	if len(m.Payload) > 0 {
		b.WriteString(base64.StdEncoding.EncodeToString(m.Payload))
	}
	b.WriteByte('|')
	b.WriteString(m.SessionID)
	b.WriteByte('|')
	if m.Sequence != 0 {
		b.WriteString(strconv.FormatUint(m.Sequence, 10))
	}
	return []byte(b.String())
}

// Encode serializes the message for transport.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a wire message. Malformed JSON maps to INVALID_JSON.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.New(errs.InvalidJSON, "malformed message: %v", err)
	}
	return &m, nil
}

// UnmarshalPayload decodes the message payload into a typed value.
func (m *Message) UnmarshalPayload(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errs.New(errs.InvalidJSON, "malformed %s payload: %v", m.MsgType, err)
	}
	return nil
}

// MarshalPayload encodes a typed value as a message payload.
func MarshalPayload(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.New(errs.InternalError, "cannot marshal payload: %v", err)
	}
	return data, nil
}
