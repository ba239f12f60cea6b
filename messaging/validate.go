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
	"time"

	"github.com/acp-project/go-acp/errs"
)

// ValidateEnvelope checks the static wire contract of a message: protocol
// version, presence of the addressing fields, timestamp skew and payload
// size. Signature, replay and sequence checks happen separately.
func ValidateEnvelope(m *Message, now time.Time, legacy bool) error {
	wantVersion := Version
	if legacy {
		wantVersion = LegacyVersion
	}
	if m.Version != wantVersion {
		return errs.New(errs.InvalidVersion, "unsupported protocol version %q", m.Version)
	}
	if m.MsgType == "" || m.SenderID == "" || m.RecipientID == "" {
		return errs.New(errs.InvalidJSON, "missing required envelope fields")
	}
	if m.Nonce == "" {
		return errs.New(errs.InvalidJSON, "missing nonce")
	}
	if len(m.Payload) > MaxMessageSize {
		return errs.New(errs.MessageTooLarge, "payload of %d bytes exceeds cap", len(m.Payload))
	}
	ts, err := m.Time()
	if err != nil {
		return errs.New(errs.InvalidJSON, "bad timestamp: %v", err)
	}
	if d := now.Sub(ts); d > MaxClockSkew || d < -MaxClockSkew {
		return errs.New(errs.ExpiredTimestamp, "timestamp %s outside %s window", m.Timestamp, MaxClockSkew)
	}
	return nil
}
