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

// Package errs provides the error taxonomy shared by all subsystems. Every
// user-visible failure carries a short machine-readable code plus a human
// message; internal detail never crosses the API boundary.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a failure class on the wire and in logs.
type Code string

// Protocol errors.
const (
	InvalidVersion   Code = "INVALID_VERSION"
	InvalidJSON      Code = "INVALID_JSON"
	UnknownRecipient Code = "UNKNOWN_RECIPIENT"
	ExpiredTimestamp Code = "EXPIRED_TIMESTAMP"
	ReplayDetected   Code = "REPLAY_DETECTED"
	InvalidSignature Code = "INVALID_SIGNATURE"
	UnknownSender    Code = "UNKNOWN_SENDER"
	UnknownTransfer  Code = "UNKNOWN_TRANSFER"
	MessageTooLarge  Code = "MESSAGE_TOO_LARGE"
)

// Session errors.
const (
	SessionExpired  Code = "SESSION_EXPIRED"
	SessionNotFound Code = "SESSION_NOT_FOUND"
	SequenceError   Code = "SEQUENCE_ERROR"
)

// Wallet and ledger errors.
const (
	InsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	WalletNotFound       Code = "WALLET_NOT_FOUND"
	InvalidAmount        Code = "INVALID_AMOUNT"
	DuplicateTransaction Code = "DUPLICATE_TRANSACTION"
)

// Contract errors.
const (
	QuoteExpired           Code = "QUOTE_EXPIRED"
	AgreementExpired       Code = "AGREEMENT_EXPIRED"
	StateTransitionInvalid Code = "STATE_TRANSITION_INVALID"
)

// Auth errors.
const (
	Unauthenticated Code = "UNAUTHENTICATED"
	Forbidden       Code = "FORBIDDEN"
	TokenExpired    Code = "TOKEN_EXPIRED"
)

// Infrastructure errors.
const (
	PersistenceError Code = "PERSISTENCE_ERROR"
	RateLimited      Code = "RATE_LIMITED"
	Timeout          Code = "TIMEOUT"
	InternalError    Code = "INTERNAL_ERROR"
)

// Error pairs a taxonomy code with a human-readable message. It satisfies the
// standard error interface and unwraps to nothing; two Errors match under
// errors.Is when their codes are equal.
type Error struct {
	Code    Code
	Message string
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error carrying the same code, so callers can test against a
// bare code sentinel: errors.Is(err, &Error{Code: ReplayDetected}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf extracts the taxonomy code from err, descending the wrap chain.
// Errors outside the taxonomy map to InternalError.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
