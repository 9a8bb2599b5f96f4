// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package stanza

import (
	"errors"
	"fmt"
)

// Condition is a defined stanza error condition.
type Condition string

const (
	CondBadRequest            Condition = "bad-request"
	CondFeatureNotImplemented Condition = "feature-not-implemented"
	CondForbidden             Condition = "forbidden"
	CondInternalServerError   Condition = "internal-server-error"
	CondItemNotFound          Condition = "item-not-found"
	CondNotAcceptable         Condition = "not-acceptable"
	CondNotAllowed            Condition = "not-allowed"
	CondServiceUnavailable    Condition = "service-unavailable"
)

// errorTypes maps each condition to its default error type.
var errorTypes = map[Condition]string{
	CondBadRequest:            "modify",
	CondFeatureNotImplemented: "cancel",
	CondForbidden:             "auth",
	CondInternalServerError:   "wait",
	CondItemNotFound:          "cancel",
	CondNotAcceptable:         "modify",
	CondNotAllowed:            "cancel",
	CondServiceUnavailable:    "cancel",
}

// Error is the error element carried by an error stanza.
type Error struct {
	Type      string    `json:"type"`
	Condition Condition `json:"condition"`
	Text      string    `json:"text,omitempty"`
}

func NewError(cond Condition, text string) *Error {
	typ, ok := errorTypes[cond]
	if !ok {
		typ = "cancel"
	}
	return &Error{Type: typ, Condition: cond, Text: text}
}

func (e *Error) Error() string {
	if e.Text == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Text)
}

// ErrEOF is returned by Stream.Pump when the remote end closed the stream.
var ErrEOF = errors.New("end of stream")

// TransportError wraps a connection-level failure. The supervisor reacts to
// it with its reconnect policy.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
