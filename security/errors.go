// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package security

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned for a token of the wrong class or with
	// missing properties.
	ErrInvalidToken = errors.New("security: invalid token")

	// ErrInvalidHandle is returned when a plugin receives a handle it did not
	// create or already released.
	ErrInvalidHandle = errors.New("security: invalid handle")

	// ErrInvalidMessage is returned for a malformed generic message.
	ErrInvalidMessage = errors.New("security: invalid generic message")
)

// Error is a plugin failure with the operation that failed and a human
// readable reason.
type Error struct {
	Op     string
	Reason string
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("security: %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("security: %s: %s", e.Op, e.Reason)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error for op.
func NewError(op string, err error, format string, args ...interface{}) *Error {
	return &Error{
		Op:     op,
		Reason: fmt.Sprintf(format, args...),
		Err:    err,
	}
}
