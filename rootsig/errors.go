// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package rootsig

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedVersion is returned when the driver's maximum version is
	// not one this package can produce.
	ErrUnsupportedVersion = errors.New("rootsig: unsupported version")

	// ErrInvalidLayout is wrapped by every *Error.
	ErrInvalidLayout = errors.New("rootsig: invalid layout")

	// ErrMalformedBlob is returned by Deserialize for truncated or corrupt input.
	ErrMalformedBlob = errors.New("rootsig: malformed blob")
)

// Error describes a validation failure at a specific parameter and range.
// Range is -1 when the failure is not tied to a range.
type Error struct {
	Param int
	Range int
	Msg   string
}

func (e *Error) Error() string {
	if e.Range < 0 {
		return fmt.Sprintf("rootsig: parameter %d: %s", e.Param, e.Msg)
	}
	return fmt.Sprintf("rootsig: parameter %d range %d: %s", e.Param, e.Range, e.Msg)
}

// Unwrap returns ErrInvalidLayout.
func (e *Error) Unwrap() error { return ErrInvalidLayout }
