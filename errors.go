// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpucompute

import (
	"errors"

	"github.com/gogpu/gpucompute/cmdrec"
	"github.com/gogpu/gpucompute/fence"
	"github.com/gogpu/gpucompute/verify"
)

// Error categories. Every error a Session returns wraps exactly one of them
// together with the component error that caused it.
var (
	// ErrSetup covers device, layout, shader, pipeline, buffer and
	// descriptor creation.
	ErrSetup = errors.New("gpucompute: setup failed")

	// ErrRecordingUsage covers misuse of the command recorder.
	ErrRecordingUsage = cmdrec.ErrRecordingUsage

	// ErrSynchronization covers submission, signal and wait failures.
	ErrSynchronization = fence.ErrSynchronization

	// ErrVerificationMismatch is returned when the output differs from the
	// expected values.
	ErrVerificationMismatch = verify.ErrMismatch

	// ErrInvalidElements is returned for element counts the kernel cannot
	// cover.
	ErrInvalidElements = errors.New("gpucompute: invalid element count")

	// ErrSessionClosed is returned by Run after Close.
	ErrSessionClosed = errors.New("gpucompute: session closed")
)

// Process exit codes returned by ExitCode.
const (
	ExitOK              = 0
	ExitMismatch        = 1
	ExitSetup           = 2
	ExitUsage           = 3
	ExitSynchronization = 4
	ExitOther           = 5
)

// ExitCode maps an error returned by a Session to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrVerificationMismatch):
		return ExitMismatch
	case errors.Is(err, ErrRecordingUsage):
		return ExitUsage
	case errors.Is(err, ErrSynchronization):
		return ExitSynchronization
	case errors.Is(err, ErrSetup):
		return ExitSetup
	default:
		return ExitOther
	}
}
