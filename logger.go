// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpucompute

import (
	"log/slog"

	"github.com/gogpu/gpucompute/internal/logx"
)

// SetLogger configures the logger for gpucompute and all its sub-packages.
// By default, gpucompute produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by gpucompute:
//   - [slog.LevelDebug]: internal diagnostics (footprints, fence values, MSAA quality)
//   - [slog.LevelInfo]: lifecycle events (adapter selected, verification result)
//   - [slog.LevelWarn]: non-fatal issues (version query fallback, validation messages)
//
// Example:
//
//	// Enable debug-level logging for full diagnostics:
//	gpucompute.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logx.Set(l)
}

// Logger returns the current logger used by gpucompute.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logx.L()
}
