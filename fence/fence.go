// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package fence is the rendezvous between the host and a command queue.
//
// A Synchronizer owns one fence. SyncTo(n) signals n behind all work
// submitted so far and blocks until the fence reaches it, so when it
// returns every command list submitted before the call has finished.
// Values only ever increase; waiting again on a value already signaled
// issues no new signal.
package fence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/cmdrec"
	"github.com/gogpu/gpucompute/internal/logx"
)

var (
	// ErrSynchronization is the category of wait and signal failures.
	ErrSynchronization = errors.New("fence: synchronization failure")

	// ErrTimeout is returned when a wait exceeds the configured timeout.
	ErrTimeout = fmt.Errorf("%w: wait timed out", ErrSynchronization)

	// ErrDeviceLost is returned when the device is removed during a wait.
	ErrDeviceLost = fmt.Errorf("%w: device removed during wait", ErrSynchronization)

	// ErrSubmit is returned when the queue rejects a command list.
	ErrSubmit = fmt.Errorf("%w: submit failed", ErrSynchronization)
)

// lostValue is the completed value of a fence on a removed device.
const lostValue = math.MaxUint64

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTimeout bounds each wait. Zero, the default, waits forever.
func WithTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.timeout = d }
}

// WithLabel names the fence.
func WithLabel(label string) Option {
	return func(s *Synchronizer) { s.label = label }
}

// Synchronizer submits recorded work and waits for it.
// It is not safe for concurrent use.
type Synchronizer struct {
	queue   backend.CommandQueue
	fence   backend.Fence
	label   string
	timeout time.Duration

	lastSignaled uint64
	pending      []*cmdrec.Recorder
}

// New creates a fence at zero for queue.
func New(dev backend.Device, queue backend.CommandQueue, opts ...Option) (*Synchronizer, error) {
	s := &Synchronizer{queue: queue, label: "fence"}
	for _, opt := range opts {
		opt(s)
	}
	f, err := dev.CreateFence(0, s.label)
	if err != nil {
		return nil, fmt.Errorf("fence: create %q: %w", s.label, err)
	}
	s.fence = f
	return s, nil
}

// Fence returns the underlying fence.
func (s *Synchronizer) Fence() backend.Fence { return s.fence }

// Completed returns the value the GPU has reached.
func (s *Synchronizer) Completed() uint64 { return s.fence.CompletedValue() }

// LastSignaled returns the highest value signaled.
func (s *Synchronizer) LastSignaled() uint64 { return s.lastSignaled }

// Submit executes a closed recorder. The recorder stays pending until
// the next signal covers it.
func (s *Synchronizer) Submit(rec *cmdrec.Recorder) error {
	if st := rec.State(); st != cmdrec.StateClosed {
		return fmt.Errorf("fence: submit %q in state %s: %w", rec.Label(), st, cmdrec.ErrNotClosed)
	}
	if err := s.queue.ExecuteCommandLists(rec.List()); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrSubmit, rec.Label(), err)
	}
	rec.MarkPending()
	s.pending = append(s.pending, rec)
	return nil
}

// SyncTo waits until the fence reaches n, signaling n first if it is
// above every value signaled so far.
func (s *Synchronizer) SyncTo(ctx context.Context, n uint64) error {
	if n > s.lastSignaled {
		if err := s.queue.Signal(s.fence, n); err != nil {
			return fmt.Errorf("%w: signal %d: %w", ErrSynchronization, n, err)
		}
		s.lastSignaled = n
		for _, rec := range s.pending {
			rec.MarkSubmitted(s.fence, n)
		}
		s.pending = nil
	}
	logx.L().Debug("fence: wait", "fence", s.label, "value", n, "completed", s.fence.CompletedValue())

	if s.fence.CompletedValue() < n {
		if err := s.wait(ctx, n); err != nil {
			return err
		}
	}
	if s.fence.CompletedValue() == lostValue && n != lostValue {
		return fmt.Errorf("fence %q at %d: %w", s.label, n, ErrDeviceLost)
	}
	return nil
}

func (s *Synchronizer) wait(ctx context.Context, n uint64) error {
	ev := backend.NewEvent()
	if err := s.fence.SetEventOnCompletion(n, ev); err != nil {
		return fmt.Errorf("%w: event at %d: %w", ErrSynchronization, n, err)
	}
	var expired <-chan time.Time
	if s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-ev.Done():
		return nil
	case <-expired:
		return fmt.Errorf("fence %q: value %d after %s (completed %d): %w",
			s.label, n, s.timeout, s.fence.CompletedValue(), ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: fence %q at %d: %w", ErrSynchronization, s.label, n, ctx.Err())
	}
}

// Next signals and waits on the next unused value.
func (s *Synchronizer) Next(ctx context.Context) (uint64, error) {
	n := s.lastSignaled + 1
	return n, s.SyncTo(ctx, n)
}

// Release frees the fence.
func (s *Synchronizer) Release() {
	s.fence.Release()
}
