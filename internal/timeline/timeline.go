// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package timeline implements the completion-counter half of a fence:
// the current value and the events waiting for it. Devices embed a Counter
// in their fence types and advance it from their queue timeline.
package timeline

import (
	"sync"

	"github.com/gogpu/gpucompute/backend"
)

type waiter struct {
	value uint64
	ev    *backend.Event
}

// Counter is a 64-bit completion counter with pending waiters.
type Counter struct {
	mu      sync.Mutex
	value   uint64
	waiters []waiter
}

// NewCounter returns a counter at initial.
func NewCounter(initial uint64) *Counter {
	return &Counter{value: initial}
}

// CompletedValue returns the current value.
func (c *Counter) CompletedValue() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// SetEventOnCompletion sets ev when the counter reaches value.
func (c *Counter) SetEventOnCompletion(value uint64, ev *backend.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value >= value {
		ev.Set()
		return nil
	}
	c.waiters = append(c.waiters, waiter{value: value, ev: ev})
	return nil
}

// Advance sets the counter to value and wakes every waiter it satisfies.
func (c *Counter) Advance(value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.value <= value {
			w.ev.Set()
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

// Pending returns the number of unsatisfied waiters.
func (c *Counter) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
