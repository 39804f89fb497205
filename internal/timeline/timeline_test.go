// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package timeline

import (
	"testing"

	"github.com/gogpu/gpucompute/backend"
)

func isSet(ev *backend.Event) bool {
	select {
	case <-ev.Done():
		return true
	default:
		return false
	}
}

func TestCounterAdvanceWakesSatisfiedWaiters(t *testing.T) {
	c := NewCounter(0)
	e1, e2, e3 := backend.NewEvent(), backend.NewEvent(), backend.NewEvent()
	for v, ev := range map[uint64]*backend.Event{1: e1, 2: e2, 5: e3} {
		if err := c.SetEventOnCompletion(v, ev); err != nil {
			t.Fatal(err)
		}
	}
	if c.Pending() != 3 {
		t.Fatalf("Pending() = %d, want 3", c.Pending())
	}

	c.Advance(2)
	if !isSet(e1) || !isSet(e2) {
		t.Error("waiters at 1 and 2 should be set")
	}
	if isSet(e3) {
		t.Error("waiter at 5 should not be set")
	}
	if c.CompletedValue() != 2 {
		t.Errorf("CompletedValue() = %d, want 2", c.CompletedValue())
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestCounterAlreadyReached(t *testing.T) {
	c := NewCounter(7)
	ev := backend.NewEvent()
	if err := c.SetEventOnCompletion(7, ev); err != nil {
		t.Fatal(err)
	}
	if !isSet(ev) {
		t.Error("event for a reached value should be set immediately")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}
