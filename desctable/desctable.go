// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package desctable manages a shader-visible descriptor heap as a fixed
// array of slots. A slot's CPU handle is where views are written; its GPU
// handle is what a command list binds as the base of a descriptor table.
//
// Slots are addressed by index; the table keeps no free list. Once a
// submission that uses the table is retained against a fence, rewriting
// any slot fails until that fence value completes.
package desctable

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/internal/logx"
)

var (
	// ErrSlotOutOfRange is returned for an index outside the heap.
	ErrSlotOutOfRange = errors.New("desctable: slot index out of range")

	// ErrSlotInFlight is returned when writing a slot while the GPU may
	// still read the table.
	ErrSlotInFlight = errors.New("desctable: table in use by the GPU")

	// ErrNilResource is returned when writing a view of a nil resource.
	ErrNilResource = errors.New("desctable: nil resource")
)

// Slot is one descriptor position.
type Slot struct {
	Index int
	CPU   backend.CPUHandle
	GPU   backend.GPUHandle

	table *Table
}

// Table returns the table the slot was allocated from.
func (s Slot) Table() *Table { return s.table }

// Entry is what a slot currently describes.
type Entry struct {
	Kind     backend.ViewKind
	Resource backend.Resource
	View     backend.BufferView
}

// Table is a descriptor heap addressed by slot index.
type Table struct {
	dev      backend.Device
	heap     backend.DescriptorHeap
	label    string
	slotSize uint64
	entries  []Entry

	fence    backend.Fence
	retained uint64
}

// New creates a table of slots descriptors.
func New(dev backend.Device, slots int, label string) (*Table, error) {
	heap, err := dev.CreateDescriptorHeap(slots, label)
	if err != nil {
		return nil, fmt.Errorf("desctable: create %q: %w", label, err)
	}
	t := &Table{
		dev:      dev,
		heap:     heap,
		label:    label,
		slotSize: dev.DescriptorSlotSize(),
		entries:  make([]Entry, slots),
	}
	logx.L().Debug("desctable: created", "label", label, "slots", slots, "slotSize", t.slotSize)
	return t, nil
}

// Heap returns the underlying descriptor heap.
func (t *Table) Heap() backend.DescriptorHeap { return t.heap }

// Len returns the number of slots.
func (t *Table) Len() int { return len(t.entries) }

// SlotSize returns the descriptor stride queried at creation.
func (t *Table) SlotSize() uint64 { return t.slotSize }

// AllocateSlot returns the handles of slot i.
func (t *Table) AllocateSlot(i int) (Slot, error) {
	if i < 0 || i >= len(t.entries) {
		return Slot{}, fmt.Errorf("%w: %d of %d", ErrSlotOutOfRange, i, len(t.entries))
	}
	return Slot{
		Index: i,
		CPU:   t.heap.CPUStart().Offset(i, t.slotSize),
		GPU:   t.heap.GPUStart().Offset(i, t.slotSize),
		table: t,
	}, nil
}

// WriteSRV writes a shader resource view into slot i.
func (t *Table) WriteSRV(i int, res backend.Resource, view backend.BufferView) error {
	return t.write(backend.ViewSRV, i, res, view)
}

// WriteUAV writes an unordered access view into slot i.
func (t *Table) WriteUAV(i int, res backend.Resource, view backend.BufferView) error {
	return t.write(backend.ViewUAV, i, res, view)
}

func (t *Table) write(kind backend.ViewKind, i int, res backend.Resource, view backend.BufferView) error {
	s, err := t.AllocateSlot(i)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("desctable: %s slot %d: %w", kind, i, ErrNilResource)
	}
	if t.InFlight() {
		return fmt.Errorf("desctable: %s slot %d: %w until fence value %d", kind, i, ErrSlotInFlight, t.retained)
	}
	switch kind {
	case backend.ViewSRV:
		err = t.dev.CreateShaderResourceView(res, view, s.CPU)
	case backend.ViewUAV:
		err = t.dev.CreateUnorderedAccessView(res, view, s.CPU)
	}
	if err != nil {
		return fmt.Errorf("desctable: %s slot %d: %w", kind, i, err)
	}
	t.entries[i] = Entry{Kind: kind, Resource: res, View: view}
	return nil
}

// View returns the entry in slot i.
func (t *Table) View(i int) (Entry, bool) {
	if i < 0 || i >= len(t.entries) || t.entries[i].Resource == nil {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Retain marks the table as in use until f reaches value.
func (t *Table) Retain(f backend.Fence, value uint64) {
	if t.fence == f && value <= t.retained {
		return
	}
	t.fence = f
	t.retained = value
}

// InFlight reports whether a retained submission is still pending.
func (t *Table) InFlight() bool {
	return t.fence != nil && t.fence.CompletedValue() < t.retained
}

// Release frees the heap.
func (t *Table) Release() {
	if t.heap != nil {
		t.heap.Release()
		t.heap = nil
	}
}
