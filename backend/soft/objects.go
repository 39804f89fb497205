// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/internal/timeline"
	"github.com/gogpu/gpucompute/rootsig"
)

// resource is a committed buffer backed by host memory.
type resource struct {
	dev     *Device
	label   string
	desc    backend.ResourceDesc
	heap    backend.HeapType
	initial backend.ResourceState
	data    []byte

	mu       sync.Mutex
	state    backend.ResourceState // actual state on the GPU timeline
	released bool
	inflight int
	mapped   int
}

func (r *resource) Label() string                       { return r.label }
func (r *resource) Desc() backend.ResourceDesc          { return r.desc }
func (r *resource) Heap() backend.HeapType              { return r.heap }
func (r *resource) InitialState() backend.ResourceState { return r.initial }

func (r *resource) Map(read *backend.Range) ([]byte, error) {
	if !r.heap.Mappable() {
		return nil, fmt.Errorf("soft: map %q: %w", r.label, backend.ErrNotMappable)
	}
	if read != nil && (read.Begin > read.End || read.End > r.desc.Width) {
		return nil, fmt.Errorf("soft: map %q: %w: range [%d,%d)", r.label, backend.ErrInvalidDesc, read.Begin, read.End)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, fmt.Errorf("soft: map %q: %w: resource released", r.label, backend.ErrInvalidDesc)
	}
	r.mapped++
	return r.data, nil
}

func (r *resource) Unmap(*backend.Range) {
	r.mu.Lock()
	if r.mapped > 0 {
		r.mapped--
	}
	r.mu.Unlock()
}

func (r *resource) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	inflight := r.inflight
	r.mu.Unlock()
	if inflight > 0 {
		r.dev.fault(fmt.Errorf("resource %q released while in use by the GPU", r.label), true)
	}
}

// acquire pins r for a submission.
func (r *resource) acquire() {
	r.mu.Lock()
	r.inflight++
	r.mu.Unlock()
}

func (r *resource) retire() {
	r.mu.Lock()
	r.inflight--
	r.mu.Unlock()
}

// live reports whether the GPU may still touch r.
func (r *resource) live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.released
}

// transition moves r from before to after, reporting a mismatch.
func (r *resource) transition(before, after backend.ResourceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.state
	r.state = after
	if cur != before {
		return fmt.Errorf("barrier on %q: before state %s, resource is in %s", r.label, before, cur)
	}
	return nil
}

// require reports whether r's current state allows need.
func (r *resource) require(need backend.ResourceState, use string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Allows(need) {
		return fmt.Errorf("%s of %q needs %s, resource is in %s", use, r.label, need, r.state)
	}
	return nil
}

type descriptor struct {
	kind backend.ViewKind
	res  *resource
	view backend.BufferView
}

type descriptorHeap struct {
	dev   *Device
	label string
	cpu   uint64
	gpu   uint64

	mu       sync.Mutex
	slots    []descriptor
	inflight int
	released bool
}

func (h *descriptorHeap) Label() string { return h.label }
func (h *descriptorHeap) Len() int      { return len(h.slots) }

func (h *descriptorHeap) CPUStart() backend.CPUHandle { return backend.CPUHandle{Ptr: h.cpu} }
func (h *descriptorHeap) GPUStart() backend.GPUHandle { return backend.GPUHandle{Ptr: h.gpu} }

func (h *descriptorHeap) Release() {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

// index converts an address in the range starting at base to a slot.
func (h *descriptorHeap) index(ptr, base, slotSize uint64) (int, bool) {
	if ptr < base {
		return 0, false
	}
	off := ptr - base
	if off%slotSize != 0 || off/slotSize >= uint64(len(h.slots)) {
		return 0, false
	}
	return int(off / slotSize), true
}

// slot returns a copy of descriptor i.
func (h *descriptorHeap) slot(i int) (descriptor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.slots) {
		return descriptor{}, false
	}
	return h.slots[i], true
}

// pin marks the heap and every resource it references as in flight.
func (h *descriptorHeap) pin() []*resource {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight++
	var refs []*resource
	for _, d := range h.slots {
		if d.res != nil {
			d.res.acquire()
			refs = append(refs, d.res)
		}
	}
	return refs
}

func (h *descriptorHeap) unpin() {
	h.mu.Lock()
	h.inflight--
	h.mu.Unlock()
}

type rootSignature struct {
	label   string
	version rootsig.Version
	layout  *rootsig.Desc1
}

func (s *rootSignature) Label() string { return s.label }
func (s *rootSignature) Release()      {}

type pipeline struct {
	label  string
	entry  string
	rs     *rootSignature
	kernel Kernel
	group  [3]uint32
}

func (p *pipeline) Label() string { return p.label }
func (p *pipeline) Release()      {}

type fence struct {
	*timeline.Counter
	label string
}

func (f *fence) Release() {}

type allocator struct {
	dev     *Device
	label   string
	pending atomic.Int32
}

func (a *allocator) Reset() error {
	if n := a.pending.Load(); n > 0 {
		err := fmt.Errorf("soft: reset %q: %w: %d submissions pending", a.label, backend.ErrAllocatorInUse, n)
		a.dev.fault(err, false)
		return err
	}
	return nil
}

func (a *allocator) Release() {}
