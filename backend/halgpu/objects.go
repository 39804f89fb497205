// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package halgpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/internal/timeline"
	"github.com/gogpu/gpucompute/rootsig"
)

// resource is a HAL buffer. Upload and readback buffers keep a host shadow:
// Unmap of an upload buffer writes the shadow through the queue, Map of a
// readback buffer fills it from the GPU.
type resource struct {
	dev     *Device
	label   string
	desc    backend.ResourceDesc
	heap    backend.HeapType
	initial backend.ResourceState
	buf     hal.Buffer
	size    uint64
	shadow  []byte

	mu       sync.Mutex
	released bool
	inflight int
}

func (r *resource) Label() string                       { return r.label }
func (r *resource) Desc() backend.ResourceDesc          { return r.desc }
func (r *resource) Heap() backend.HeapType              { return r.heap }
func (r *resource) InitialState() backend.ResourceState { return r.initial }

func (r *resource) Map(read *backend.Range) ([]byte, error) {
	if !r.heap.Mappable() {
		return nil, fmt.Errorf("halgpu: map %q: %w", r.label, backend.ErrNotMappable)
	}
	if read != nil && (read.Begin > read.End || read.End > r.desc.Width) {
		return nil, fmt.Errorf("halgpu: map %q: %w: range [%d,%d)", r.label, backend.ErrInvalidDesc, read.Begin, read.End)
	}
	if !r.live() {
		return nil, fmt.Errorf("halgpu: map %q: %w: resource released", r.label, backend.ErrInvalidDesc)
	}
	if r.heap == backend.HeapReadback && (read == nil || read.Len() > 0) {
		if err := r.dev.queue.ReadBuffer(r.buf, 0, r.shadow); err != nil {
			return nil, fmt.Errorf("halgpu: map %q: readback: %w", r.label, err)
		}
	}
	return r.shadow[:r.desc.Width], nil
}

func (r *resource) Unmap(written *backend.Range) {
	if r.heap != backend.HeapUpload || !r.live() {
		return
	}
	begin, end := uint64(0), r.size
	if written != nil {
		if written.Len() == 0 {
			return
		}
		// Queue writes are four-byte aligned; the shadow is padded to match.
		begin = written.Begin &^ 3
		end = min((written.End+3)&^3, r.size)
	}
	r.dev.queue.WriteBuffer(r.buf, begin, r.shadow[begin:end])
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
		r.dev.fault(fmt.Errorf("resource %q released while in use by the GPU", r.label))
		return
	}
	r.dev.hal.DestroyBuffer(r.buf)
}

func (r *resource) live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.released
}

func (r *resource) acquire() {
	r.mu.Lock()
	r.inflight++
	r.mu.Unlock()
}

func (r *resource) retire() {
	r.mu.Lock()
	r.inflight--
	destroy := r.released && r.inflight == 0
	r.mu.Unlock()
	if destroy {
		r.dev.hal.DestroyBuffer(r.buf)
	}
}

type descriptor struct {
	kind backend.ViewKind
	res  *resource
	view backend.BufferView
}

type descriptorHeap struct {
	label string
	cpu   uint64
	gpu   uint64

	mu    sync.Mutex
	slots []descriptor
}

func (h *descriptorHeap) Label() string { return h.label }
func (h *descriptorHeap) Len() int      { return len(h.slots) }

func (h *descriptorHeap) CPUStart() backend.CPUHandle { return backend.CPUHandle{Ptr: h.cpu} }
func (h *descriptorHeap) GPUStart() backend.GPUHandle { return backend.GPUHandle{Ptr: h.gpu} }

func (h *descriptorHeap) Release() {}

func (h *descriptorHeap) index(ptr, base uint64) (int, bool) {
	if ptr < base {
		return 0, false
	}
	off := ptr - base
	if off%DescriptorSlotSize != 0 || off/DescriptorSlotSize >= uint64(len(h.slots)) {
		return 0, false
	}
	return int(off / DescriptorSlotSize), true
}

func (h *descriptorHeap) set(i int, d descriptor) {
	h.mu.Lock()
	h.slots[i] = d
	h.mu.Unlock()
}

func (h *descriptorHeap) slot(i int) (descriptor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.slots) {
		return descriptor{}, false
	}
	return h.slots[i], true
}

type rootSignature struct {
	dev            *Device
	label          string
	layout         *rootsig.Desc1
	groups         []hal.BindGroupLayout
	pipelineLayout hal.PipelineLayout
}

func (s *rootSignature) Label() string { return s.label }

func (s *rootSignature) Release() {
	if s.pipelineLayout != nil {
		s.dev.hal.DestroyPipelineLayout(s.pipelineLayout)
		s.pipelineLayout = nil
	}
	for _, g := range s.groups {
		s.dev.hal.DestroyBindGroupLayout(g)
	}
	s.groups = nil
}

type pipeline struct {
	dev      *Device
	label    string
	rs       *rootSignature
	module   hal.ShaderModule
	pipeline hal.ComputePipeline
}

func (p *pipeline) Label() string { return p.label }

func (p *pipeline) Release() {
	if p.pipeline == nil {
		return
	}
	p.dev.hal.DestroyComputePipeline(p.pipeline)
	p.dev.hal.DestroyShaderModule(p.module)
	p.pipeline, p.module = nil, nil
}

type fence struct {
	*timeline.Counter
	label string
}

func (f *fence) Release() {}

type allocator struct {
	label   string
	pending atomic.Int32
}

func (a *allocator) Reset() error {
	if n := a.pending.Load(); n > 0 {
		return fmt.Errorf("halgpu: reset %q: %w: %d submissions pending", a.label, backend.ErrAllocatorInUse, n)
	}
	return nil
}

func (a *allocator) Release() {}
