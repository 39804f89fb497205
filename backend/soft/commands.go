// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package soft

import (
	"fmt"

	"github.com/gogpu/gpucompute/backend"
)

type opKind uint8

const (
	opSetPipeline opKind = iota
	opSetRootSignature
	opSetHeaps
	opSetTable
	opBarrier
	opDispatch
	opCopyRegion
	opCopyResource
)

// op is one recorded command.
type op struct {
	kind     opKind
	pipeline *pipeline
	rs       *rootSignature
	heaps    []*descriptorHeap
	root     uint32
	handle   backend.GPUHandle
	barriers []barrier
	groups   [3]uint32
	dst, src *resource
	dstOff   uint64
	srcOff   uint64
	size     uint64
}

type barrier struct {
	res           *resource
	before, after backend.ResourceState
}

// commandList records ops on the host. Recording errors are held until
// Close, as with a real driver.
type commandList struct {
	dev   *Device
	label string
	alloc *allocator

	recording bool
	err       error
	ops       []op
}

func (l *commandList) Label() string { return l.label }

func (l *commandList) begin(a *allocator, initial backend.PipelineState) error {
	l.alloc = a
	l.recording = true
	l.err = nil
	// A fresh slice: submitted snapshots keep the old one.
	l.ops = nil
	if initial != nil {
		l.SetPipelineState(initial)
	}
	return nil
}

func (l *commandList) Reset(alloc backend.CommandAllocator, initial backend.PipelineState) error {
	if l.recording {
		return fmt.Errorf("soft: reset %q: %w: list is still recording", l.label, backend.ErrListNotClosed)
	}
	a, ok := alloc.(*allocator)
	if !ok || a == nil {
		return fmt.Errorf("soft: reset %q: %w: foreign allocator", l.label, backend.ErrInvalidDesc)
	}
	return l.begin(a, initial)
}

func (l *commandList) Close() error {
	if !l.recording {
		return fmt.Errorf("soft: close %q: %w", l.label, backend.ErrListNotRecording)
	}
	l.recording = false
	if l.err != nil {
		return fmt.Errorf("soft: close %q: %w", l.label, l.err)
	}
	return nil
}

func (l *commandList) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *commandList) record(o op) {
	if !l.recording {
		l.fail(backend.ErrListNotRecording)
		return
	}
	l.ops = append(l.ops, o)
}

func (l *commandList) resource(r backend.Resource, use string) *resource {
	res, ok := r.(*resource)
	if !ok || res == nil || res.dev != l.dev {
		l.fail(fmt.Errorf("%w: %s: foreign or nil resource", backend.ErrInvalidDesc, use))
		return nil
	}
	return res
}

func (l *commandList) SetPipelineState(p backend.PipelineState) {
	ps, ok := p.(*pipeline)
	if !ok || ps == nil {
		l.fail(fmt.Errorf("%w: foreign or nil pipeline", backend.ErrInvalidDesc))
		return
	}
	l.record(op{kind: opSetPipeline, pipeline: ps})
}

func (l *commandList) SetComputeRootSignature(rs backend.RootSignature) {
	s, ok := rs.(*rootSignature)
	if !ok || s == nil {
		l.fail(fmt.Errorf("%w: foreign or nil root signature", backend.ErrInvalidDesc))
		return
	}
	l.record(op{kind: opSetRootSignature, rs: s})
}

func (l *commandList) SetDescriptorHeaps(heaps ...backend.DescriptorHeap) {
	hs := make([]*descriptorHeap, 0, len(heaps))
	for _, h := range heaps {
		dh, ok := h.(*descriptorHeap)
		if !ok || dh == nil || dh.dev != l.dev {
			l.fail(fmt.Errorf("%w: foreign or nil descriptor heap", backend.ErrInvalidDesc))
			return
		}
		hs = append(hs, dh)
	}
	l.record(op{kind: opSetHeaps, heaps: hs})
}

func (l *commandList) SetComputeRootDescriptorTable(rootIndex uint32, base backend.GPUHandle) {
	l.record(op{kind: opSetTable, root: rootIndex, handle: base})
}

func (l *commandList) ResourceBarrier(barriers ...backend.Barrier) {
	bs := make([]barrier, 0, len(barriers))
	for _, b := range barriers {
		r := l.resource(b.Resource, "barrier")
		if r == nil {
			return
		}
		bs = append(bs, barrier{res: r, before: b.Before, after: b.After})
	}
	l.record(op{kind: opBarrier, barriers: bs})
}

func (l *commandList) Dispatch(x, y, z uint32) {
	if x > maxDispatchGroups || y > maxDispatchGroups || z > maxDispatchGroups {
		l.fail(fmt.Errorf("%w: dispatch (%d, %d, %d) exceeds %d groups per dimension",
			backend.ErrInvalidDesc, x, y, z, maxDispatchGroups))
		return
	}
	l.record(op{kind: opDispatch, groups: [3]uint32{x, y, z}})
}

func (l *commandList) CopyBufferRegion(dst backend.Resource, dstOffset uint64, src backend.Resource, srcOffset, size uint64) {
	d, s := l.resource(dst, "copy destination"), l.resource(src, "copy source")
	if d == nil || s == nil {
		return
	}
	l.record(op{kind: opCopyRegion, dst: d, src: s, dstOff: dstOffset, srcOff: srcOffset, size: size})
}

func (l *commandList) CopyResource(dst, src backend.Resource) {
	d, s := l.resource(dst, "copy destination"), l.resource(src, "copy source")
	if d == nil || s == nil {
		return
	}
	if d.desc.Width != s.desc.Width {
		l.fail(fmt.Errorf("%w: CopyResource between %d and %d byte buffers",
			backend.ErrInvalidDesc, d.desc.Width, s.desc.Width))
		return
	}
	l.record(op{kind: opCopyResource, dst: d, src: s, size: s.desc.Width})
}

func (l *commandList) Release() {}
