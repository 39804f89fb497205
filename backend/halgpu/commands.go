// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package halgpu

import (
	"fmt"

	"github.com/gogpu/gpucompute/backend"
)

type cmdKind uint8

const (
	cmdPipeline cmdKind = iota
	cmdRootSignature
	cmdHeaps
	cmdTable
	cmdBarrier
	cmdDispatch
	cmdCopy
)

// cmd is one recorded command. Nothing touches the HAL until the list is
// executed.
type cmd struct {
	kind     cmdKind
	pipeline *pipeline
	rs       *rootSignature
	heaps    []*descriptorHeap
	root     uint32
	handle   backend.GPUHandle
	touched  []*resource
	groups   [3]uint32
	dst, src *resource
	dstOff   uint64
	srcOff   uint64
	size     uint64
}

type commandList struct {
	dev   *Device
	label string
	alloc *allocator

	recording bool
	err       error
	cmds      []cmd
}

func (l *commandList) Label() string { return l.label }

func (l *commandList) Reset(alloc backend.CommandAllocator, initial backend.PipelineState) error {
	if l.recording {
		return fmt.Errorf("halgpu: reset %q: %w: list is still recording", l.label, backend.ErrListNotClosed)
	}
	a, ok := alloc.(*allocator)
	if !ok || a == nil {
		return fmt.Errorf("halgpu: reset %q: %w: foreign allocator", l.label, backend.ErrInvalidDesc)
	}
	l.alloc = a
	l.recording = true
	l.err = nil
	l.cmds = nil
	if initial != nil {
		l.SetPipelineState(initial)
	}
	return nil
}

func (l *commandList) Close() error {
	if !l.recording {
		return fmt.Errorf("halgpu: close %q: %w", l.label, backend.ErrListNotRecording)
	}
	l.recording = false
	if l.err != nil {
		return fmt.Errorf("halgpu: close %q: %w", l.label, l.err)
	}
	return nil
}

func (l *commandList) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *commandList) push(c cmd) {
	if !l.recording {
		l.fail(backend.ErrListNotRecording)
		return
	}
	l.cmds = append(l.cmds, c)
}

func (l *commandList) own(r backend.Resource, use string) *resource {
	res, ok := r.(*resource)
	if !ok || res == nil || res.dev != l.dev {
		l.fail(fmt.Errorf("%w: %s: foreign or nil resource", backend.ErrInvalidDesc, use))
		return nil
	}
	return res
}

func (l *commandList) SetPipelineState(p backend.PipelineState) {
	ps, ok := p.(*pipeline)
	if !ok || ps == nil || ps.dev != l.dev {
		l.fail(fmt.Errorf("%w: foreign or nil pipeline", backend.ErrInvalidDesc))
		return
	}
	l.push(cmd{kind: cmdPipeline, pipeline: ps})
}

func (l *commandList) SetComputeRootSignature(rs backend.RootSignature) {
	s, ok := rs.(*rootSignature)
	if !ok || s == nil || s.dev != l.dev {
		l.fail(fmt.Errorf("%w: foreign or nil root signature", backend.ErrInvalidDesc))
		return
	}
	l.push(cmd{kind: cmdRootSignature, rs: s})
}

func (l *commandList) SetDescriptorHeaps(heaps ...backend.DescriptorHeap) {
	c := cmd{kind: cmdHeaps}
	for _, h := range heaps {
		dh, ok := h.(*descriptorHeap)
		if !ok || dh == nil {
			l.fail(fmt.Errorf("%w: foreign or nil descriptor heap", backend.ErrInvalidDesc))
			return
		}
		c.heaps = append(c.heaps, dh)
	}
	l.push(c)
}

func (l *commandList) SetComputeRootDescriptorTable(rootIndex uint32, base backend.GPUHandle) {
	l.push(cmd{kind: cmdTable, root: rootIndex, handle: base})
}

// ResourceBarrier is recorded for lifetime tracking only; the HAL inserts
// its own barriers between passes.
func (l *commandList) ResourceBarrier(barriers ...backend.Barrier) {
	c := cmd{kind: cmdBarrier}
	for _, b := range barriers {
		res := l.own(b.Resource, "barrier")
		if res == nil {
			return
		}
		c.touched = append(c.touched, res)
	}
	l.push(c)
}

func (l *commandList) Dispatch(x, y, z uint32) {
	const maxGroups = 65535
	if x > maxGroups || y > maxGroups || z > maxGroups {
		l.fail(fmt.Errorf("%w: dispatch %dx%dx%d exceeds %d groups per dimension", backend.ErrInvalidDesc, x, y, z, maxGroups))
		return
	}
	l.push(cmd{kind: cmdDispatch, groups: [3]uint32{x, y, z}})
}

func (l *commandList) CopyBufferRegion(dst backend.Resource, dstOffset uint64, src backend.Resource, srcOffset, size uint64) {
	d, s := l.own(dst, "copy destination"), l.own(src, "copy source")
	if d == nil || s == nil {
		return
	}
	l.push(cmd{kind: cmdCopy, dst: d, src: s, dstOff: dstOffset, srcOff: srcOffset, size: size})
}

func (l *commandList) CopyResource(dst, src backend.Resource) {
	d, s := l.own(dst, "copy destination"), l.own(src, "copy source")
	if d == nil || s == nil {
		return
	}
	if d.desc.Width != s.desc.Width {
		l.fail(fmt.Errorf("%w: copy between %q (%d bytes) and %q (%d bytes)",
			backend.ErrInvalidDesc, s.label, s.desc.Width, d.label, d.desc.Width))
		return
	}
	l.push(cmd{kind: cmdCopy, dst: d, src: s, size: d.size})
}

func (l *commandList) Release() {}
