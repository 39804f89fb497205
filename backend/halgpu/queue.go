// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package halgpu

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/internal/logx"
	"github.com/gogpu/gpucompute/rootsig"
)

// waitSlice bounds each HAL fence wait so a released device is noticed.
const waitSlice = time.Second

// submission holds the HAL objects of one ExecuteCommandLists call until
// the GPU is done with them.
type submission struct {
	device     hal.Device
	cmdBuf     hal.CommandBuffer
	fence      hal.Fence
	bindGroups []hal.BindGroup
	refs       []*resource
	allocs     []*allocator

	// Signal markers carry no HAL work.
	signal *fence
	value  uint64
}

func (s *submission) cleanup() {
	if s.fence != nil {
		s.device.DestroyFence(s.fence)
	}
	if s.cmdBuf != nil {
		s.device.FreeCommandBuffer(s.cmdBuf)
	}
	for _, g := range s.bindGroups {
		s.device.DestroyBindGroup(g)
	}
	for _, r := range s.refs {
		r.retire()
	}
	for _, a := range s.allocs {
		a.pending.Add(-1)
	}
}

// queue submits to the HAL queue and retires submissions in order on its
// own goroutine.
type queue struct {
	dev     *Device
	label   string
	pending chan *submission
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func newQueue(d *Device, label string) *queue {
	q := &queue{
		dev:     d,
		label:   label,
		pending: make(chan *submission, 64),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) run() {
	defer close(q.done)
	for s := range q.pending {
		if s.signal != nil {
			if q.dev.Removed() == nil {
				s.signal.Advance(s.value)
			}
			continue
		}
		if err := q.wait(s.fence); err != nil {
			q.dev.fault(fmt.Errorf("queue %q: %w", q.label, err))
		}
		s.cleanup()
	}
}

func (q *queue) wait(f hal.Fence) error {
	for {
		ok, err := q.dev.hal.Wait(f, 1, waitSlice)
		if err != nil {
			return fmt.Errorf("wait for GPU: %w", err)
		}
		if ok {
			return nil
		}
		if q.dev.checkLive() != nil {
			return fmt.Errorf("wait for GPU: %w", backend.ErrDeviceReleased)
		}
	}
}

// ExecuteCommandLists encodes the lists into one HAL command buffer and
// submits it. Binding errors found while encoding remove the device.
func (q *queue) ExecuteCommandLists(lists ...backend.CommandList) error {
	if err := q.dev.removedErr(); err != nil {
		return err
	}
	var ls []*commandList
	for _, cl := range lists {
		l, ok := cl.(*commandList)
		if !ok || l == nil || l.dev != q.dev {
			return fmt.Errorf("halgpu: execute: %w: foreign command list", backend.ErrInvalidDesc)
		}
		if l.recording {
			return fmt.Errorf("halgpu: execute %q: %w", l.label, backend.ErrListNotClosed)
		}
		if l.err != nil {
			return fmt.Errorf("halgpu: execute %q: %w", l.label, l.err)
		}
		ls = append(ls, l)
	}

	s := &submission{device: q.dev.hal}
	if err := q.encode(s, ls); err != nil {
		s.cleanup()
		q.dev.fault(err)
		return q.dev.removedErr()
	}

	fence, err := q.dev.hal.CreateFence()
	if err != nil {
		s.cleanup()
		return fmt.Errorf("halgpu: create fence: %w", err)
	}
	s.fence = fence
	if err := q.dev.queue.Submit([]hal.CommandBuffer{s.cmdBuf}, fence, 1); err != nil {
		s.cleanup()
		return fmt.Errorf("halgpu: submit: %w", err)
	}
	for _, l := range ls {
		s.allocs = append(s.allocs, l.alloc)
		l.alloc.pending.Add(1)
	}
	return q.push(s)
}

func (q *queue) push(s *submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		if s.signal == nil {
			s.cleanup()
		}
		return fmt.Errorf("halgpu: queue %q: %w", q.label, backend.ErrDeviceReleased)
	}
	q.pending <- s
	return nil
}

// encodeState is the pipeline state a list has set so far.
type encodeState struct {
	pipeline *pipeline
	rs       *rootSignature
	heaps    []*descriptorHeap
	tables   map[uint32]backend.GPUHandle
}

func (q *queue) encode(s *submission, lists []*commandList) error {
	encoder, err := q.dev.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: q.label})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(q.label); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	for _, l := range lists {
		st := encodeState{tables: map[uint32]backend.GPUHandle{}}
		for _, c := range l.cmds {
			if err := q.encodeCmd(encoder, s, &st, l.label, c); err != nil {
				encoder.DiscardEncoding()
				return fmt.Errorf("list %q: %w", l.label, err)
			}
		}
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	s.cmdBuf = cmdBuf
	return nil
}

func (q *queue) encodeCmd(encoder hal.CommandEncoder, s *submission, st *encodeState, label string, c cmd) error {
	switch c.kind {
	case cmdPipeline:
		st.pipeline = c.pipeline
	case cmdRootSignature:
		st.rs = c.rs
		clear(st.tables)
	case cmdHeaps:
		st.heaps = c.heaps
	case cmdTable:
		st.tables[c.root] = c.handle
	case cmdBarrier:
		for _, r := range c.touched {
			if !r.live() {
				return fmt.Errorf("barrier on released resource %q", r.label)
			}
		}
	case cmdDispatch:
		if st.pipeline == nil || st.rs == nil {
			return errors.New("dispatch without pipeline state or root signature")
		}
		if st.pipeline.rs != st.rs {
			return fmt.Errorf("pipeline %q was not built for root signature %q", st.pipeline.label, st.rs.label)
		}
		groups, err := q.bindGroups(s, st)
		if err != nil {
			return err
		}
		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
		pass.SetPipeline(st.pipeline.pipeline)
		for i, bg := range groups {
			pass.SetBindGroup(uint32(i), bg, nil)
		}
		pass.Dispatch(c.groups[0], c.groups[1], c.groups[2])
		pass.End()
		logx.L().Debug("halgpu: dispatch", "list", label, "groups", c.groups)
	case cmdCopy:
		for _, r := range []*resource{c.src, c.dst} {
			if !r.live() {
				return fmt.Errorf("copy with released resource %q", r.label)
			}
		}
		srcEnd, c1 := bits.Add64(c.srcOff, c.size, 0)
		dstEnd, c2 := bits.Add64(c.dstOff, c.size, 0)
		if c1 != 0 || c2 != 0 || srcEnd > c.src.size || dstEnd > c.dst.size {
			return fmt.Errorf("copy of %d bytes from %q+%d to %q+%d is out of bounds",
				c.size, c.src.label, c.srcOff, c.dst.label, c.dstOff)
		}
		encoder.CopyBufferToBuffer(c.src.buf, c.dst.buf, []hal.BufferCopy{{
			SrcOffset: c.srcOff,
			DstOffset: c.dstOff,
			Size:      c.size,
		}})
		c.src.acquire()
		c.dst.acquire()
		s.refs = append(s.refs, c.src, c.dst)
	}
	return nil
}

// bindGroups creates one bind group per root parameter from the
// descriptors its table currently points to.
func (q *queue) bindGroups(s *submission, st *encodeState) ([]hal.BindGroup, error) {
	out := make([]hal.BindGroup, 0, len(st.rs.groups))
	for idx, p := range st.rs.layout.Parameters {
		h, ok := st.tables[uint32(idx)]
		if !ok {
			return nil, fmt.Errorf("root parameter %d is not bound", idx)
		}
		heap, base := heapForGPU(st.heaps, h)
		if heap == nil {
			return nil, fmt.Errorf("root parameter %d: handle %#x is outside the bound descriptor heaps", idx, h.Ptr)
		}

		var entries []gputypes.BindGroupEntry
		err := walkRanges(p.Ranges, func(r rootsig.Range1, binding uint32) error {
			slot := base + int(binding)
			desc, ok := heap.slot(slot)
			if !ok {
				return fmt.Errorf("root parameter %d: descriptor %d past heap %q", idx, slot, heap.label)
			}
			if want := viewForRange(r.Type); desc.kind != want || desc.res == nil {
				return fmt.Errorf("root parameter %d: descriptor %d of heap %q is %s, want %s",
					idx, slot, heap.label, desc.kind, want)
			}
			if !desc.res.live() {
				return fmt.Errorf("descriptor %d references released resource %q", slot, desc.res.label)
			}
			rng := desc.view.ByteRange()
			entries = append(entries, gputypes.BindGroupEntry{
				Binding: binding,
				Resource: gputypes.BufferBinding{
					Buffer: desc.res.buf.NativeHandle(),
					Offset: rng.Begin,
					Size:   rng.Len(),
				},
			})
			desc.res.acquire()
			s.refs = append(s.refs, desc.res)
			return nil
		})
		if err != nil {
			return nil, err
		}

		bg, err := q.dev.hal.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   fmt.Sprintf("%s_table%d", st.rs.label, idx),
			Layout:  st.rs.groups[idx],
			Entries: entries,
		})
		if err != nil {
			return nil, fmt.Errorf("create bind group for root parameter %d: %w", idx, err)
		}
		s.bindGroups = append(s.bindGroups, bg)
		out = append(out, bg)
	}
	return out, nil
}

func heapForGPU(heaps []*descriptorHeap, h backend.GPUHandle) (*descriptorHeap, int) {
	for _, heap := range heaps {
		if i, ok := heap.index(h.Ptr, heap.gpu); ok {
			return heap, i
		}
	}
	return nil, 0
}

// Signal queues a marker that advances f once every earlier submission on
// this queue has completed.
func (q *queue) Signal(f backend.Fence, value uint64) error {
	if err := q.dev.removedErr(); err != nil {
		return err
	}
	hf, ok := f.(*fence)
	if !ok || hf == nil {
		return fmt.Errorf("halgpu: signal: %w: foreign fence", backend.ErrInvalidDesc)
	}
	return q.push(&submission{signal: hf, value: value})
}

// Release waits for every queued submission to retire.
func (q *queue) Release() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.pending)
	q.mu.Unlock()
	<-q.done
}

func viewForRange(t rootsig.RangeType) backend.ViewKind {
	switch t {
	case rootsig.RangeSRV:
		return backend.ViewSRV
	case rootsig.RangeUAV:
		return backend.ViewUAV
	default:
		return backend.ViewNone
	}
}
