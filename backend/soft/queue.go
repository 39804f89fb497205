// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package soft

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/internal/logx"
	"github.com/gogpu/gpucompute/rootsig"
)

// item is one unit of queue work: a batch of lists or a signal.
type item struct {
	lists  [][]op
	allocs []*allocator
	refs   []*resource
	heaps  []*descriptorHeap

	fence *fence
	value uint64
}

// queue runs submitted work in order on its own goroutine.
type queue struct {
	dev   *Device
	label string

	mu     sync.Mutex
	cond   *sync.Cond
	items  []item
	closed bool
	done   chan struct{}
}

func newQueue(d *Device, label string) *queue {
	q := &queue{dev: d, label: label, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *queue) push(it item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("soft: queue %q: %w", q.label, backend.ErrDeviceReleased)
	}
	q.items = append(q.items, it)
	q.cond.Signal()
	return nil
}

func (q *queue) next() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	return it, true
}

func (q *queue) run() {
	defer close(q.done)
	for {
		it, ok := q.next()
		if !ok {
			return
		}
		q.dev.waitGate()
		if it.fence != nil {
			q.signal(it)
			continue
		}
		if q.dev.cfg.latency > 0 {
			time.Sleep(q.dev.cfg.latency)
		}
		q.execute(it)
	}
}

func (q *queue) signal(it item) {
	if q.dev.Removed() != nil {
		return
	}
	it.fence.Advance(it.value)
}

// ExecuteCommandLists snapshots closed lists and queues them.
func (q *queue) ExecuteCommandLists(lists ...backend.CommandList) error {
	if err := q.dev.removedErr(); err != nil {
		return err
	}
	var it item
	for _, cl := range lists {
		l, ok := cl.(*commandList)
		if !ok || l == nil || l.dev != q.dev {
			return fmt.Errorf("soft: execute: %w: foreign command list", backend.ErrInvalidDesc)
		}
		if l.recording {
			return fmt.Errorf("soft: execute %q: %w", l.label, backend.ErrListNotClosed)
		}
		if l.err != nil {
			return fmt.Errorf("soft: execute %q: %w", l.label, l.err)
		}
		it.lists = append(it.lists, l.ops)
		it.allocs = append(it.allocs, l.alloc)
	}

	seenHeap := map[*descriptorHeap]bool{}
	for _, ops := range it.lists {
		for _, o := range ops {
			switch o.kind {
			case opSetHeaps:
				for _, h := range o.heaps {
					if !seenHeap[h] {
						seenHeap[h] = true
						it.heaps = append(it.heaps, h)
					}
				}
			case opBarrier:
				for _, b := range o.barriers {
					it.refs = append(it.refs, b.res)
				}
			case opCopyRegion, opCopyResource:
				it.refs = append(it.refs, o.dst, o.src)
			}
		}
	}
	for _, r := range it.refs {
		r.acquire()
	}
	for _, h := range it.heaps {
		it.refs = append(it.refs, h.pin()...)
	}
	for _, a := range it.allocs {
		a.pending.Add(1)
	}

	if err := q.push(it); err != nil {
		q.retire(it)
		return err
	}
	q.dev.submissions.Add(1)
	return nil
}

// Signal queues a fence update behind all prior work.
func (q *queue) Signal(f backend.Fence, value uint64) error {
	if err := q.dev.removedErr(); err != nil {
		return err
	}
	sf, ok := f.(*fence)
	if !ok || sf == nil {
		return fmt.Errorf("soft: signal: %w: foreign fence", backend.ErrInvalidDesc)
	}
	return q.push(item{fence: sf, value: value})
}

// Release drains the queue and stops its goroutine.
func (q *queue) Release() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *queue) retire(it item) {
	for _, r := range it.refs {
		r.retire()
	}
	for _, h := range it.heaps {
		h.unpin()
	}
	for _, a := range it.allocs {
		a.pending.Add(-1)
	}
}

func (q *queue) execute(it item) {
	defer q.retire(it)
	for _, ops := range it.lists {
		if q.dev.Removed() != nil {
			return
		}
		var st execState
		for _, o := range ops {
			if err := q.exec(&st, o); err != nil {
				q.dev.fault(err, true)
				return
			}
		}
	}
}

// execState is the pipeline state of one list; it does not carry over.
type execState struct {
	pipeline *pipeline
	rs       *rootSignature
	heaps    []*descriptorHeap
	tables   map[uint32]backend.GPUHandle
}

// exec runs one op. A returned error removes the device; state
// violations are reported as validation errors and execution continues.
func (q *queue) exec(st *execState, o op) error {
	d := q.dev
	switch o.kind {
	case opSetPipeline:
		st.pipeline = o.pipeline
	case opSetRootSignature:
		st.rs = o.rs
		st.tables = nil
	case opSetHeaps:
		st.heaps = o.heaps
	case opSetTable:
		if st.tables == nil {
			st.tables = make(map[uint32]backend.GPUHandle)
		}
		st.tables[o.root] = o.handle
	case opBarrier:
		for _, b := range o.barriers {
			if !b.res.live() {
				return fmt.Errorf("barrier on released resource %q", b.res.label)
			}
			if b.res.heap != backend.HeapDefault {
				d.fault(fmt.Errorf("barrier on %s heap resource %q", b.res.heap, b.res.label), false)
				continue
			}
			if err := b.res.transition(b.before, b.after); err != nil {
				d.fault(err, false)
			}
		}
	case opCopyRegion, opCopyResource:
		return q.copy(o)
	case opDispatch:
		return q.dispatch(st, o.groups)
	}
	return nil
}

func (q *queue) copy(o op) error {
	if !o.src.live() || !o.dst.live() {
		return fmt.Errorf("copy %q -> %q touches a released resource", o.src.label, o.dst.label)
	}
	if o.dst.heap == backend.HeapDefault {
		if err := o.dst.require(backend.StateCopyDest, "copy destination"); err != nil {
			q.dev.fault(err, false)
		}
	}
	if o.src.heap == backend.HeapDefault {
		if err := o.src.require(backend.StateCopySource, "copy source"); err != nil {
			q.dev.fault(err, false)
		}
	}
	srcEnd, c1 := bits.Add64(o.srcOff, o.size, 0)
	dstEnd, c2 := bits.Add64(o.dstOff, o.size, 0)
	if c1 != 0 || c2 != 0 || srcEnd > uint64(len(o.src.data)) || dstEnd > uint64(len(o.dst.data)) {
		return fmt.Errorf("copy of %d bytes %q[%d:] -> %q[%d:] out of bounds",
			o.size, o.src.label, o.srcOff, o.dst.label, o.dstOff)
	}
	copy(o.dst.data[o.dstOff:dstEnd], o.src.data[o.srcOff:srcEnd])
	return nil
}

func (q *queue) dispatch(st *execState, groups [3]uint32) error {
	if st.pipeline == nil {
		return errors.New("dispatch without a pipeline state")
	}
	if st.rs == nil {
		return errors.New("dispatch without a root signature")
	}
	if st.rs != st.pipeline.rs {
		q.dev.fault(fmt.Errorf("dispatch: root signature %q differs from pipeline %q's", st.rs.label, st.pipeline.label), false)
	}
	b, err := q.bind(st)
	if err != nil {
		return err
	}
	k, g := st.pipeline.kernel, st.pipeline.group
	nx, ny := int(groups[0]), int(groups[1])
	q.dev.groups.Run(nx*ny*int(groups[2]), func(i int) {
		gx, gy, gz := uint32(i%nx), uint32(i/nx%ny), uint32(i/(nx*ny))
		for tz := range g[2] {
			for ty := range g[1] {
				for tx := range g[0] {
					k(Invocation{GlobalID: [3]uint32{gx*g[0] + tx, gy*g[1] + ty, gz*g[2] + tz}}, b)
				}
			}
		}
	})
	logx.L().Debug("soft: dispatch", "pipeline", st.pipeline.label, "groups", groups)
	return nil
}

// bind resolves every descriptor table of the root signature.
func (q *queue) bind(st *execState) (*Bindings, error) {
	d := q.dev
	b := &Bindings{}
	for idx, p := range st.rs.layout.Parameters {
		if p.Type != rootsig.ParameterDescriptorTable {
			return nil, fmt.Errorf("root parameter %d: %s parameters are not supported", idx, p.Type)
		}
		h, ok := st.tables[uint32(idx)]
		if !ok {
			return nil, fmt.Errorf("root parameter %d is not bound", idx)
		}
		heap, base := q.heapForGPU(st.heaps, h)
		if heap == nil {
			return nil, fmt.Errorf("root parameter %d: handle %#x is outside the bound descriptor heaps", idx, h.Ptr)
		}
		var cursor uint32
		for _, r := range p.Ranges {
			off := r.OffsetInDescriptorsFromTableStart
			if off == rootsig.OffsetAppend {
				off = cursor
			}
			if r.NumDescriptors == math.MaxUint32 {
				return nil, fmt.Errorf("root parameter %d: unbounded ranges are not supported", idx)
			}
			for k := range r.NumDescriptors {
				slot := base + int(off) + int(k)
				desc, ok := heap.slot(slot)
				if !ok {
					return nil, fmt.Errorf("root parameter %d: descriptor %d past heap %q", idx, slot, heap.label)
				}
				want := viewForRange(r.Type)
				if desc.kind != want || desc.res == nil {
					return nil, fmt.Errorf("root parameter %d: descriptor %d of heap %q is %s, want %s",
						idx, slot, heap.label, desc.kind, want)
				}
				if !desc.res.live() {
					return nil, fmt.Errorf("descriptor %d references released resource %q", slot, desc.res.label)
				}
				if err := desc.res.require(want.RequiredState(), want.String()); err != nil {
					d.fault(err, false)
				}
				rng := desc.view.ByteRange()
				b.set(want, r.BaseShaderRegister+k, desc.res.data[rng.Begin:rng.End])
			}
			cursor = off + r.NumDescriptors
		}
	}
	return b, nil
}

func (q *queue) heapForGPU(heaps []*descriptorHeap, h backend.GPUHandle) (*descriptorHeap, int) {
	for _, heap := range heaps {
		if i, ok := heap.index(h.Ptr, heap.gpu, q.dev.cfg.slotSize); ok {
			return heap, i
		}
	}
	return nil, 0
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
