// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package cmdrec records compute work into a backend command list and
// catches recording mistakes on the host, before the device sees them.
package cmdrec

import (
	"errors"
	"fmt"
	"maps"
	"math/bits"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/desctable"
	"github.com/gogpu/gpucompute/internal/logx"
)

// MaxDispatchGroups is the per-dimension limit on thread groups.
const MaxDispatchGroups = 65535

// ErrRecordingUsage is the category of every error in this package.
var ErrRecordingUsage = errors.New("cmdrec: recording usage error")

// Recording errors. Each wraps ErrRecordingUsage.
var (
	// ErrNotRecording is returned by recording calls outside the Recording state.
	ErrNotRecording = fmt.Errorf("%w: recorder is not recording", ErrRecordingUsage)

	// ErrAlreadyClosed is returned by a second Close.
	ErrAlreadyClosed = fmt.Errorf("%w: recorder already closed", ErrRecordingUsage)

	// ErrNotClosed is returned when submitting a recorder that is not closed.
	ErrNotClosed = fmt.Errorf("%w: recorder is not closed", ErrRecordingUsage)

	// ErrStillRecording is returned by Reset before Close.
	ErrStillRecording = fmt.Errorf("%w: recorder still recording", ErrRecordingUsage)

	// ErrStateMismatch is returned when a resource is not in the state a
	// command needs, or a barrier's before state is wrong.
	ErrStateMismatch = fmt.Errorf("%w: resource state mismatch", ErrRecordingUsage)

	// ErrDispatchLimit is returned for zero or oversized group counts.
	ErrDispatchLimit = fmt.Errorf("%w: dispatch group count out of range", ErrRecordingUsage)

	// ErrNoPipeline is returned by Dispatch without a pipeline or root signature.
	ErrNoPipeline = fmt.Errorf("%w: no pipeline state or root signature set", ErrRecordingUsage)

	// ErrCopyRange is returned when a copy exceeds either buffer.
	ErrCopyRange = fmt.Errorf("%w: copy range out of bounds", ErrRecordingUsage)

	// ErrAllocatorInFlight is returned by Reset while the last submission
	// is still executing.
	ErrAllocatorInFlight = fmt.Errorf("%w: command allocator in flight", ErrRecordingUsage)

	// ErrTableNotSet is returned by BindTable without a matching descriptor heap.
	ErrTableNotSet = fmt.Errorf("%w: slot is not from the bound descriptor table", ErrRecordingUsage)

	// ErrNilObject is returned when a command is given a nil object.
	ErrNilObject = fmt.Errorf("%w: nil object", ErrRecordingUsage)
)

// =============================================================================
// Recorder
// =============================================================================

// State is the lifecycle state of a Recorder.
type State uint8

const (
	// StateRecording accepts commands.
	StateRecording State = iota

	// StateClosed is ready to submit.
	StateClosed

	// StateSubmitted has been handed to a queue.
	StateSubmitted

	// StateResettable has finished executing.
	StateResettable
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRecording:
		return "Recording"
	case StateClosed:
		return "Closed"
	case StateSubmitted:
		return "Submitted"
	case StateResettable:
		return "Resettable"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Recorder owns a command allocator and list and tracks the state of
// every resource it touches.
//
// State machine:
//
//	Recording  -> Close()                   -> Closed
//	Closed     -> MarkPending/MarkSubmitted -> Submitted
//	Submitted  -> (fence reaches value)     -> Resettable
//	Closed     -> Reset()                   -> Recording
//	Resettable -> Reset()                   -> Recording
//
// Barriers update a per-recording state overlay. Submission commits it;
// resetting a closed list that was never submitted drops it, so tracked
// states only ever describe work the queue received. Committed states
// persist across Reset, as they do on the GPU. Recorder is not safe for
// concurrent use.
type Recorder struct {
	dev   backend.Device
	alloc backend.CommandAllocator
	list  backend.CommandList
	label string

	state   State
	fence   backend.Fence
	value   uint64
	tracked map[backend.Resource]backend.ResourceState
	pending map[backend.Resource]backend.ResourceState
	ops     []Op

	pipeline backend.PipelineState
	rs       backend.RootSignature
	table    *desctable.Table
	bound    map[uint32]desctable.Slot
	tables   []*desctable.Table
}

// New creates an allocator and a command list in the Recording state.
// initial may be nil.
func New(dev backend.Device, initial backend.PipelineState, label string) (*Recorder, error) {
	alloc, err := dev.CreateCommandAllocator(label + " allocator")
	if err != nil {
		return nil, fmt.Errorf("cmdrec: %q: %w", label, err)
	}
	list, err := dev.CreateCommandList(alloc, initial, label)
	if err != nil {
		alloc.Release()
		return nil, fmt.Errorf("cmdrec: %q: %w", label, err)
	}
	return &Recorder{
		dev:      dev,
		alloc:    alloc,
		list:     list,
		label:    label,
		tracked:  make(map[backend.Resource]backend.ResourceState),
		pending:  make(map[backend.Resource]backend.ResourceState),
		pipeline: initial,
		bound:    make(map[uint32]desctable.Slot),
	}, nil
}

// Label returns the recorder label.
func (r *Recorder) Label() string { return r.label }

// List returns the backend command list.
func (r *Recorder) List() backend.CommandList { return r.list }

// State returns the current state. A submitted recorder whose fence value
// has completed reports StateResettable.
func (r *Recorder) State() State {
	if r.state == StateSubmitted && r.fence != nil && r.fence.CompletedValue() >= r.value {
		return StateResettable
	}
	return r.state
}

// Ops returns the commands recorded since the last Reset, in order.
func (r *Recorder) Ops() []Op {
	return append([]Op(nil), r.ops...)
}

// Track declares the state res is in on the GPU right now. It replaces
// any state the current recording has moved res to.
func (r *Recorder) Track(res backend.Resource, state backend.ResourceState) {
	r.tracked[res] = state
	delete(r.pending, res)
}

// Tracked returns the state res will be in when the recorded work has run.
// Resources never seen report their initial state.
func (r *Recorder) Tracked(res backend.Resource) backend.ResourceState {
	if s, ok := r.pending[res]; ok {
		return s
	}
	if s, ok := r.tracked[res]; ok {
		return s
	}
	return res.InitialState()
}

func (r *Recorder) recording() error {
	if r.state != StateRecording {
		return fmt.Errorf("%w (%s)", ErrNotRecording, r.State())
	}
	return nil
}

func (r *Recorder) push(op Op) {
	r.ops = append(r.ops, op)
	logx.L().Debug("cmdrec: record", "list", r.label, "op", op.Kind)
}

// TransitionBarrier records a state transition of res.
func (r *Recorder) TransitionBarrier(res backend.Resource, before, after backend.ResourceState) error {
	if err := r.recording(); err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("barrier: %w", ErrNilObject)
	}
	if cur := r.Tracked(res); cur != before {
		return fmt.Errorf("barrier on %q: %w: before is %s, tracked state is %s", res.Label(), ErrStateMismatch, before, cur)
	}
	r.list.ResourceBarrier(backend.Barrier{Resource: res, Before: before, After: after})
	r.pending[res] = after
	r.push(Op{Kind: OpBarrier, Dst: res, Before: before, After: after})
	return nil
}

// SetPipelineState records a pipeline change.
func (r *Recorder) SetPipelineState(p backend.PipelineState) error {
	if err := r.recording(); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("pipeline: %w", ErrNilObject)
	}
	r.list.SetPipelineState(p)
	r.pipeline = p
	r.push(Op{Kind: OpSetPipeline})
	return nil
}

// SetComputeRootSignature records the binding layout. It clears table
// bindings.
func (r *Recorder) SetComputeRootSignature(rs backend.RootSignature) error {
	if err := r.recording(); err != nil {
		return err
	}
	if rs == nil {
		return fmt.Errorf("root signature: %w", ErrNilObject)
	}
	r.list.SetComputeRootSignature(rs)
	r.rs = rs
	clear(r.bound)
	r.push(Op{Kind: OpSetRootSignature})
	return nil
}

// SetDescriptorHeap binds the heap of t.
func (r *Recorder) SetDescriptorHeap(t *desctable.Table) error {
	if err := r.recording(); err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("descriptor heap: %w", ErrNilObject)
	}
	r.list.SetDescriptorHeaps(t.Heap())
	r.table = t
	r.tables = append(r.tables, t)
	r.push(Op{Kind: OpSetDescriptorHeap})
	return nil
}

// BindTable sets root parameter rootIndex to a descriptor table starting
// at slot.
func (r *Recorder) BindTable(rootIndex uint32, slot desctable.Slot) error {
	if err := r.recording(); err != nil {
		return err
	}
	if r.table == nil || slot.Table() != r.table {
		return fmt.Errorf("bind root parameter %d: %w", rootIndex, ErrTableNotSet)
	}
	r.list.SetComputeRootDescriptorTable(rootIndex, slot.GPU)
	r.bound[rootIndex] = slot
	r.push(Op{Kind: OpBindTable, RootIndex: rootIndex, Slot: slot.Index})
	return nil
}

// Dispatch records x*y*z thread groups. Every bound view must be in a
// state its kind allows.
func (r *Recorder) Dispatch(x, y, z uint32) error {
	if err := r.recording(); err != nil {
		return err
	}
	for _, n := range [3]uint32{x, y, z} {
		if n == 0 || n > MaxDispatchGroups {
			return fmt.Errorf("dispatch (%d, %d, %d): %w", x, y, z, ErrDispatchLimit)
		}
	}
	if r.pipeline == nil || r.rs == nil {
		return fmt.Errorf("dispatch: %w", ErrNoPipeline)
	}
	for root, slot := range r.bound {
		e, ok := r.table.View(slot.Index)
		if !ok {
			continue
		}
		cur := r.Tracked(e.Resource)
		if !viewStateOK(e.Kind, cur) {
			return fmt.Errorf("dispatch: root parameter %d %s of %q: %w: resource is %s, needs %s",
				root, e.Kind, e.Resource.Label(), ErrStateMismatch, cur, e.Kind.RequiredState())
		}
	}
	r.list.Dispatch(x, y, z)
	r.push(Op{Kind: OpDispatch, Groups: [3]uint32{x, y, z}})
	return nil
}

func viewStateOK(kind backend.ViewKind, s backend.ResourceState) bool {
	switch kind {
	case backend.ViewSRV:
		return s.Allows(backend.StateNonPixelShaderResource)
	case backend.ViewUAV:
		return s == backend.StateUnorderedAccess
	default:
		return true
	}
}

func (r *Recorder) checkCopyStates(dst, src backend.Resource) error {
	if dst == nil || src == nil {
		return fmt.Errorf("copy: %w", ErrNilObject)
	}
	if cur := r.Tracked(dst); cur != backend.StateCopyDest {
		return fmt.Errorf("copy to %q: %w: resource is %s, needs CopyDest", dst.Label(), ErrStateMismatch, cur)
	}
	cur := r.Tracked(src)
	switch {
	case cur == backend.StateCopySource:
	case cur == backend.StateGenericRead && src.Heap() == backend.HeapUpload:
	default:
		return fmt.Errorf("copy from %q: %w: resource is %s, needs CopySource", src.Label(), ErrStateMismatch, cur)
	}
	return nil
}

// CopyBufferRegion records a copy of size bytes.
func (r *Recorder) CopyBufferRegion(dst backend.Resource, dstOffset uint64, src backend.Resource, srcOffset, size uint64) error {
	if err := r.recording(); err != nil {
		return err
	}
	if err := r.checkCopyStates(dst, src); err != nil {
		return err
	}
	if !inBounds(srcOffset, size, src.Desc().Width) || !inBounds(dstOffset, size, dst.Desc().Width) {
		return fmt.Errorf("copy %d bytes %q[%d:] -> %q[%d:]: %w",
			size, src.Label(), srcOffset, dst.Label(), dstOffset, ErrCopyRange)
	}
	r.list.CopyBufferRegion(dst, dstOffset, src, srcOffset, size)
	r.push(Op{Kind: OpCopyBufferRegion, Dst: dst, Src: src, DstOffset: dstOffset, SrcOffset: srcOffset, Size: size})
	return nil
}

// CopyResource records a whole-buffer copy. Both buffers must be the same size.
func (r *Recorder) CopyResource(dst, src backend.Resource) error {
	if err := r.recording(); err != nil {
		return err
	}
	if err := r.checkCopyStates(dst, src); err != nil {
		return err
	}
	if dst.Desc().Width != src.Desc().Width {
		return fmt.Errorf("copy %q (%d bytes) -> %q (%d bytes): %w",
			src.Label(), src.Desc().Width, dst.Label(), dst.Desc().Width, ErrCopyRange)
	}
	r.list.CopyResource(dst, src)
	r.push(Op{Kind: OpCopyResource, Dst: dst, Src: src, Size: src.Desc().Width})
	return nil
}

func inBounds(off, size, width uint64) bool {
	end, carry := bits.Add64(off, size, 0)
	return carry == 0 && end <= width
}

// Close ends recording.
func (r *Recorder) Close() error {
	switch r.state {
	case StateRecording:
	case StateClosed:
		return ErrAlreadyClosed
	default:
		return fmt.Errorf("close: %w (%s)", ErrNotRecording, r.State())
	}
	r.state = StateClosed
	if err := r.list.Close(); err != nil {
		return fmt.Errorf("cmdrec: close %q: %w", r.label, err)
	}
	return nil
}

// commitStates makes the states of the current recording the GPU states.
func (r *Recorder) commitStates() {
	maps.Copy(r.tracked, r.pending)
	clear(r.pending)
}

// MarkPending records that the list was handed to a queue but no fence
// value covers it yet.
func (r *Recorder) MarkPending() {
	r.commitStates()
	r.state = StateSubmitted
	r.fence = nil
	r.value = 0
}

// MarkSubmitted records that the list completes when f reaches value.
// Descriptor tables bound during the recording are retained until then.
func (r *Recorder) MarkSubmitted(f backend.Fence, value uint64) {
	r.commitStates()
	r.state = StateSubmitted
	r.fence = f
	r.value = value
	for _, t := range r.tables {
		t.Retain(f, value)
	}
}

// SubmittedAt returns the fence value the last submission completes at.
func (r *Recorder) SubmittedAt() uint64 { return r.value }

// Reset reclaims the allocator and reopens the list with initial as its
// pipeline. It fails with ErrAllocatorInFlight, leaving the allocator
// alone, while the last submission is still executing.
func (r *Recorder) Reset(initial backend.PipelineState) error {
	switch r.State() {
	case StateRecording:
		return fmt.Errorf("reset %q: %w", r.label, ErrStillRecording)
	case StateSubmitted:
		return fmt.Errorf("reset %q: %w: waiting for fence value %d", r.label, ErrAllocatorInFlight, r.value)
	}
	if err := r.alloc.Reset(); err != nil {
		return fmt.Errorf("cmdrec: reset %q: %w", r.label, err)
	}
	if err := r.list.Reset(r.alloc, initial); err != nil {
		return fmt.Errorf("cmdrec: reset %q: %w", r.label, err)
	}
	r.state = StateRecording
	r.fence = nil
	r.value = 0
	r.ops = nil
	r.pipeline = initial
	r.rs = nil
	r.table = nil
	r.tables = nil
	clear(r.bound)
	clear(r.pending)
	return nil
}

// Release frees the list and allocator.
func (r *Recorder) Release() {
	r.list.Release()
	r.alloc.Release()
}
