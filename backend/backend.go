// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"errors"
	"sync"

	"github.com/gogpu/gpucompute/rootsig"
	"github.com/gogpu/gpucompute/shader"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered
	// or its adapter cannot be created.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrDeviceReleased is returned by calls on a released device.
	ErrDeviceReleased = errors.New("backend: device released")

	// ErrDeviceRemoved is returned once the device has faulted. All further
	// submissions fail with it.
	ErrDeviceRemoved = errors.New("backend: device removed")

	// ErrNotMappable is returned when mapping a resource on the default heap.
	ErrNotMappable = errors.New("backend: resource is not mappable")

	// ErrInvalidDesc is returned for malformed creation parameters.
	ErrInvalidDesc = errors.New("backend: invalid description")

	// ErrInvalidState is returned when a resource is created in a state its
	// heap does not allow.
	ErrInvalidState = errors.New("backend: invalid initial state")

	// ErrInvalidHandle is returned for descriptor handles outside any heap.
	ErrInvalidHandle = errors.New("backend: invalid descriptor handle")

	// ErrUnsupported is returned for features the device does not provide.
	ErrUnsupported = errors.New("backend: unsupported")

	// ErrOverflow is returned when a size computation overflows.
	ErrOverflow = errors.New("backend: size overflow")

	// ErrAllocatorInUse is returned when a command allocator is reset while
	// lists recorded from it are still executing.
	ErrAllocatorInUse = errors.New("backend: command allocator in use by the GPU")

	// ErrListNotClosed is returned when executing a list that is still recording.
	ErrListNotClosed = errors.New("backend: command list not closed")

	// ErrListNotRecording is returned when recording into a closed list.
	ErrListNotRecording = errors.New("backend: command list not recording")
)

// Adapter is a physical or software GPU.
type Adapter interface {
	Info() AdapterInfo

	// Open creates the device. Open may be called once per adapter.
	Open(opts Options) (Device, error)
}

// Device creates every other GPU object.
type Device interface {
	rootsig.VersionQuerier

	Info() AdapterInfo

	// MultisampleQualityLevels returns the number of quality levels for the
	// given format and sample count; zero means unsupported.
	MultisampleQualityLevels(format Format, samples uint32) (uint32, error)

	// DescriptorSlotSize returns the byte distance between two descriptors
	// in a shader-visible heap.
	DescriptorSlotSize() uint64

	CreateDescriptorHeap(slots int, label string) (DescriptorHeap, error)
	CreateShaderResourceView(res Resource, view BufferView, dst CPUHandle) error
	CreateUnorderedAccessView(res Resource, view BufferView, dst CPUHandle) error

	CreateRootSignature(blob []byte, label string) (RootSignature, error)
	CreateComputePipeline(desc *ComputePipelineDesc) (PipelineState, error)

	CreateCommittedResource(heap HeapType, desc ResourceDesc, initial ResourceState, label string) (Resource, error)

	// CopyableFootprints returns the placed layouts of subresources
	// [first, first+num) and the total bytes they need, starting at base.
	CopyableFootprints(desc ResourceDesc, first, num int, base uint64) ([]CopyableLayout, uint64, error)

	CreateCommandQueue(label string) (CommandQueue, error)
	CreateCommandAllocator(label string) (CommandAllocator, error)
	CreateCommandList(alloc CommandAllocator, initial PipelineState, label string) (CommandList, error)
	CreateFence(initial uint64, label string) (Fence, error)

	Release()
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label         string
	RootSignature RootSignature
	Shader        *shader.Bytecode
}

// Resource is a committed buffer.
type Resource interface {
	Label() string
	Desc() ResourceDesc
	Heap() HeapType
	InitialState() ResourceState

	// Map returns the resource memory. read is the range the host will read;
	// nil means all of it.
	Map(read *Range) ([]byte, error)

	// Unmap ends a mapping. written is the range the host wrote; nil means
	// all of it and an empty range means nothing.
	Unmap(written *Range)

	Release()
}

// DescriptorHeap is a shader-visible array of descriptor slots.
type DescriptorHeap interface {
	Label() string
	Len() int
	CPUStart() CPUHandle
	GPUStart() GPUHandle
	Release()
}

// RootSignature is a compiled binding layout.
type RootSignature interface {
	Label() string
	Release()
}

// PipelineState is a compiled compute pipeline.
type PipelineState interface {
	Label() string
	Release()
}

// CommandAllocator owns the memory behind recorded command lists.
type CommandAllocator interface {
	// Reset reclaims the memory. It fails with ErrAllocatorInUse while a
	// list recorded from it is still executing.
	Reset() error
	Release()
}

// CommandList records GPU commands. Recording calls do not return errors;
// the first recording error is reported by Close.
type CommandList interface {
	Label() string
	Reset(alloc CommandAllocator, initial PipelineState) error
	Close() error

	SetPipelineState(p PipelineState)
	SetComputeRootSignature(rs RootSignature)
	SetDescriptorHeaps(heaps ...DescriptorHeap)
	SetComputeRootDescriptorTable(rootIndex uint32, base GPUHandle)
	ResourceBarrier(barriers ...Barrier)
	Dispatch(x, y, z uint32)
	CopyBufferRegion(dst Resource, dstOffset uint64, src Resource, srcOffset, size uint64)
	CopyResource(dst, src Resource)

	Release()
}

// CommandQueue executes closed command lists in submission order.
type CommandQueue interface {
	ExecuteCommandLists(lists ...CommandList) error

	// Signal sets f to value once all previously submitted work completes.
	Signal(f Fence, value uint64) error

	Release()
}

// Fence is a monotonically increasing completion counter.
type Fence interface {
	CompletedValue() uint64

	// SetEventOnCompletion sets ev once the fence reaches value. If it has
	// already, ev is set immediately.
	SetEventOnCompletion(value uint64, ev *Event) error

	Release()
}

// Event is a host-visible one-shot signal.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

// NewEvent returns an unset event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set signals the event. Extra calls are no-ops.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// Done is closed when the event is set.
func (e *Event) Done() <-chan struct{} { return e.ch }
