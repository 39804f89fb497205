// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package soft

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/rootsig"
	"github.com/gogpu/gpucompute/shader"
)

const testElements = 2048

// rig is a device with the objects of one add-offset dispatch.
type rig struct {
	dev   *Device
	queue backend.CommandQueue
	alloc backend.CommandAllocator
	list  backend.CommandList
	fence backend.Fence
	rs    backend.RootSignature
	pso   backend.PipelineState
	heap  backend.DescriptorHeap
	in    backend.Resource
	out   backend.Resource
	up    backend.Resource
	rb    backend.Resource
}

func computeBlob(t *testing.T) []byte {
	t.Helper()
	blob, err := rootsig.Serialize(&rootsig.Desc1{
		Parameters: []rootsig.Parameter1{
			rootsig.Table(rootsig.VisibilityAll, rootsig.Range1{
				Type: rootsig.RangeSRV, NumDescriptors: 1, Flags: rootsig.RangeFlagDataStatic,
				OffsetInDescriptorsFromTableStart: rootsig.OffsetAppend,
			}),
			rootsig.Table(rootsig.VisibilityAll, rootsig.Range1{
				Type: rootsig.RangeUAV, NumDescriptors: 1, Flags: rootsig.RangeFlagDataVolatile,
				OffsetInDescriptorsFromTableStart: rootsig.OffsetAppend,
			}),
		},
	})
	require.NoError(t, err)
	return blob
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	r := &rig{dev: NewDevice(backend.Options{Debug: true, Label: t.Name()}, opts...)}
	t.Cleanup(r.dev.Release)

	var err error
	d := r.dev
	size := uint64(testElements * 4)
	r.queue, err = d.CreateCommandQueue("queue")
	require.NoError(t, err)
	r.alloc, err = d.CreateCommandAllocator("alloc")
	require.NoError(t, err)
	r.fence, err = d.CreateFence(0, "fence")
	require.NoError(t, err)
	r.rs, err = d.CreateRootSignature(computeBlob(t), "rs")
	require.NoError(t, err)
	r.pso, err = d.CreateComputePipeline(&backend.ComputePipelineDesc{
		Label:         "pso",
		RootSignature: r.rs,
		Shader:        &shader.Bytecode{EntryPoint: shader.KernelEntryPoint, WorkgroupSize: [3]uint32{1024, 1, 1}},
	})
	require.NoError(t, err)
	r.heap, err = d.CreateDescriptorHeap(2, "heap")
	require.NoError(t, err)
	r.in, err = d.CreateCommittedResource(backend.HeapDefault, backend.BufferDesc(size, 0), backend.StateCopyDest, "in")
	require.NoError(t, err)
	r.out, err = d.CreateCommittedResource(backend.HeapDefault,
		backend.BufferDesc(size, backend.ResourceFlagAllowUnorderedAccess), backend.StateUnorderedAccess, "out")
	require.NoError(t, err)
	r.up, err = d.CreateCommittedResource(backend.HeapUpload, backend.BufferDesc(size, 0), backend.StateGenericRead, "upload")
	require.NoError(t, err)
	r.rb, err = d.CreateCommittedResource(backend.HeapReadback, backend.BufferDesc(size, 0), backend.StateCopyDest, "readback")
	require.NoError(t, err)

	view := backend.BufferView{NumElements: testElements, StructureByteStride: 4}
	slot := d.DescriptorSlotSize()
	require.NoError(t, d.CreateShaderResourceView(r.in, view, r.heap.CPUStart()))
	require.NoError(t, d.CreateUnorderedAccessView(r.out, view, r.heap.CPUStart().Offset(1, slot)))

	r.list, err = d.CreateCommandList(r.alloc, nil, "list")
	require.NoError(t, err)
	return r
}

// record records upload, dispatch and readback into one list.
func (r *rig) record() {
	l := r.list
	slot := r.dev.DescriptorSlotSize()
	l.CopyResource(r.in, r.up)
	l.ResourceBarrier(backend.Barrier{Resource: r.in, Before: backend.StateCopyDest, After: backend.StateNonPixelShaderResource})
	l.SetPipelineState(r.pso)
	l.SetComputeRootSignature(r.rs)
	l.SetDescriptorHeaps(r.heap)
	l.SetComputeRootDescriptorTable(0, r.heap.GPUStart())
	l.SetComputeRootDescriptorTable(1, r.heap.GPUStart().Offset(1, slot))
	l.Dispatch(testElements/1024, 1, 1)
	l.ResourceBarrier(backend.Barrier{Resource: r.out, Before: backend.StateUnorderedAccess, After: backend.StateCopySource})
	l.CopyResource(r.rb, r.out)
}

func (r *rig) fill(t *testing.T) {
	t.Helper()
	b, err := r.up.Map(&backend.Range{})
	require.NoError(t, err)
	for i := range testElements {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(i))
	}
	r.up.Unmap(nil)
}

func (r *rig) wait(t *testing.T, value uint64) {
	t.Helper()
	ev := backend.NewEvent()
	require.NoError(t, r.fence.SetEventOnCompletion(value, ev))
	select {
	case <-ev.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("fence did not reach %d", value)
	}
}

func TestDispatchAddsOffset(t *testing.T) {
	r := newRig(t)
	r.fill(t)
	r.record()
	require.NoError(t, r.list.Close())
	require.NoError(t, r.queue.ExecuteCommandLists(r.list))
	require.NoError(t, r.queue.Signal(r.fence, 1))
	r.wait(t, 1)

	b, err := r.rb.Map(nil)
	require.NoError(t, err)
	defer r.rb.Unmap(&backend.Range{})
	for i := range testElements {
		got := int32(binary.LittleEndian.Uint32(b[i*4:]))
		if got != int32(i)+shader.AddOffset {
			t.Fatalf("element %d = %d, want %d", i, got, i+shader.AddOffset)
		}
	}
	assert.Empty(t, r.dev.ValidationErrors())
	assert.NoError(t, r.dev.Removed())
}

func TestQueueIsAsynchronous(t *testing.T) {
	r := newRig(t)
	r.dev.PauseQueues()
	r.record()
	require.NoError(t, r.list.Close())
	require.NoError(t, r.queue.ExecuteCommandLists(r.list))
	require.NoError(t, r.queue.Signal(r.fence, 1))

	assert.Equal(t, uint64(0), r.fence.CompletedValue())
	assert.ErrorIs(t, r.alloc.Reset(), backend.ErrAllocatorInUse)

	r.dev.ResumeQueues()
	r.wait(t, 1)
	assert.NoError(t, r.alloc.Reset())
}

func TestLatency(t *testing.T) {
	r := newRig(t, WithLatency(20*time.Millisecond))
	r.record()
	require.NoError(t, r.list.Close())
	start := time.Now()
	require.NoError(t, r.queue.ExecuteCommandLists(r.list))
	require.NoError(t, r.queue.Signal(r.fence, 1))
	r.wait(t, 1)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMapDefaultHeap(t *testing.T) {
	r := newRig(t)
	_, err := r.in.Map(nil)
	assert.ErrorIs(t, err, backend.ErrNotMappable)
}

func TestRecordingErrorsSurfaceAtClose(t *testing.T) {
	r := newRig(t)
	r.list.Dispatch(maxDispatchGroups+1, 1, 1)
	err := r.list.Close()
	assert.ErrorIs(t, err, backend.ErrInvalidDesc)

	assert.ErrorIs(t, r.list.Close(), backend.ErrListNotRecording)
	require.NoError(t, r.list.Reset(r.alloc, r.pso))
	assert.ErrorIs(t, r.queue.ExecuteCommandLists(r.list), backend.ErrListNotClosed)
	assert.ErrorIs(t, r.list.Reset(r.alloc, nil), backend.ErrListNotClosed)
}

func TestBarrierMismatchIsReported(t *testing.T) {
	r := newRig(t)
	r.list.ResourceBarrier(backend.Barrier{Resource: r.in, Before: backend.StateUnorderedAccess, After: backend.StateCopySource})
	require.NoError(t, r.list.Close())
	require.NoError(t, r.queue.ExecuteCommandLists(r.list))
	require.NoError(t, r.queue.Signal(r.fence, 1))
	r.wait(t, 1)

	errs := r.dev.ValidationErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "CopyDest")
	assert.NoError(t, r.dev.Removed())
}

func TestReleaseInFlightRemovesDevice(t *testing.T) {
	r := newRig(t)
	r.dev.PauseQueues()
	r.record()
	require.NoError(t, r.list.Close())
	require.NoError(t, r.queue.ExecuteCommandLists(r.list))
	require.NoError(t, r.queue.Signal(r.fence, 1))

	r.up.Release()
	require.ErrorIs(t, r.dev.Removed(), backend.ErrDeviceRemoved)
	assert.Equal(t, uint64(math.MaxUint64), r.fence.CompletedValue())

	r.dev.ResumeQueues()
	require.NoError(t, r.list.Reset(r.alloc, nil))
	require.NoError(t, r.list.Close())
	assert.ErrorIs(t, r.queue.ExecuteCommandLists(r.list), backend.ErrDeviceRemoved)
	assert.ErrorIs(t, r.queue.Signal(r.fence, 2), backend.ErrDeviceRemoved)
}

func TestOutOfBoundsCopyRemovesDevice(t *testing.T) {
	r := newRig(t)
	r.list.CopyBufferRegion(r.rb, 8, r.up, 0, testElements*4)
	require.NoError(t, r.list.Close())
	require.NoError(t, r.queue.ExecuteCommandLists(r.list))
	r.wait(t, 1)
	assert.ErrorIs(t, r.dev.Removed(), backend.ErrDeviceRemoved)
}

func TestDispatchUnboundTableRemovesDevice(t *testing.T) {
	r := newRig(t)
	r.list.SetPipelineState(r.pso)
	r.list.SetComputeRootSignature(r.rs)
	r.list.SetDescriptorHeaps(r.heap)
	r.list.SetComputeRootDescriptorTable(0, r.heap.GPUStart())
	r.list.Dispatch(1, 1, 1)
	require.NoError(t, r.list.Close())
	require.NoError(t, r.queue.ExecuteCommandLists(r.list))
	r.wait(t, 1)

	err := r.dev.Removed()
	require.ErrorIs(t, err, backend.ErrDeviceRemoved)
	assert.Contains(t, err.Error(), "root parameter 1")
}

func TestCreateCommittedResourceValidation(t *testing.T) {
	d := NewDevice(backend.Options{})
	defer d.Release()

	tests := []struct {
		name    string
		heap    backend.HeapType
		desc    backend.ResourceDesc
		state   backend.ResourceState
		wantErr error
	}{
		{"upload wrong state", backend.HeapUpload, backend.BufferDesc(64, 0), backend.StateCopyDest, backend.ErrInvalidState},
		{"readback wrong state", backend.HeapReadback, backend.BufferDesc(64, 0), backend.StateGenericRead, backend.ErrInvalidState},
		{"zero width", backend.HeapDefault, backend.BufferDesc(0, 0), backend.StateCommon, backend.ErrInvalidDesc},
		{"uav on upload", backend.HeapUpload, backend.BufferDesc(64, backend.ResourceFlagAllowUnorderedAccess), backend.StateGenericRead, backend.ErrInvalidDesc},
		{"texture", backend.HeapDefault, backend.ResourceDesc{Dimension: backend.DimensionTexture2D, Width: 4}, backend.StateCommon, backend.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.CreateCommittedResource(tt.heap, tt.desc, tt.state, tt.name)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestViewValidation(t *testing.T) {
	r := newRig(t)
	view := backend.BufferView{NumElements: testElements, StructureByteStride: 4}

	err := r.dev.CreateUnorderedAccessView(r.in, view, r.heap.CPUStart())
	assert.ErrorIs(t, err, backend.ErrInvalidDesc, "UAV without AllowUnorderedAccess")

	big := backend.BufferView{NumElements: testElements + 1, StructureByteStride: 4}
	assert.ErrorIs(t, r.dev.CreateShaderResourceView(r.in, big, r.heap.CPUStart()), backend.ErrInvalidDesc)

	bad := backend.CPUHandle{Ptr: r.heap.CPUStart().Ptr + 3}
	assert.ErrorIs(t, r.dev.CreateShaderResourceView(r.in, view, bad), backend.ErrInvalidHandle)
}

func TestHighestRootSignatureVersion(t *testing.T) {
	d := NewDevice(backend.Options{}, WithMaxRootSignatureVersion(rootsig.Version1_0))
	defer d.Release()
	v, err := d.HighestRootSignatureVersion(rootsig.Version1_1)
	require.NoError(t, err)
	assert.Equal(t, rootsig.Version1_0, v)

	_, err = d.CreateRootSignature(computeBlob(t), "too new")
	assert.ErrorIs(t, err, backend.ErrUnsupported)

	f := NewDevice(backend.Options{}, WithFailingVersionQuery())
	defer f.Release()
	_, err = f.HighestRootSignatureVersion(rootsig.Version1_1)
	assert.Error(t, err)
	assert.Equal(t, rootsig.Version1_0, rootsig.NegotiateVersion(f))
}

func TestMultisampleQualityLevels(t *testing.T) {
	d := NewDevice(backend.Options{})
	defer d.Release()
	for samples, want := range map[uint32]uint32{1: 1, 2: 0, 4: 1, 8: 0} {
		got, err := d.MultisampleQualityLevels(backend.FormatR8G8B8A8Unorm, samples)
		require.NoError(t, err)
		assert.Equal(t, want, got, "samples=%d", samples)
	}
}

func TestReleasedDevice(t *testing.T) {
	d := NewDevice(backend.Options{})
	d.Release()
	d.Release()
	_, err := d.CreateFence(0, "f")
	assert.True(t, errors.Is(err, backend.ErrDeviceReleased))
}

func TestRegisteredAsSoft(t *testing.T) {
	a, err := backend.Get(backend.BackendSoft)
	require.NoError(t, err)
	assert.True(t, a.Info().Software)
}

func TestUnknownKernel(t *testing.T) {
	r := newRig(t)
	_, err := r.dev.CreateComputePipeline(&backend.ComputePipelineDesc{
		RootSignature: r.rs,
		Shader:        &shader.Bytecode{EntryPoint: "Missing"},
	})
	assert.ErrorIs(t, err, backend.ErrUnsupported)
}
