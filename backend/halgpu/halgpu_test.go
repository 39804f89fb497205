// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package halgpu

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/rootsig"
	"github.com/gogpu/gpucompute/shader"
)

// createNoopDevice opens a device on the noop HAL.
func createNoopDevice(t *testing.T) *Device {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	require.NoError(t, err)
	a, err := fromInstance(instance)
	require.NoError(t, err)
	dev, err := a.Open(backend.Options{Debug: true})
	require.NoError(t, err)
	t.Cleanup(dev.Release)
	return dev.(*Device)
}

func tablesLayout() *rootsig.Desc1 {
	return &rootsig.Desc1{
		Parameters: []rootsig.Parameter1{
			rootsig.Table(rootsig.VisibilityAll, rootsig.Range1{
				Type: rootsig.RangeSRV, NumDescriptors: 1,
				Flags: rootsig.RangeFlagDataStatic, OffsetInDescriptorsFromTableStart: rootsig.OffsetAppend,
			}),
			rootsig.Table(rootsig.VisibilityAll, rootsig.Range1{
				Type: rootsig.RangeUAV, NumDescriptors: 1,
				Flags: rootsig.RangeFlagDataVolatile, OffsetInDescriptorsFromTableStart: rootsig.OffsetAppend,
			}),
		},
	}
}

type rig struct {
	dev   *Device
	rs    backend.RootSignature
	pso   backend.PipelineState
	heap  backend.DescriptorHeap
	in    backend.Resource
	out   backend.Resource
	q     backend.CommandQueue
	alloc backend.CommandAllocator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{dev: createNoopDevice(t)}

	blob, err := rootsig.Compile(tablesLayout(), rootsig.NegotiateVersion(r.dev))
	require.NoError(t, err)
	r.rs, err = r.dev.CreateRootSignature(blob, "rs")
	require.NoError(t, err)
	bc, err := shader.CompileKernel(shader.KernelEntryPoint, shader.DefaultTarget)
	require.NoError(t, err)
	r.pso, err = r.dev.CreateComputePipeline(&backend.ComputePipelineDesc{Label: "pso", RootSignature: r.rs, Shader: bc})
	require.NoError(t, err)

	r.in, err = r.dev.CreateCommittedResource(backend.HeapDefault, backend.BufferDesc(4096, 0), backend.StateCopyDest, "in")
	require.NoError(t, err)
	r.out, err = r.dev.CreateCommittedResource(backend.HeapDefault,
		backend.BufferDesc(4096, backend.ResourceFlagAllowUnorderedAccess), backend.StateUnorderedAccess, "out")
	require.NoError(t, err)

	r.heap, err = r.dev.CreateDescriptorHeap(2, "heap")
	require.NoError(t, err)
	view := backend.BufferView{NumElements: 1024, StructureByteStride: 4}
	require.NoError(t, r.dev.CreateShaderResourceView(r.in, view, r.heap.CPUStart()))
	require.NoError(t, r.dev.CreateUnorderedAccessView(r.out, view, r.heap.CPUStart().Offset(1, DescriptorSlotSize)))

	r.q, err = r.dev.CreateCommandQueue("q")
	require.NoError(t, err)
	r.alloc, err = r.dev.CreateCommandAllocator("alloc")
	require.NoError(t, err)
	return r
}

func (r *rig) dispatchList(t *testing.T, bindOutput bool) backend.CommandList {
	t.Helper()
	l, err := r.dev.CreateCommandList(r.alloc, r.pso, "dispatch")
	require.NoError(t, err)
	l.SetComputeRootSignature(r.rs)
	l.SetDescriptorHeaps(r.heap)
	l.SetComputeRootDescriptorTable(0, r.heap.GPUStart())
	if bindOutput {
		l.SetComputeRootDescriptorTable(1, r.heap.GPUStart().Offset(1, DescriptorSlotSize))
	}
	l.Dispatch(1, 1, 1)
	require.NoError(t, l.Close())
	return l
}

func waitFence(t *testing.T, f backend.Fence, value uint64) {
	t.Helper()
	ev := backend.NewEvent()
	require.NoError(t, f.SetEventOnCompletion(value, ev))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-ev.Done():
	case <-ctx.Done():
		t.Fatalf("fence did not reach %d", value)
	}
}

func TestOpenNoopAdapter(t *testing.T) {
	dev := createNoopDevice(t)
	info := dev.Info()
	assert.False(t, info.Software)
	assert.Equal(t, "gogpu/wgpu", info.Vendor)

	v, err := dev.HighestRootSignatureVersion(rootsig.HighestKnown)
	require.NoError(t, err)
	assert.Equal(t, rootsig.Version1_1, v)
	v, err = dev.HighestRootSignatureVersion(rootsig.Version1_0)
	require.NoError(t, err)
	assert.Equal(t, rootsig.Version1_0, v)

	n, err := dev.MultisampleQualityLevels(backend.FormatR8G8B8A8Unorm, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
	n, err = dev.MultisampleQualityLevels(backend.FormatR8G8B8A8Unorm, 8)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAdapterOpensOnce(t *testing.T) {
	instance, err := noop.API{}.CreateInstance(nil)
	require.NoError(t, err)
	a, err := fromInstance(instance)
	require.NoError(t, err)
	dev, err := a.Open(backend.Options{})
	require.NoError(t, err)
	defer dev.Release()
	_, err = a.Open(backend.Options{})
	assert.Error(t, err)
}

func TestRootSignatureLayouts(t *testing.T) {
	dev := createNoopDevice(t)

	blob, err := rootsig.Compile(tablesLayout(), rootsig.Version1_1)
	require.NoError(t, err)
	rs, err := dev.CreateRootSignature(blob, "rs")
	require.NoError(t, err)
	assert.Len(t, rs.(*rootSignature).groups, 2)
	rs.Release()

	entries, err := layoutEntries(0, rootsig.Table(rootsig.VisibilityAll,
		rootsig.Range1{Type: rootsig.RangeCBV, NumDescriptors: 1, OffsetInDescriptorsFromTableStart: rootsig.OffsetAppend},
		rootsig.Range1{Type: rootsig.RangeUAV, NumDescriptors: 2, OffsetInDescriptorsFromTableStart: 4},
	))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint32(0), entries[0].Binding)
	assert.Equal(t, gputypes.BufferBindingTypeUniform, entries[0].Buffer.Type)
	assert.Equal(t, uint32(4), entries[1].Binding)
	assert.Equal(t, uint32(5), entries[2].Binding)
	assert.Equal(t, gputypes.BufferBindingTypeStorage, entries[2].Buffer.Type)

	unsupported := []*rootsig.Desc1{
		{Parameters: []rootsig.Parameter1{rootsig.Table(rootsig.VisibilityAll,
			rootsig.Range1{Type: rootsig.RangeSampler, NumDescriptors: 1})}},
		{Parameters: []rootsig.Parameter1{{Type: rootsig.ParameterConstants32Bit,
			Constants: rootsig.Constants{Num32BitValues: 4}}}},
	}
	for _, l := range unsupported {
		blob, err := rootsig.Compile(l, rootsig.Version1_1)
		require.NoError(t, err)
		_, err = dev.CreateRootSignature(blob, "bad")
		assert.ErrorIs(t, err, backend.ErrUnsupported)
	}
}

func TestPipelineNeedsSPIRV(t *testing.T) {
	r := newRig(t)
	_, err := r.dev.CreateComputePipeline(&backend.ComputePipelineDesc{
		Label:         "hlsl only",
		RootSignature: r.rs,
		Shader:        &shader.Bytecode{EntryPoint: shader.KernelEntryPoint, HLSL: "[numthreads(1,1,1)] void CSMain() {}"},
	})
	assert.ErrorIs(t, err, backend.ErrInvalidDesc)
}

func TestResourceValidation(t *testing.T) {
	r := newRig(t)

	_, err := r.in.Map(nil)
	assert.ErrorIs(t, err, backend.ErrNotMappable)

	_, err = r.dev.CreateCommittedResource(backend.HeapUpload, backend.BufferDesc(64, 0), backend.StateCopyDest, "up")
	assert.ErrorIs(t, err, backend.ErrInvalidState)
	_, err = r.dev.CreateCommittedResource(backend.HeapReadback,
		backend.BufferDesc(64, backend.ResourceFlagAllowUnorderedAccess), backend.StateCopyDest, "rb")
	assert.ErrorIs(t, err, backend.ErrInvalidDesc)
	_, err = r.dev.CreateCommittedResource(backend.HeapDefault,
		backend.ResourceDesc{Dimension: backend.DimensionTexture2D, Width: 4, Height: 4}, backend.StateCommon, "tex")
	assert.ErrorIs(t, err, backend.ErrUnsupported)

	view := backend.BufferView{NumElements: 1024, StructureByteStride: 4}
	assert.ErrorIs(t, r.dev.CreateUnorderedAccessView(r.in, view, r.heap.CPUStart()), backend.ErrInvalidDesc,
		"UAV needs AllowUnorderedAccess")
	assert.ErrorIs(t, r.dev.CreateShaderResourceView(r.in, backend.BufferView{NumElements: 1025, StructureByteStride: 4},
		r.heap.CPUStart()), backend.ErrInvalidDesc)
	assert.ErrorIs(t, r.dev.CreateShaderResourceView(r.in, view, backend.CPUHandle{Ptr: 1}), backend.ErrInvalidHandle)

	up, err := r.dev.CreateCommittedResource(backend.HeapUpload, backend.BufferDesc(6, 0), backend.StateGenericRead, "odd")
	require.NoError(t, err)
	mem, err := up.Map(nil)
	require.NoError(t, err)
	assert.Len(t, mem, 6)
	assert.Equal(t, uint64(8), up.(*resource).size)
	up.Unmap(&backend.Range{Begin: 1, End: 5})
	up.Release()
}

func TestSubmitAndSignal(t *testing.T) {
	r := newRig(t)
	f, err := r.dev.CreateFence(0, "f")
	require.NoError(t, err)

	up, err := r.dev.CreateCommittedResource(backend.HeapUpload, backend.BufferDesc(4096, 0), backend.StateGenericRead, "up")
	require.NoError(t, err)
	mem, err := up.Map(&backend.Range{})
	require.NoError(t, err)
	for i := range mem {
		mem[i] = byte(i)
	}
	up.Unmap(nil)

	copyList, err := r.dev.CreateCommandList(r.alloc, nil, "copy")
	require.NoError(t, err)
	copyList.CopyBufferRegion(r.in, 0, up, 0, 4096)
	copyList.ResourceBarrier(backend.Barrier{Resource: r.in, Before: backend.StateCopyDest, After: backend.StateNonPixelShaderResource})
	require.NoError(t, copyList.Close())

	require.NoError(t, r.q.ExecuteCommandLists(copyList, r.dispatchList(t, true)))
	require.NoError(t, r.q.Signal(f, 1))
	waitFence(t, f, 1)
	assert.Equal(t, uint64(1), f.CompletedValue())

	require.Eventually(t, func() bool { return r.alloc.Reset() == nil }, 5*time.Second, time.Millisecond)
	up.Release()
	assert.NoError(t, r.dev.Removed())
}

func TestSignalWithoutWork(t *testing.T) {
	r := newRig(t)
	f, err := r.dev.CreateFence(3, "f")
	require.NoError(t, err)
	require.NoError(t, r.q.Signal(f, 7))
	waitFence(t, f, 7)
}

func TestEncodeErrorsRemoveDevice(t *testing.T) {
	r := newRig(t)
	f, err := r.dev.CreateFence(0, "f")
	require.NoError(t, err)

	err = r.q.ExecuteCommandLists(r.dispatchList(t, false))
	require.ErrorIs(t, err, backend.ErrDeviceRemoved)
	assert.ErrorContains(t, err, "root parameter 1 is not bound")
	assert.Equal(t, uint64(math.MaxUint64), f.CompletedValue())

	late, err := r.dev.CreateFence(0, "late")
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), late.CompletedValue())
	assert.ErrorIs(t, r.q.Signal(f, 2), backend.ErrDeviceRemoved)
}

func TestExecuteRejectsOpenLists(t *testing.T) {
	r := newRig(t)
	l, err := r.dev.CreateCommandList(r.alloc, nil, "open")
	require.NoError(t, err)
	assert.ErrorIs(t, r.q.ExecuteCommandLists(l), backend.ErrListNotClosed)

	l.Dispatch(70000, 1, 1)
	assert.ErrorIs(t, l.Close(), backend.ErrInvalidDesc)
	assert.ErrorIs(t, l.Close(), backend.ErrListNotRecording)
}

type mockDevice struct{}

func (m *mockDevice) Poll(wait bool) {}
func (m *mockDevice) Destroy()       {}

type mockQueue struct{}

type mockAdapter struct{}

// mockProvider implements gpucontext.DeviceProvider and exposes HAL types.
type mockProvider struct {
	device hal.Device
	queue  hal.Queue
}

func (m *mockProvider) Device() gpucontext.Device             { return &mockDevice{} }
func (m *mockProvider) Queue() gpucontext.Queue               { return &mockQueue{} }
func (m *mockProvider) Adapter() gpucontext.Adapter           { return &mockAdapter{} }
func (m *mockProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }
func (m *mockProvider) HalDevice() any                        { return m.device }
func (m *mockProvider) HalQueue() any                         { return m.queue }

type plainProvider struct{ mockProvider }

func (plainProvider) HalDevice() {}

func TestFromProvider(t *testing.T) {
	instance, err := noop.API{}.CreateInstance(nil)
	require.NoError(t, err)
	defer instance.Destroy()
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	require.NoError(t, err)
	defer openDev.Device.Destroy()

	a, err := FromProvider(&mockProvider{device: openDev.Device, queue: openDev.Queue})
	require.NoError(t, err)
	dev, err := a.Open(backend.Options{})
	require.NoError(t, err)
	_, err = dev.CreateCommittedResource(backend.HeapDefault, backend.BufferDesc(16, 0), backend.StateCommon, "b")
	assert.NoError(t, err)
	dev.Release()

	_, err = FromProvider(&mockProvider{})
	assert.ErrorContains(t, err, "HalDevice is not hal.Device")
	_, err = FromProvider(&plainProvider{})
	assert.ErrorContains(t, err, "does not expose HAL types")
}
