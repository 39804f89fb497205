// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package halgpu

import (
	"fmt"
	"math"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/internal/logx"
	"github.com/gogpu/gpucompute/internal/timeline"
	"github.com/gogpu/gpucompute/rootsig"
)

// DescriptorSlotSize is the descriptor stride the device reports.
const DescriptorSlotSize = 64

// maxBufferSize matches gputypes.DefaultLimits().MaxBufferSize.
const maxBufferSize = 256 << 20

// Device is a backend.Device over a HAL device and queue.
type Device struct {
	hal     hal.Device
	queue   hal.Queue
	info    backend.AdapterInfo
	opts    backend.Options
	destroy func()

	mu       sync.Mutex
	released bool
	removed  error
	faults   []error
	heaps    []*descriptorHeap
	fences   []*fence
	queues   []*queue
	nextCPU  uint64
	nextGPU  uint64
}

var _ backend.Device = (*Device)(nil)

// NewDevice wraps an open HAL device and queue. The caller keeps ownership
// of both.
func NewDevice(device hal.Device, queue hal.Queue, opts backend.Options) *Device {
	return newDevice(device, queue, backend.AdapterInfo{Name: "HAL device", Vendor: "gogpu/wgpu"}, opts, nil)
}

func newDevice(device hal.Device, queue hal.Queue, info backend.AdapterInfo, opts backend.Options, destroy func()) *Device {
	return &Device{
		hal:     device,
		queue:   queue,
		info:    info,
		opts:    opts,
		destroy: destroy,
		nextCPU: 0x20000,
		nextGPU: 0x6f0000000000,
	}
}

// Info describes the adapter the device was opened from.
func (d *Device) Info() backend.AdapterInfo { return d.info }

func (d *Device) checkLive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return backend.ErrDeviceReleased
	}
	return nil
}

func (d *Device) removedErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return backend.ErrDeviceReleased
	}
	return d.removed
}

// fault removes the device and completes every fence so blocked waiters
// return.
func (d *Device) fault(err error) {
	d.mu.Lock()
	d.faults = append(d.faults, err)
	var fences []*fence
	if d.removed == nil {
		d.removed = fmt.Errorf("%w: %w", backend.ErrDeviceRemoved, err)
		fences = append(fences, d.fences...)
	}
	d.mu.Unlock()

	logx.L().Error("halgpu: device fault", "err", err)
	for _, f := range fences {
		f.Advance(math.MaxUint64)
	}
}

// Removed returns the removal reason, or nil while the device is healthy.
func (d *Device) Removed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// HighestRootSignatureVersion implements rootsig.VersionQuerier. Bind group
// layouts carry no volatility, so both versions map onto them.
func (d *Device) HighestRootSignatureVersion(requested rootsig.Version) (rootsig.Version, error) {
	if err := d.checkLive(); err != nil {
		return 0, err
	}
	return min(requested, rootsig.Version1_1), nil
}

// MultisampleQualityLevels reports one level for the sample counts WebGPU
// allows, 1 and 4.
func (d *Device) MultisampleQualityLevels(format backend.Format, samples uint32) (uint32, error) {
	if err := d.checkLive(); err != nil {
		return 0, err
	}
	if format == backend.FormatUnknown || (samples != 1 && samples != 4) {
		return 0, nil
	}
	return 1, nil
}

// DescriptorSlotSize returns DescriptorSlotSize.
func (d *Device) DescriptorSlotSize() uint64 { return DescriptorSlotSize }

// CopyableFootprints returns buffer footprints.
func (d *Device) CopyableFootprints(desc backend.ResourceDesc, first, num int, base uint64) ([]backend.CopyableLayout, uint64, error) {
	return backend.BufferFootprints(desc, first, num, base)
}

func bufferUsage(heap backend.HeapType) gputypes.BufferUsage {
	switch heap {
	case backend.HeapUpload:
		return gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	case backend.HeapReadback:
		return gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	default:
		return gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	}
}

// CreateCommittedResource creates a HAL buffer. Sizes are padded to four
// bytes, the copy alignment of the HAL.
func (d *Device) CreateCommittedResource(heap backend.HeapType, desc backend.ResourceDesc, initial backend.ResourceState, label string) (backend.Resource, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	if desc.Dimension != backend.DimensionBuffer {
		return nil, fmt.Errorf("halgpu: create %q: %w: %s resources", label, backend.ErrUnsupported, desc.Dimension)
	}
	if desc.Width == 0 || desc.Width > maxBufferSize {
		return nil, fmt.Errorf("halgpu: create %q: %w: width %d", label, backend.ErrInvalidDesc, desc.Width)
	}
	switch {
	case heap == backend.HeapUpload && initial != backend.StateGenericRead:
		return nil, fmt.Errorf("halgpu: create %q: %w: upload heap needs GenericRead, got %s", label, backend.ErrInvalidState, initial)
	case heap == backend.HeapReadback && initial != backend.StateCopyDest:
		return nil, fmt.Errorf("halgpu: create %q: %w: readback heap needs CopyDest, got %s", label, backend.ErrInvalidState, initial)
	case heap > backend.HeapReadback:
		return nil, fmt.Errorf("halgpu: create %q: %w: heap %s", label, backend.ErrInvalidDesc, heap)
	}
	if heap != backend.HeapDefault && desc.Flags&backend.ResourceFlagAllowUnorderedAccess != 0 {
		return nil, fmt.Errorf("halgpu: create %q: %w: unordered access on %s heap", label, backend.ErrInvalidDesc, heap)
	}

	size, err := backend.AlignUp(desc.Width, 4)
	if err != nil {
		return nil, fmt.Errorf("halgpu: create %q: %w", label, err)
	}
	buf, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: bufferUsage(heap),
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create %q: %w", label, err)
	}
	r := &resource{dev: d, label: label, desc: desc, heap: heap, initial: initial, buf: buf, size: size}
	if heap.Mappable() {
		r.shadow = make([]byte, size)
	}
	return r, nil
}

// CreateDescriptorHeap creates a descriptor heap. Descriptors are plain
// records; they become bind groups at submission.
func (d *Device) CreateDescriptorHeap(slots int, label string) (backend.DescriptorHeap, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("halgpu: heap %q: %w: %d slots", label, backend.ErrInvalidDesc, slots)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, backend.ErrDeviceReleased
	}
	size := uint64(slots) * DescriptorSlotSize
	h := &descriptorHeap{
		label: label,
		cpu:   d.nextCPU,
		gpu:   d.nextGPU,
		slots: make([]descriptor, slots),
	}
	d.nextCPU += size
	d.nextGPU += size
	d.heaps = append(d.heaps, h)
	return h, nil
}

func (d *Device) heapForCPU(h backend.CPUHandle) (*descriptorHeap, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, heap := range d.heaps {
		if i, ok := heap.index(h.Ptr, heap.cpu); ok {
			return heap, i, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: cpu %#x", backend.ErrInvalidHandle, h.Ptr)
}

// CreateShaderResourceView writes an SRV descriptor.
func (d *Device) CreateShaderResourceView(res backend.Resource, view backend.BufferView, dst backend.CPUHandle) error {
	return d.writeView(backend.ViewSRV, res, view, dst)
}

// CreateUnorderedAccessView writes a UAV descriptor.
func (d *Device) CreateUnorderedAccessView(res backend.Resource, view backend.BufferView, dst backend.CPUHandle) error {
	return d.writeView(backend.ViewUAV, res, view, dst)
}

func (d *Device) writeView(kind backend.ViewKind, res backend.Resource, view backend.BufferView, dst backend.CPUHandle) error {
	if err := d.checkLive(); err != nil {
		return err
	}
	r, ok := res.(*resource)
	if !ok || r == nil || r.dev != d {
		return fmt.Errorf("halgpu: %s view: %w: foreign resource", kind, backend.ErrInvalidDesc)
	}
	if view.StructureByteStride == 0 || view.NumElements == 0 {
		return fmt.Errorf("halgpu: %s view of %q: %w: empty view", kind, r.label, backend.ErrInvalidDesc)
	}
	if rng := view.ByteRange(); rng.End > r.desc.Width {
		return fmt.Errorf("halgpu: %s view of %q: %w: bytes [%d,%d) past width %d",
			kind, r.label, backend.ErrInvalidDesc, rng.Begin, rng.End, r.desc.Width)
	}
	if r.heap != backend.HeapDefault {
		return fmt.Errorf("halgpu: %s view of %q: %w: storage views need the default heap", kind, r.label, backend.ErrInvalidDesc)
	}
	if kind == backend.ViewUAV && r.desc.Flags&backend.ResourceFlagAllowUnorderedAccess == 0 {
		return fmt.Errorf("halgpu: UAV of %q: %w: resource lacks AllowUnorderedAccess", r.label, backend.ErrInvalidDesc)
	}
	heap, i, err := d.heapForCPU(dst)
	if err != nil {
		return err
	}
	heap.set(i, descriptor{kind: kind, res: r, view: view})
	return nil
}

// CreateRootSignature builds one bind group layout per descriptor table and
// a pipeline layout over them.
func (d *Device) CreateRootSignature(blob []byte, label string) (backend.RootSignature, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	l, err := rootsig.Deserialize(blob)
	if err != nil {
		return nil, fmt.Errorf("halgpu: root signature %q: %w", label, err)
	}
	var layout *rootsig.Desc1
	switch v := l.(type) {
	case *rootsig.Desc:
		layout = rootsig.Upgrade(v)
	case *rootsig.Desc1:
		layout = v
	}

	rs := &rootSignature{dev: d, label: label, layout: layout}
	for idx, p := range layout.Parameters {
		entries, err := layoutEntries(idx, p)
		if err != nil {
			rs.Release()
			return nil, fmt.Errorf("halgpu: root signature %q: %w", label, err)
		}
		bgl, err := d.hal.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("%s_table%d", label, idx),
			Entries: entries,
		})
		if err != nil {
			rs.Release()
			return nil, fmt.Errorf("halgpu: root signature %q: table %d: %w", label, idx, err)
		}
		rs.groups = append(rs.groups, bgl)
	}
	pl, err := d.hal.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: rs.groups,
	})
	if err != nil {
		rs.Release()
		return nil, fmt.Errorf("halgpu: root signature %q: pipeline layout: %w", label, err)
	}
	rs.pipelineLayout = pl
	return rs, nil
}

// layoutEntries maps the ranges of a descriptor table onto bindings
// numbered by descriptor offset from the table start.
func layoutEntries(idx int, p rootsig.Parameter1) ([]gputypes.BindGroupLayoutEntry, error) {
	if p.Type != rootsig.ParameterDescriptorTable {
		return nil, fmt.Errorf("%w: root parameter %d is a %s", backend.ErrUnsupported, idx, p.Type)
	}
	var entries []gputypes.BindGroupLayoutEntry
	err := walkRanges(p.Ranges, func(r rootsig.Range1, binding uint32) error {
		var t gputypes.BufferBindingType
		switch r.Type {
		case rootsig.RangeSRV:
			t = gputypes.BufferBindingTypeReadOnlyStorage
		case rootsig.RangeUAV:
			t = gputypes.BufferBindingTypeStorage
		case rootsig.RangeCBV:
			t = gputypes.BufferBindingTypeUniform
		default:
			return fmt.Errorf("%w: %s range in root parameter %d", backend.ErrUnsupported, r.Type, idx)
		}
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: t},
		})
		return nil
	})
	return entries, err
}

// walkRanges calls fn for every descriptor of a table with its offset from
// the table start.
func walkRanges(ranges []rootsig.Range1, fn func(r rootsig.Range1, offset uint32) error) error {
	var cursor uint32
	for _, r := range ranges {
		if r.NumDescriptors == math.MaxUint32 {
			return fmt.Errorf("%w: unbounded descriptor range", backend.ErrUnsupported)
		}
		off := r.OffsetInDescriptorsFromTableStart
		if off == rootsig.OffsetAppend {
			off = cursor
		}
		for k := range r.NumDescriptors {
			if err := fn(r, off+k); err != nil {
				return err
			}
		}
		cursor = off + r.NumDescriptors
	}
	return nil
}

// CreateComputePipeline creates a shader module from the kernel's SPIR-V
// and a compute pipeline over the root signature's layout.
func (d *Device) CreateComputePipeline(desc *backend.ComputePipelineDesc) (backend.PipelineState, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	if desc == nil || desc.Shader == nil || len(desc.Shader.SPIRV) == 0 {
		return nil, fmt.Errorf("halgpu: pipeline: %w: missing SPIR-V", backend.ErrInvalidDesc)
	}
	rs, ok := desc.RootSignature.(*rootSignature)
	if !ok || rs == nil || rs.dev != d {
		return nil, fmt.Errorf("halgpu: pipeline %q: %w: missing root signature", desc.Label, backend.ErrInvalidDesc)
	}

	module, err := d.hal.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: desc.Shader.SPIRV},
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: pipeline %q: shader module: %w", desc.Label, err)
	}
	p, err := d.hal.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: rs.pipelineLayout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: desc.Shader.EntryPoint,
		},
	})
	if err != nil {
		d.hal.DestroyShaderModule(module)
		return nil, fmt.Errorf("halgpu: pipeline %q: %w", desc.Label, err)
	}
	return &pipeline{dev: d, label: desc.Label, rs: rs, module: module, pipeline: p}, nil
}

// CreateCommandQueue starts a completion goroutine over the HAL queue.
func (d *Device) CreateCommandQueue(label string) (backend.CommandQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, backend.ErrDeviceReleased
	}
	q := newQueue(d, label)
	d.queues = append(d.queues, q)
	return q, nil
}

// CreateCommandAllocator creates an allocator.
func (d *Device) CreateCommandAllocator(label string) (backend.CommandAllocator, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	return &allocator{label: label}, nil
}

// CreateCommandList creates a list in the recording state.
func (d *Device) CreateCommandList(alloc backend.CommandAllocator, initial backend.PipelineState, label string) (backend.CommandList, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	a, ok := alloc.(*allocator)
	if !ok || a == nil {
		return nil, fmt.Errorf("halgpu: command list %q: %w: foreign allocator", label, backend.ErrInvalidDesc)
	}
	l := &commandList{dev: d, label: label}
	if err := l.Reset(a, initial); err != nil {
		return nil, err
	}
	return l, nil
}

// CreateFence creates a fence at initial.
func (d *Device) CreateFence(initial uint64, label string) (backend.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, backend.ErrDeviceReleased
	}
	f := &fence{Counter: timeline.NewCounter(initial), label: label}
	if d.removed != nil {
		f.Advance(math.MaxUint64)
	}
	d.fences = append(d.fences, f)
	return f, nil
}

// Release drains every queue and destroys the HAL device if the adapter
// opened it.
func (d *Device) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	queues := d.queues
	d.mu.Unlock()

	for _, q := range queues {
		q.Release()
	}
	if d.destroy != nil {
		d.destroy()
	}
}
