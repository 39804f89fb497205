// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package soft implements backend.Device in process.
//
// Each command queue runs its own GPU timeline goroutine, so submitted
// work really is asynchronous to the host: a fence only reaches a value
// once the goroutine has executed everything queued before the signal.
// The device tracks the actual state of every resource on that timeline
// and, with backend.Options.Debug set, reports state violations through
// ValidationErrors. Faults that would corrupt memory on real hardware
// (using a released resource, out-of-bounds copies) remove the device.
//
// Kernels are Go functions looked up by entry point name; see RegisterKernel.
package soft

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/internal/logx"
	"github.com/gogpu/gpucompute/internal/parallel"
	"github.com/gogpu/gpucompute/internal/timeline"
	"github.com/gogpu/gpucompute/rootsig"
)

// DefaultDescriptorSlotSize is the descriptor stride reported by default.
const DefaultDescriptorSlotSize = 32

// maxResourceSize bounds committed resources.
const maxResourceSize = 1 << 31

// maxDispatchGroups is the per-dimension dispatch limit.
const maxDispatchGroups = 65535

func init() {
	backend.Register(backend.BackendSoft, func() (backend.Adapter, error) {
		return NewAdapter(), nil
	})
}

// Option configures the software adapter.
type Option func(*config)

type config struct {
	name             string
	maxVersion       rootsig.Version
	failVersionQuery bool
	slotSize         uint64
	latency          time.Duration
	workers          int
}

func defaultConfig() config {
	return config{
		name:       "Soft Basic Render Driver",
		maxVersion: rootsig.Version1_1,
		slotSize:   DefaultDescriptorSlotSize,
	}
}

// WithMaxRootSignatureVersion sets the highest root signature version the
// device accepts.
func WithMaxRootSignatureVersion(v rootsig.Version) Option {
	return func(c *config) { c.maxVersion = v }
}

// WithFailingVersionQuery makes the root signature version query fail.
func WithFailingVersionQuery() Option {
	return func(c *config) { c.failVersionQuery = true }
}

// WithDescriptorSlotSize sets the reported descriptor stride.
func WithDescriptorSlotSize(n uint64) Option {
	return func(c *config) { c.slotSize = n }
}

// WithLatency delays every submission on the GPU timeline by d.
func WithLatency(d time.Duration) Option {
	return func(c *config) { c.latency = d }
}

// WithWorkers sets how many goroutines execute thread groups. Zero, the
// default, uses GOMAXPROCS; one runs every group on the queue goroutine.
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithName sets the adapter name.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// Adapter is the software adapter.
type Adapter struct {
	cfg config
}

// NewAdapter returns a software adapter.
func NewAdapter(opts ...Option) *Adapter {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Adapter{cfg: cfg}
}

// Info describes the adapter.
func (a *Adapter) Info() backend.AdapterInfo {
	return backend.AdapterInfo{Name: a.cfg.name, Vendor: "gogpu", Software: true}
}

// Open creates a device.
func (a *Adapter) Open(opts backend.Options) (backend.Device, error) {
	return newDevice(a.cfg, opts), nil
}

// NewDevice creates a device directly, for callers that need the
// software-only methods.
func NewDevice(opts backend.Options, o ...Option) *Device {
	return newDevice(NewAdapter(o...).cfg, opts)
}

// Device is the software device.
type Device struct {
	cfg  config
	opts backend.Options

	mu         sync.Mutex
	released   bool
	removed    error
	validation []error
	heaps      []*descriptorHeap
	fences     []*fence
	queues     []*queue
	nextCPU    uint64
	nextGPU    uint64

	gateMu sync.Mutex
	gate   *sync.Cond
	paused bool

	submissions atomic.Uint64

	// groups runs the thread groups of a dispatch.
	groups *parallel.Pool
}

var _ backend.Device = (*Device)(nil)

func newDevice(cfg config, opts backend.Options) *Device {
	d := &Device{
		cfg:     cfg,
		opts:    opts,
		nextCPU: 0x10000,
		nextGPU: 0x7f0000000000,
		groups:  parallel.NewPool(cfg.workers),
	}
	d.gate = sync.NewCond(&d.gateMu)
	logx.L().Info("soft: device created", "adapter", cfg.name, "debug", opts.Debug)
	return d
}

// Info describes the adapter the device was opened from.
func (d *Device) Info() backend.AdapterInfo {
	return backend.AdapterInfo{Name: d.cfg.name, Vendor: "gogpu", Software: true}
}

func (d *Device) checkLive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return backend.ErrDeviceReleased
	}
	return nil
}

// fault records a GPU-side error. Fatal faults remove the device and
// complete every fence so that blocked waiters return.
func (d *Device) fault(err error, fatal bool) {
	d.mu.Lock()
	if d.opts.Debug || fatal {
		d.validation = append(d.validation, err)
	}
	var fences []*fence
	if fatal && d.removed == nil {
		d.removed = fmt.Errorf("%w: %w", backend.ErrDeviceRemoved, err)
		fences = append(fences, d.fences...)
	}
	d.mu.Unlock()

	if fatal {
		logx.L().Error("soft: device fault", "err", err)
	} else {
		logx.L().Warn("soft: validation", "err", err)
	}
	for _, f := range fences {
		f.Advance(math.MaxUint64)
	}
}

// ValidationErrors returns the errors reported on the GPU timeline.
// Non-fatal errors are only collected with backend.Options.Debug.
func (d *Device) ValidationErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.validation...)
}

// Removed returns the removal reason, or nil while the device is healthy.
func (d *Device) Removed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// Submissions returns the number of ExecuteCommandLists calls accepted.
func (d *Device) Submissions() uint64 { return d.submissions.Load() }

// PauseQueues stops every queue timeline before its next item.
// Submissions are still accepted.
func (d *Device) PauseQueues() {
	d.gateMu.Lock()
	d.paused = true
	d.gateMu.Unlock()
}

// ResumeQueues lets paused timelines continue.
func (d *Device) ResumeQueues() {
	d.gateMu.Lock()
	d.paused = false
	d.gateMu.Unlock()
	d.gate.Broadcast()
}

func (d *Device) waitGate() {
	d.gateMu.Lock()
	for d.paused {
		d.gate.Wait()
	}
	d.gateMu.Unlock()
}

// HighestRootSignatureVersion implements rootsig.VersionQuerier.
func (d *Device) HighestRootSignatureVersion(requested rootsig.Version) (rootsig.Version, error) {
	if d.cfg.failVersionQuery {
		return 0, fmt.Errorf("%w: root signature version query", backend.ErrUnsupported)
	}
	if requested < d.cfg.maxVersion {
		return requested, nil
	}
	return d.cfg.maxVersion, nil
}

// MultisampleQualityLevels reports one quality level for 1x and 4x.
func (d *Device) MultisampleQualityLevels(format backend.Format, samples uint32) (uint32, error) {
	if err := d.checkLive(); err != nil {
		return 0, err
	}
	if format == backend.FormatUnknown {
		return 0, nil
	}
	switch samples {
	case 1, 4:
		return 1, nil
	default:
		return 0, nil
	}
}

// DescriptorSlotSize returns the descriptor stride.
func (d *Device) DescriptorSlotSize() uint64 { return d.cfg.slotSize }

// CopyableFootprints returns buffer footprints.
func (d *Device) CopyableFootprints(desc backend.ResourceDesc, first, num int, base uint64) ([]backend.CopyableLayout, uint64, error) {
	return backend.BufferFootprints(desc, first, num, base)
}

// CreateCommittedResource creates a buffer on the given heap.
func (d *Device) CreateCommittedResource(heap backend.HeapType, desc backend.ResourceDesc, initial backend.ResourceState, label string) (backend.Resource, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	if desc.Dimension != backend.DimensionBuffer {
		return nil, fmt.Errorf("soft: create %q: %w: %s resources", label, backend.ErrUnsupported, desc.Dimension)
	}
	if desc.Width == 0 || desc.Width > maxResourceSize {
		return nil, fmt.Errorf("soft: create %q: %w: width %d", label, backend.ErrInvalidDesc, desc.Width)
	}
	switch heap {
	case backend.HeapUpload:
		if initial != backend.StateGenericRead {
			return nil, fmt.Errorf("soft: create %q: %w: upload heap needs GenericRead, got %s", label, backend.ErrInvalidState, initial)
		}
	case backend.HeapReadback:
		if initial != backend.StateCopyDest {
			return nil, fmt.Errorf("soft: create %q: %w: readback heap needs CopyDest, got %s", label, backend.ErrInvalidState, initial)
		}
	case backend.HeapDefault:
	default:
		return nil, fmt.Errorf("soft: create %q: %w: heap %s", label, backend.ErrInvalidDesc, heap)
	}
	if heap != backend.HeapDefault && desc.Flags&backend.ResourceFlagAllowUnorderedAccess != 0 {
		return nil, fmt.Errorf("soft: create %q: %w: unordered access on %s heap", label, backend.ErrInvalidDesc, heap)
	}
	return &resource{
		dev:     d,
		label:   label,
		desc:    desc,
		heap:    heap,
		initial: initial,
		state:   initial,
		data:    make([]byte, desc.Width),
	}, nil
}

// CreateDescriptorHeap creates a shader-visible descriptor heap.
func (d *Device) CreateDescriptorHeap(slots int, label string) (backend.DescriptorHeap, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("soft: heap %q: %w: %d slots", label, backend.ErrInvalidDesc, slots)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, backend.ErrDeviceReleased
	}
	size := uint64(slots) * d.cfg.slotSize
	h := &descriptorHeap{
		dev:   d,
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

// heapForCPU resolves a CPU handle to a heap and slot index.
func (d *Device) heapForCPU(h backend.CPUHandle) (*descriptorHeap, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, heap := range d.heaps {
		if i, ok := heap.index(h.Ptr, heap.cpu, d.cfg.slotSize); ok {
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
		return fmt.Errorf("soft: %s view: %w: foreign resource", kind, backend.ErrInvalidDesc)
	}
	if view.StructureByteStride == 0 || view.NumElements == 0 {
		return fmt.Errorf("soft: %s view of %q: %w: empty view", kind, r.label, backend.ErrInvalidDesc)
	}
	if rng := view.ByteRange(); rng.End > r.desc.Width {
		return fmt.Errorf("soft: %s view of %q: %w: bytes [%d,%d) past width %d",
			kind, r.label, backend.ErrInvalidDesc, rng.Begin, rng.End, r.desc.Width)
	}
	if kind == backend.ViewUAV && r.desc.Flags&backend.ResourceFlagAllowUnorderedAccess == 0 {
		return fmt.Errorf("soft: UAV of %q: %w: resource lacks AllowUnorderedAccess", r.label, backend.ErrInvalidDesc)
	}
	heap, i, err := d.heapForCPU(dst)
	if err != nil {
		return err
	}
	heap.mu.Lock()
	inflight := heap.inflight
	heap.slots[i] = descriptor{kind: kind, res: r, view: view}
	heap.mu.Unlock()
	if inflight > 0 {
		d.fault(fmt.Errorf("descriptor %d of heap %q rewritten while in use by the GPU", i, heap.label), false)
	}
	return nil
}

// CreateRootSignature decodes a serialized root signature.
func (d *Device) CreateRootSignature(blob []byte, label string) (backend.RootSignature, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	l, err := rootsig.Deserialize(blob)
	if err != nil {
		return nil, fmt.Errorf("soft: root signature %q: %w", label, err)
	}
	if l.Version() > d.cfg.maxVersion {
		return nil, fmt.Errorf("soft: root signature %q: %w: version %s", label, backend.ErrUnsupported, l.Version())
	}
	rs := &rootSignature{label: label, version: l.Version()}
	switch v := l.(type) {
	case *rootsig.Desc:
		rs.layout = rootsig.Upgrade(v)
	case *rootsig.Desc1:
		rs.layout = v
	}
	return rs, nil
}

// CreateComputePipeline binds a kernel to a root signature.
func (d *Device) CreateComputePipeline(desc *backend.ComputePipelineDesc) (backend.PipelineState, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	if desc == nil || desc.Shader == nil {
		return nil, fmt.Errorf("soft: pipeline: %w: missing shader", backend.ErrInvalidDesc)
	}
	rs, ok := desc.RootSignature.(*rootSignature)
	if !ok || rs == nil {
		return nil, fmt.Errorf("soft: pipeline %q: %w: missing root signature", desc.Label, backend.ErrInvalidDesc)
	}
	k, ok := lookupKernel(desc.Shader.EntryPoint)
	if !ok {
		return nil, fmt.Errorf("soft: pipeline %q: %w: no kernel for entry point %q",
			desc.Label, backend.ErrUnsupported, desc.Shader.EntryPoint)
	}
	group := desc.Shader.WorkgroupSize
	for i := range group {
		if group[i] == 0 {
			group[i] = 1
		}
	}
	return &pipeline{label: desc.Label, rs: rs, kernel: k, group: group, entry: desc.Shader.EntryPoint}, nil
}

// CreateCommandQueue starts a queue timeline.
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
	return &allocator{dev: d, label: label}, nil
}

// CreateCommandList creates a list in the recording state.
func (d *Device) CreateCommandList(alloc backend.CommandAllocator, initial backend.PipelineState, label string) (backend.CommandList, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	a, ok := alloc.(*allocator)
	if !ok || a == nil {
		return nil, fmt.Errorf("soft: command list %q: %w: foreign allocator", label, backend.ErrInvalidDesc)
	}
	l := &commandList{dev: d, label: label}
	if err := l.begin(a, initial); err != nil {
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

// Release drains and stops every queue timeline.
func (d *Device) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	queues := d.queues
	d.mu.Unlock()

	d.ResumeQueues()
	for _, q := range queues {
		q.Release()
	}
	d.groups.Close()
}

func (d *Device) removedErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return backend.ErrDeviceReleased
	}
	return d.removed
}
