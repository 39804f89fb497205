// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpucompute

import (
	"context"
	"fmt"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/cmdrec"
	"github.com/gogpu/gpucompute/desctable"
	"github.com/gogpu/gpucompute/fence"
	"github.com/gogpu/gpucompute/internal/logx"
	"github.com/gogpu/gpucompute/rootsig"
	"github.com/gogpu/gpucompute/shader"
	"github.com/gogpu/gpucompute/staging"
	"github.com/gogpu/gpucompute/verify"

	// Register the built-in backends.
	_ "github.com/gogpu/gpucompute/backend/halgpu"
	_ "github.com/gogpu/gpucompute/backend/soft"
)

// Descriptor table slots.
const (
	slotInput  = 0
	slotOutput = 1
)

// Session owns every GPU object of the compute pipeline: device, queue,
// fence, root signature, pipeline, buffers, descriptor table and recorder.
// A Session is driven by one goroutine.
type Session struct {
	opts       options
	dev        backend.Device
	ownsDevice bool
	groups     uint32

	queue  backend.CommandQueue
	sync   *fence.Synchronizer
	rs     backend.RootSignature
	pso    backend.PipelineState
	table  *desctable.Table
	input  backend.Resource
	output backend.Resource
	rec    *cmdrec.Recorder

	data []int32
}

// Stage is a step of Run.
type Stage uint8

// Stages in execution order.
const (
	StageUpload Stage = iota
	StageDispatch
	StageReadback
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageUpload:
		return "Upload"
	case StageDispatch:
		return "Dispatch"
	case StageReadback:
		return "Readback"
	default:
		return "Unknown"
	}
}

// Result describes one Run.
type Result struct {
	// Output is the data read back from the GPU.
	Output []int32

	// Mismatches counts elements that differ from input+offset.
	Mismatches int

	// FenceValues are the values the upload, dispatch and readback waited on.
	FenceValues [3]uint64
}

// NewSession opens a device and builds the pipeline: layout, kernel,
// buffers and descriptors. The input data is 1..n.
func NewSession(opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Session{opts: o}
	if err := s.setup(); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	return s, nil
}

func (s *Session) setup() error {
	o := &s.opts
	if o.elements <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidElements, o.elements)
	}

	s.dev = o.device
	if s.dev == nil {
		dev, err := backend.Open(o.backend, backend.Options{
			Debug:          o.debug,
			Label:          "gpucompute",
			PreferSoftware: o.preferSoftware,
		})
		if err != nil {
			return fmt.Errorf("open device: %w", err)
		}
		s.dev = dev
		s.ownsDevice = true
	}
	info := s.dev.Info()
	logx.L().Info("gpucompute: adapter selected", "adapter", info.Name, "vendor", info.Vendor, "software", info.Software)

	msaa, err := s.dev.MultisampleQualityLevels(backend.FormatR8G8B8A8Unorm, 4)
	if err != nil {
		return fmt.Errorf("multisample query: %w", err)
	}
	logx.L().Debug("gpucompute: feature query", "msaaQuality", msaa)

	if err := s.buildPipeline(); err != nil {
		return err
	}
	if tpg := uint64(s.groups); uint64(o.elements)%tpg != 0 {
		return fmt.Errorf("%w: %d is not a multiple of %d threads per group", ErrInvalidElements, o.elements, tpg)
	}
	groups := uint64(o.elements) / uint64(s.groups)
	if groups > cmdrec.MaxDispatchGroups {
		return fmt.Errorf("%w: %d elements need %d groups", ErrInvalidElements, o.elements, groups)
	}
	s.groups = uint32(groups)

	if s.queue, err = s.dev.CreateCommandQueue("compute queue"); err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	if s.sync, err = fence.New(s.dev, s.queue, fence.WithTimeout(o.fenceTimeout), fence.WithLabel("compute fence")); err != nil {
		return err
	}
	if err := s.createBuffers(); err != nil {
		return err
	}
	if s.rec, err = cmdrec.New(s.dev, nil, "compute list"); err != nil {
		return err
	}
	s.rec.Track(s.input, backend.StateCopyDest)
	s.rec.Track(s.output, backend.StateUnorderedAccess)

	s.data = make([]int32, o.elements)
	for i := range s.data {
		s.data[i] = int32(i + 1)
	}
	return nil
}

// rootLayout is two descriptor tables: the read-only input at t0 and the
// read-write output at u0.
func rootLayout() *rootsig.Desc1 {
	return &rootsig.Desc1{
		Parameters: []rootsig.Parameter1{
			rootsig.Table(rootsig.VisibilityAll, rootsig.Range1{
				Type:                              rootsig.RangeSRV,
				NumDescriptors:                    1,
				BaseShaderRegister:                0,
				Flags:                             rootsig.RangeFlagDataStatic,
				OffsetInDescriptorsFromTableStart: rootsig.OffsetAppend,
			}),
			rootsig.Table(rootsig.VisibilityAll, rootsig.Range1{
				Type:                              rootsig.RangeUAV,
				NumDescriptors:                    1,
				BaseShaderRegister:                0,
				Flags:                             rootsig.RangeFlagDataVolatile,
				OffsetInDescriptorsFromTableStart: rootsig.OffsetAppend,
			}),
		},
	}
}

// buildPipeline compiles the root signature and the kernel. It leaves the
// kernel's threads per group in s.groups.
func (s *Session) buildPipeline() error {
	version := rootsig.NegotiateVersion(s.dev)
	blob, err := rootsig.Compile(rootLayout(), version)
	if err != nil {
		return err
	}
	if s.rs, err = s.dev.CreateRootSignature(blob, "compute root signature"); err != nil {
		return fmt.Errorf("create root signature: %w", err)
	}
	logx.L().Debug("gpucompute: root signature", "version", version, "bytes", len(blob))

	bc, err := shader.CompileKernel(shader.KernelEntryPoint, shader.DefaultTarget)
	if err != nil {
		return err
	}
	if s.pso, err = s.dev.CreateComputePipeline(&backend.ComputePipelineDesc{
		Label:         "compute pipeline",
		RootSignature: s.rs,
		Shader:        bc,
	}); err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	s.groups = bc.ThreadsPerGroup()
	return nil
}

func (s *Session) createBuffers() error {
	size := s.bufferSize()
	var err error
	if s.input, err = s.dev.CreateCommittedResource(backend.HeapDefault,
		backend.BufferDesc(size, backend.ResourceFlagNone), backend.StateCopyDest, "input buffer"); err != nil {
		return fmt.Errorf("create input buffer: %w", err)
	}
	if s.output, err = s.dev.CreateCommittedResource(backend.HeapDefault,
		backend.BufferDesc(size, backend.ResourceFlagAllowUnorderedAccess), backend.StateUnorderedAccess, "output buffer"); err != nil {
		return fmt.Errorf("create output buffer: %w", err)
	}

	if s.table, err = desctable.New(s.dev, 2, "compute descriptors"); err != nil {
		return err
	}
	view := backend.BufferView{NumElements: uint32(s.opts.elements), StructureByteStride: 4}
	if err := s.table.WriteSRV(slotInput, s.input, view); err != nil {
		return err
	}
	return s.table.WriteUAV(slotOutput, s.output, view)
}

func (s *Session) bufferSize() uint64 { return uint64(s.opts.elements) * 4 }

// Info describes the adapter the session runs on.
func (s *Session) Info() backend.AdapterInfo { return s.dev.Info() }

// Device returns the session's device.
func (s *Session) Device() backend.Device { return s.dev }

// Input returns the host input values.
func (s *Session) Input() []int32 { return s.data }

// Synchronizer returns the session's fence synchronizer.
func (s *Session) Synchronizer() *fence.Synchronizer { return s.sync }

// Run uploads the input, dispatches the kernel, reads the output back and
// verifies it. Each Run uses three new fence values.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if s.rec == nil {
		return nil, ErrSessionClosed
	}
	res := &Result{}
	if err := s.upload(ctx, res); err != nil {
		return nil, err
	}
	logx.L().Info("gpucompute: upload complete", "fence", res.FenceValues[0])
	s.progress(StageUpload, res.FenceValues[0])

	if err := s.dispatch(ctx, res); err != nil {
		return nil, err
	}
	logx.L().Info("gpucompute: dispatch complete", "fence", res.FenceValues[1], "groups", s.groups)
	s.progress(StageDispatch, res.FenceValues[1])

	if err := s.readback(ctx, res); err != nil {
		return nil, err
	}
	s.progress(StageReadback, res.FenceValues[2])
	s.reportValidation()

	res.Mismatches = verify.CountMismatches(s.data, res.Output, shader.AddOffset)
	if err := verify.Compare(s.data, res.Output, shader.AddOffset); err != nil {
		logx.L().Info("gpucompute: verification failed", "mismatches", res.Mismatches)
		return res, err
	}
	logx.L().Info("gpucompute: verification OK", "elements", len(res.Output))
	return res, nil
}

func (s *Session) progress(stage Stage, value uint64) {
	if s.opts.progress != nil {
		s.opts.progress(stage, value)
	}
}

// begin puts the recorder back into the recording state.
func (s *Session) begin() error {
	if s.rec.State() == cmdrec.StateRecording {
		if len(s.rec.Ops()) == 0 {
			return nil
		}
		// An earlier Run failed while recording. Its commands never reached
		// the queue, so close the list and drop them.
		logx.L().Debug("gpucompute: discarding partial recording", "ops", len(s.rec.Ops()))
		if err := s.rec.Close(); err != nil {
			logx.L().Debug("gpucompute: close partial recording", "err", err)
		}
	}
	return s.rec.Reset(nil)
}

// transition records a barrier to want unless res is already there.
func (s *Session) transition(res backend.Resource, want backend.ResourceState) error {
	cur := s.rec.Tracked(res)
	if cur == want {
		return nil
	}
	return s.rec.TransitionBarrier(res, cur, want)
}

// execute closes, submits and waits on the next fence value. retire, if not
// nil, is told the value before the wait.
func (s *Session) execute(ctx context.Context, retire func(backend.Fence, uint64)) (uint64, error) {
	if err := s.rec.Close(); err != nil {
		return 0, err
	}
	if err := s.sync.Submit(s.rec); err != nil {
		return 0, err
	}
	n := s.sync.LastSignaled() + 1
	if retire != nil {
		retire(s.sync.Fence(), n)
	}
	if err := s.sync.SyncTo(ctx, n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Session) upload(ctx context.Context, res *Result) error {
	if err := s.begin(); err != nil {
		return err
	}
	size := s.bufferSize()
	need, err := staging.RequiredSize(s.dev, s.input.Desc(), 0, 1)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	st, err := staging.NewStager(s.dev, need, "staging buffer")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	defer func() {
		if err := st.Release(); err != nil {
			logx.L().Warn("gpucompute: staging buffer leaked", "err", err)
		}
	}()

	if err := s.transition(s.input, backend.StateCopyDest); err != nil {
		return err
	}
	src := staging.SubresourceData{Data: verify.EncodeInt32s(s.data), RowPitch: size, SlicePitch: size}
	if _, err := st.Stage(staging.Context{Device: s.dev, List: s.rec}, s.input, src); err != nil {
		return err
	}
	if err := s.transition(s.input, backend.StateNonPixelShaderResource); err != nil {
		return err
	}
	res.FenceValues[0], err = s.execute(ctx, st.Retire)
	return err
}

func (s *Session) dispatch(ctx context.Context, res *Result) error {
	if err := s.begin(); err != nil {
		return err
	}
	in, err := s.table.AllocateSlot(slotInput)
	if err != nil {
		return err
	}
	out, err := s.table.AllocateSlot(slotOutput)
	if err != nil {
		return err
	}
	steps := []func() error{
		func() error { return s.rec.SetPipelineState(s.pso) },
		func() error { return s.rec.SetComputeRootSignature(s.rs) },
		func() error { return s.rec.SetDescriptorHeap(s.table) },
		func() error { return s.rec.BindTable(0, in) },
		func() error { return s.rec.BindTable(1, out) },
		func() error { return s.transition(s.output, backend.StateUnorderedAccess) },
		func() error { return s.rec.Dispatch(s.groups, 1, 1) },
		func() error { return s.transition(s.output, backend.StateCopySource) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	res.FenceValues[1], err = s.execute(ctx, nil)
	return err
}

func (s *Session) readback(ctx context.Context, res *Result) error {
	if err := s.begin(); err != nil {
		return err
	}
	out, err := verify.Readback(ctx, s.dev, s.rec, s.sync, s.output, s.bufferSize())
	if err != nil {
		return err
	}
	res.FenceValues[2] = s.sync.LastSignaled()
	if i := s.opts.corrupt; i >= 0 && i < len(out) {
		out[i] = ^out[i]
	}
	res.Output = out
	return nil
}

// reportValidation logs the messages of a debug validation layer.
func (s *Session) reportValidation() {
	v, ok := s.dev.(interface{ ValidationErrors() []error })
	if !ok || !s.opts.debug {
		return
	}
	for _, err := range v.ValidationErrors() {
		logx.L().Warn("gpucompute: validation", "err", err)
	}
}

// Close releases every object the session created, newest first. It waits
// for the last signaled fence value so nothing is freed while in use; if
// that wait fails the GPU objects are leaked instead. An owned device is
// released either way.
func (s *Session) Close() {
	idle := true
	if s.sync != nil && s.sync.LastSignaled() > 0 {
		if err := s.sync.SyncTo(context.Background(), s.sync.LastSignaled()); err != nil {
			logx.L().Warn("gpucompute: close: final wait failed, leaking GPU objects", "err", err)
			idle = false
		}
	}
	if idle {
		s.release()
	}
	if s.ownsDevice && s.dev != nil {
		s.dev.Release()
	}
	*s = Session{opts: s.opts}
}

func (s *Session) release() {
	if s.rec != nil {
		s.rec.Release()
	}
	if s.table != nil {
		s.table.Release()
	}
	for _, r := range []backend.Resource{s.output, s.input} {
		if r != nil {
			r.Release()
		}
	}
	if s.pso != nil {
		s.pso.Release()
	}
	if s.rs != nil {
		s.rs.Release()
	}
	if s.sync != nil {
		s.sync.Release()
	}
	if s.queue != nil {
		s.queue.Release()
	}
}
