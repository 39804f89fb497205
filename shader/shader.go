// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package shader compiles compute kernels for the devices in backend.
//
// Kernels are written in WGSL. naga lowers them to IR once and emits HLSL for
// the requested shader model and entry point, plus SPIR-V words for
// Vulkan-class devices.
package shader

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/hlsl"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"

	"github.com/gogpu/gpucompute/internal/cache"
	"github.com/gogpu/gpucompute/internal/logx"
)

//go:embed kernels/add.wgsl
var addKernelSource string

const (
	// KernelEntryPoint is the entry point of the embedded kernel.
	KernelEntryPoint = "CSMain"

	// DefaultTarget is the target profile the pipeline is built for.
	DefaultTarget = "cs_5_0"

	// AddOffset is the constant the embedded kernel adds to each element.
	AddOffset = 10
)

var (
	// ErrEntryPointNotFound is returned when the source has no compute entry
	// point with the requested name.
	ErrEntryPointNotFound = errors.New("shader: entry point not found")

	// ErrInvalidTarget is returned for malformed or non-compute target strings.
	ErrInvalidTarget = errors.New("shader: invalid target")
)

// CompileError carries the compiler's diagnostic text.
type CompileError struct {
	Stage string
	Err   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("shader: %s: %v", e.Stage, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Bytecode is a compiled compute kernel.
type Bytecode struct {
	EntryPoint string
	Target     Target

	// WorkgroupSize is the thread count per group declared by the kernel.
	WorkgroupSize [3]uint32

	// HLSL is the generated source for Target.
	HLSL string

	// SPIRV holds little-endian SPIR-V words.
	SPIRV []uint32
}

// ThreadsPerGroup returns the product of the workgroup dimensions.
func (b *Bytecode) ThreadsPerGroup() uint32 {
	return b.WorkgroupSize[0] * b.WorkgroupSize[1] * b.WorkgroupSize[2]
}

// KernelSource returns the embedded WGSL kernel.
func KernelSource() string { return addKernelSource }

// CompileKernel compiles the embedded kernel.
func CompileKernel(entryPoint, target string) (*Bytecode, error) {
	return Compile(addKernelSource, entryPoint, target)
}

// Compile compiles WGSL source for one compute entry point and target
// profile such as "cs_5_0". Results are cached, so the returned Bytecode is
// shared and must not be modified.
func Compile(source, entryPoint, target string) (*Bytecode, error) {
	key := compileKey{source: source, entryPoint: entryPoint, target: target}
	if bc, ok := compiled.Get(key); ok {
		return bc, nil
	}
	bc, err := compile(source, entryPoint, target)
	if err != nil {
		return nil, err
	}
	compiled.Set(key, bc)
	return bc, nil
}

// compileKey identifies a compilation. Sources are short kernels, so the
// text itself is the key.
type compileKey struct {
	source, entryPoint, target string
}

// compiled holds successful compilations. Failures are not cached.
var compiled = cache.New[compileKey, *Bytecode](32)

// CacheStats reports the compilation cache.
func CacheStats() cache.Stats { return compiled.Stats() }

func compile(source, entryPoint, target string) (*Bytecode, error) {
	tgt, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}

	ast, err := naga.Parse(source)
	if err != nil {
		return nil, &CompileError{Stage: "parse", Err: err}
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, &CompileError{Stage: "lower", Err: err}
	}
	verrs, err := naga.Validate(module)
	if err != nil {
		return nil, &CompileError{Stage: "validate", Err: err}
	}
	if len(verrs) > 0 {
		return nil, &CompileError{Stage: "validate", Err: &verrs[0]}
	}

	ep, ok := findEntryPoint(module, entryPoint)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryPointNotFound, entryPoint)
	}

	opts := hlsl.DefaultOptions()
	opts.ShaderModel = tgt.Model
	opts.EntryPoint = entryPoint
	opts.BindingMap[hlsl.ResourceBinding{Group: 0, Binding: 0}] = hlsl.BindTarget{Register: 0}
	opts.BindingMap[hlsl.ResourceBinding{Group: 1, Binding: 0}] = hlsl.BindTarget{Register: 0}
	code, info, err := hlsl.Compile(module, opts)
	if err != nil {
		return nil, &CompileError{Stage: "hlsl", Err: err}
	}
	if info != nil && info.RequiredShaderModel > tgt.Model {
		return nil, &CompileError{
			Stage: "hlsl",
			Err:   fmt.Errorf("kernel needs shader model %s, target is %s", info.RequiredShaderModel, tgt.Model),
		}
	}

	spirvBytes, err := naga.GenerateSPIRV(module, spirv.Options{Version: spirv.Version1_3})
	if err != nil {
		return nil, &CompileError{Stage: "spirv", Err: err}
	}

	bc := &Bytecode{
		EntryPoint:    entryPoint,
		Target:        tgt,
		WorkgroupSize: ep.Workgroup,
		HLSL:          code,
		SPIRV:         spirvWords(spirvBytes),
	}
	for i := range bc.WorkgroupSize {
		if bc.WorkgroupSize[i] == 0 {
			bc.WorkgroupSize[i] = 1
		}
	}
	logx.L().Debug("shader: compiled kernel",
		"entry", entryPoint, "target", tgt, "workgroup", bc.WorkgroupSize,
		"hlsl_bytes", len(code), "spirv_words", len(bc.SPIRV))
	return bc, nil
}

func findEntryPoint(m *ir.Module, name string) (ir.EntryPoint, bool) {
	for _, ep := range m.EntryPoints {
		if ep.Name == name && ep.Stage == ir.StageCompute {
			return ep, true
		}
	}
	return ir.EntryPoint{}, false
}

// spirvWords converts SPIR-V bytes to little-endian 32-bit words.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words
}
