// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"fmt"
	"strings"
)

// HeapType selects the memory pool a committed resource lives in.
type HeapType uint8

const (
	// HeapDefault is device-local memory; not mappable.
	HeapDefault HeapType = iota

	// HeapUpload is host-writable, device-readable memory.
	HeapUpload

	// HeapReadback is device-writable, host-readable memory.
	HeapReadback
)

// String returns the heap name.
func (h HeapType) String() string {
	switch h {
	case HeapDefault:
		return "Default"
	case HeapUpload:
		return "Upload"
	case HeapReadback:
		return "Readback"
	default:
		return fmt.Sprintf("HeapType(%d)", h)
	}
}

// Mappable reports whether the host can map resources in this heap.
func (h HeapType) Mappable() bool { return h == HeapUpload || h == HeapReadback }

// ResourceState is a bit set of the ways a resource may currently be used.
type ResourceState uint32

const (
	StateCommon                  ResourceState = 0
	StateVertexAndConstantBuffer ResourceState = 0x1
	StateUnorderedAccess         ResourceState = 0x8
	StateNonPixelShaderResource  ResourceState = 0x40
	StatePixelShaderResource     ResourceState = 0x80
	StateCopyDest                ResourceState = 0x400
	StateCopySource              ResourceState = 0x800

	// StateGenericRead is the union of read-only states. Upload heap
	// resources are always in this state.
	StateGenericRead = StateVertexAndConstantBuffer | 0x2 | StateNonPixelShaderResource |
		StatePixelShaderResource | 0x200 | StateCopySource
)

var stateNames = []struct {
	s    ResourceState
	name string
}{
	{StateGenericRead, "GenericRead"},
	{StateVertexAndConstantBuffer, "VertexAndConstantBuffer"},
	{StateUnorderedAccess, "UnorderedAccess"},
	{StateNonPixelShaderResource, "NonPixelShaderResource"},
	{StatePixelShaderResource, "PixelShaderResource"},
	{StateCopyDest, "CopyDest"},
	{StateCopySource, "CopySource"},
}

// String returns the state names joined with "|".
func (s ResourceState) String() string {
	if s == StateCommon {
		return "Common"
	}
	var parts []string
	rest := s
	for _, n := range stateNames {
		if rest&n.s == n.s {
			parts = append(parts, n.name)
			rest &^= n.s
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Allows reports whether a resource in state s can be used as need.
func (s ResourceState) Allows(need ResourceState) bool {
	if need == StateCommon {
		return s == StateCommon
	}
	return s&need == need
}

// Dimension is the shape of a resource.
type Dimension uint8

const (
	DimensionBuffer Dimension = iota
	DimensionTexture2D
)

// String returns the dimension name.
func (d Dimension) String() string {
	switch d {
	case DimensionBuffer:
		return "Buffer"
	case DimensionTexture2D:
		return "Texture2D"
	default:
		return fmt.Sprintf("Dimension(%d)", d)
	}
}

// ResourceFlags are creation flags.
type ResourceFlags uint32

const (
	ResourceFlagNone                 ResourceFlags = 0
	ResourceFlagAllowUnorderedAccess ResourceFlags = 0x4
)

// ResourceDesc describes the shape of a resource.
type ResourceDesc struct {
	Dimension        Dimension
	Width            uint64
	Height           uint32
	DepthOrArraySize uint16
	MipLevels        uint16
	Flags            ResourceFlags
}

// BufferDesc returns the description of a linear buffer of size bytes.
func BufferDesc(size uint64, flags ResourceFlags) ResourceDesc {
	return ResourceDesc{
		Dimension:        DimensionBuffer,
		Width:            size,
		Height:           1,
		DepthOrArraySize: 1,
		MipLevels:        1,
		Flags:            flags,
	}
}

// Subresources returns the number of subresources of the resource.
func (d ResourceDesc) Subresources() int {
	if d.Dimension == DimensionBuffer {
		return 1
	}
	return int(max(d.MipLevels, 1)) * int(max(d.DepthOrArraySize, 1))
}

// Range is a byte range [Begin, End). A nil *Range means the whole resource.
type Range struct {
	Begin, End uint64
}

// Len returns the length of r.
func (r Range) Len() uint64 {
	if r.End < r.Begin {
		return 0
	}
	return r.End - r.Begin
}

// CPUHandle addresses a descriptor slot for writing.
type CPUHandle struct{ Ptr uint64 }

// Offset returns the handle index slots past h.
func (h CPUHandle) Offset(index int, slotSize uint64) CPUHandle {
	return CPUHandle{Ptr: h.Ptr + uint64(index)*slotSize}
}

// GPUHandle addresses a descriptor slot for binding.
type GPUHandle struct{ Ptr uint64 }

// Offset returns the handle index slots past h.
func (h GPUHandle) Offset(index int, slotSize uint64) GPUHandle {
	return GPUHandle{Ptr: h.Ptr + uint64(index)*slotSize}
}

// ViewKind is the access a descriptor grants.
type ViewKind uint8

const (
	ViewNone ViewKind = iota
	ViewSRV
	ViewUAV
)

// String returns the view kind name.
func (k ViewKind) String() string {
	switch k {
	case ViewSRV:
		return "SRV"
	case ViewUAV:
		return "UAV"
	default:
		return "None"
	}
}

// RequiredState returns the resource state a view of this kind needs
// during a dispatch.
func (k ViewKind) RequiredState() ResourceState {
	switch k {
	case ViewSRV:
		return StateNonPixelShaderResource
	case ViewUAV:
		return StateUnorderedAccess
	default:
		return StateCommon
	}
}

// BufferView describes a structured buffer view.
type BufferView struct {
	FirstElement        uint64
	NumElements         uint32
	StructureByteStride uint32
}

// ByteRange returns the bytes of the resource covered by v.
func (v BufferView) ByteRange() Range {
	begin := v.FirstElement * uint64(v.StructureByteStride)
	return Range{Begin: begin, End: begin + uint64(v.NumElements)*uint64(v.StructureByteStride)}
}

// Barrier is a resource state transition.
type Barrier struct {
	Resource Resource
	Before   ResourceState
	After    ResourceState
}

// Format is a pixel format, used only by capability queries.
type Format uint32

const (
	FormatUnknown        Format = 0
	FormatR8G8B8A8Unorm  Format = 28
	FormatB8G8R8A8Unorm  Format = 87
	FormatR32G32B32Float Format = 6
)

// AdapterInfo describes an adapter.
type AdapterInfo struct {
	Name     string
	Vendor   string
	Software bool
}

// Options configure device creation.
type Options struct {
	// Debug enables the validation layer, where the device supports one.
	Debug bool

	// Label names the device in logs.
	Label string

	// PreferSoftware selects the software adapter when no backend is named.
	PreferSoftware bool
}
