// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package rootsig

import "fmt"

// Version identifies a root signature contract version.
// The numeric values match the driver's enumeration.
type Version uint32

const (
	// Version1_0 is the legacy contract without range or descriptor flags.
	Version1_0 Version = 0x1

	// Version1_1 adds volatility flags to ranges and root descriptors.
	Version1_1 Version = 0x2
)

// HighestKnown is the newest version this package can serialize.
const HighestKnown = Version1_1

// Known reports whether v is a version this package understands.
func (v Version) Known() bool {
	return v == Version1_0 || v == Version1_1
}

// String returns the dotted version name.
func (v Version) String() string {
	switch v {
	case Version1_0:
		return "1.0"
	case Version1_1:
		return "1.1"
	default:
		return fmt.Sprintf("Version(0x%x)", uint32(v))
	}
}

// RangeType is the kind of view a descriptor range holds.
type RangeType uint32

const (
	RangeSRV RangeType = iota
	RangeUAV
	RangeCBV
	RangeSampler
)

// String returns the range type name.
func (t RangeType) String() string {
	switch t {
	case RangeSRV:
		return "SRV"
	case RangeUAV:
		return "UAV"
	case RangeCBV:
		return "CBV"
	case RangeSampler:
		return "Sampler"
	default:
		return fmt.Sprintf("RangeType(%d)", uint32(t))
	}
}

func (t RangeType) valid() bool { return t <= RangeSampler }

// ParameterType is the kind of root parameter.
type ParameterType uint32

const (
	ParameterDescriptorTable ParameterType = iota
	ParameterConstants32Bit
	ParameterCBV
	ParameterSRV
	ParameterUAV
)

// String returns the parameter type name.
func (t ParameterType) String() string {
	switch t {
	case ParameterDescriptorTable:
		return "DescriptorTable"
	case ParameterConstants32Bit:
		return "Constants32Bit"
	case ParameterCBV:
		return "CBV"
	case ParameterSRV:
		return "SRV"
	case ParameterUAV:
		return "UAV"
	default:
		return fmt.Sprintf("ParameterType(%d)", uint32(t))
	}
}

func (t ParameterType) valid() bool { return t <= ParameterUAV }

func (t ParameterType) isDescriptor() bool {
	return t == ParameterCBV || t == ParameterSRV || t == ParameterUAV
}

// Visibility selects which shader stages can see a parameter.
type Visibility uint32

const (
	VisibilityAll Visibility = iota
	VisibilityVertex
	VisibilityHull
	VisibilityDomain
	VisibilityGeometry
	VisibilityPixel
	VisibilityAmplification
	VisibilityMesh
)

func (v Visibility) valid() bool { return v <= VisibilityMesh }

// RangeFlags describe descriptor and data volatility of a 1.1 range.
type RangeFlags uint32

const (
	RangeFlagNone                                       RangeFlags = 0
	RangeFlagDescriptorsVolatile                        RangeFlags = 0x1
	RangeFlagDataVolatile                               RangeFlags = 0x2
	RangeFlagDataStaticWhileSetAtExecute                RangeFlags = 0x4
	RangeFlagDataStatic                                 RangeFlags = 0x8
	RangeFlagDescriptorsStaticKeepingBufferBoundsChecks RangeFlags = 0x10000
)

const rangeDataMask = RangeFlagDataVolatile | RangeFlagDataStaticWhileSetAtExecute | RangeFlagDataStatic

// DescriptorFlags describe data volatility of a 1.1 root descriptor.
type DescriptorFlags uint32

const (
	DescriptorFlagNone                        DescriptorFlags = 0
	DescriptorFlagDataVolatile                DescriptorFlags = 0x2
	DescriptorFlagDataStaticWhileSetAtExecute DescriptorFlags = 0x4
	DescriptorFlagDataStatic                  DescriptorFlags = 0x8
)

// Flags are layout-wide flags.
type Flags uint32

const (
	FlagNone                           Flags = 0
	FlagAllowInputAssemblerInputLayout Flags = 0x1
	FlagDenyVertexShaderRootAccess     Flags = 0x2
	FlagDenyHullShaderRootAccess       Flags = 0x4
	FlagDenyDomainShaderRootAccess     Flags = 0x8
	FlagDenyGeometryShaderRootAccess   Flags = 0x10
	FlagDenyPixelShaderRootAccess      Flags = 0x20
	FlagAllowStreamOutput              Flags = 0x40
)

// OffsetAppend places a range directly after the previous one in its table.
const OffsetAppend uint32 = 0xffffffff

// Range is a 1.0 descriptor range.
type Range struct {
	Type                              RangeType
	NumDescriptors                    uint32
	BaseShaderRegister                uint32
	RegisterSpace                     uint32
	OffsetInDescriptorsFromTableStart uint32
}

// Range1 is a 1.1 descriptor range.
type Range1 struct {
	Type                              RangeType
	NumDescriptors                    uint32
	BaseShaderRegister                uint32
	RegisterSpace                     uint32
	Flags                             RangeFlags
	OffsetInDescriptorsFromTableStart uint32
}

// Constants are inline 32-bit root constants.
type Constants struct {
	ShaderRegister uint32
	RegisterSpace  uint32
	Num32BitValues uint32
}

// Descriptor is a 1.0 root descriptor.
type Descriptor struct {
	ShaderRegister uint32
	RegisterSpace  uint32
}

// Descriptor1 is a 1.1 root descriptor.
type Descriptor1 struct {
	ShaderRegister uint32
	RegisterSpace  uint32
	Flags          DescriptorFlags
}

// Parameter is a 1.0 root parameter. Only the field matching Type is used.
type Parameter struct {
	Type       ParameterType
	Visibility Visibility
	Ranges     []Range
	Constants  Constants
	Descriptor Descriptor
}

// Parameter1 is a 1.1 root parameter. Only the field matching Type is used.
type Parameter1 struct {
	Type       ParameterType
	Visibility Visibility
	Ranges     []Range1
	Constants  Constants
	Descriptor Descriptor1
}

// StaticSampler is a sampler baked into the layout. It is identical in both
// versions.
type StaticSampler struct {
	Filter         uint32
	AddressU       uint32
	AddressV       uint32
	AddressW       uint32
	MipLODBias     float32
	MaxAnisotropy  uint32
	ComparisonFunc uint32
	BorderColor    uint32
	MinLOD         float32
	MaxLOD         float32
	ShaderRegister uint32
	RegisterSpace  uint32
	Visibility     Visibility
}

// Layout is a root signature description of either version.
// It is implemented only by *Desc and *Desc1.
type Layout interface {
	Version() Version
	isLayout()
}

// Desc is a 1.0 root signature description.
type Desc struct {
	Parameters     []Parameter
	StaticSamplers []StaticSampler
	Flags          Flags
}

// Desc1 is a 1.1 root signature description.
type Desc1 struct {
	Parameters     []Parameter1
	StaticSamplers []StaticSampler
	Flags          Flags
}

// Version returns Version1_0.
func (*Desc) Version() Version { return Version1_0 }

// Version returns Version1_1.
func (*Desc1) Version() Version { return Version1_1 }

func (*Desc) isLayout()  {}
func (*Desc1) isLayout() {}

// Table returns a 1.1 descriptor-table parameter holding the given ranges.
func Table(vis Visibility, ranges ...Range1) Parameter1 {
	return Parameter1{Type: ParameterDescriptorTable, Visibility: vis, Ranges: ranges}
}

// LegacyTable returns a 1.0 descriptor-table parameter holding the given ranges.
func LegacyTable(vis Visibility, ranges ...Range) Parameter {
	return Parameter{Type: ParameterDescriptorTable, Visibility: vis, Ranges: ranges}
}
