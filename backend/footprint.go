// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"fmt"
	"math"
)

const (
	// TextureDataPitchAlignment is the row pitch alignment of placed footprints.
	TextureDataPitchAlignment = 256

	// TextureDataPlacementAlignment is the offset alignment of placed footprints.
	TextureDataPlacementAlignment = 512
)

// SubresourceFootprint is the shape of one subresource in a copy buffer.
type SubresourceFootprint struct {
	Width    uint64
	Height   uint32
	Depth    uint32
	RowPitch uint64
}

// CopyableLayout places one subresource inside a copy buffer.
type CopyableLayout struct {
	Offset         uint64
	Footprint      SubresourceFootprint
	NumRows        uint32
	RowSizeInBytes uint64
}

// SlicePitch returns the distance between depth slices of the layout.
func (l CopyableLayout) SlicePitch() uint64 {
	return l.Footprint.RowPitch * uint64(l.NumRows)
}

// AlignUp rounds v up to a multiple of align (a power of two).
func AlignUp(v, align uint64) (uint64, error) {
	if v > math.MaxUint64-(align-1) {
		return 0, fmt.Errorf("%w: align %d to %d", ErrOverflow, v, align)
	}
	return (v + align - 1) &^ (align - 1), nil
}

// BufferFootprints computes copyable layouts for a linear buffer. A buffer
// has exactly one subresource, one row of Width bytes.
func BufferFootprints(desc ResourceDesc, first, num int, base uint64) ([]CopyableLayout, uint64, error) {
	if desc.Dimension != DimensionBuffer {
		return nil, 0, fmt.Errorf("%w: footprints for %s resources", ErrUnsupported, desc.Dimension)
	}
	if num == 0 {
		return nil, 0, nil
	}
	if first != 0 || num != 1 {
		return nil, 0, fmt.Errorf("%w: buffer subresources [%d,%d)", ErrInvalidDesc, first, first+num)
	}
	offset, err := AlignUp(base, TextureDataPlacementAlignment)
	if err != nil {
		return nil, 0, err
	}
	pitch, err := AlignUp(desc.Width, TextureDataPitchAlignment)
	if err != nil {
		return nil, 0, err
	}
	return []CopyableLayout{{
		Offset: offset,
		Footprint: SubresourceFootprint{
			Width:    desc.Width,
			Height:   1,
			Depth:    1,
			RowPitch: pitch,
		},
		NumRows:        1,
		RowSizeInBytes: desc.Width,
	}}, desc.Width, nil
}
