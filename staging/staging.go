// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package staging moves host data into GPU-local buffers through an
// upload-heap intermediate: the data is written into the intermediate at
// the placed footprint the device reports, then a copy into the
// destination is recorded.
package staging

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/internal/logx"
)

var (
	// ErrOverflow is returned when a size computation overflows.
	ErrOverflow = errors.New("staging: size overflow")

	// ErrOutOfRange is returned when a row copy would leave its buffer.
	ErrOutOfRange = errors.New("staging: copy out of range")

	// ErrStagingTooSmall is returned when the intermediate buffer cannot
	// hold the placed data.
	ErrStagingTooSmall = errors.New("staging: intermediate buffer too small")

	// ErrInvalidIntermediate is returned when the intermediate is not an
	// upload-heap buffer.
	ErrInvalidIntermediate = errors.New("staging: intermediate must be an upload-heap buffer")

	// ErrBufferSubresources is returned when a buffer destination is
	// addressed as anything but its single subresource.
	ErrBufferSubresources = errors.New("staging: buffer destination has exactly one subresource")

	// ErrUnsupportedDestination is returned for texture destinations.
	ErrUnsupportedDestination = errors.New("staging: unsupported destination")

	// ErrSourceCount is returned when fewer source blocks than subresources are given.
	ErrSourceCount = errors.New("staging: not enough source data")

	// ErrStagingInFlight is returned when releasing a staging buffer the
	// GPU may still read.
	ErrStagingInFlight = errors.New("staging: buffer in use by the GPU")

	// ErrNotRetired is returned when releasing a staging buffer whose copy
	// was never tied to a fence value.
	ErrNotRetired = errors.New("staging: recorded copy was never retired")
)

// SubresourceData is host data for one subresource.
type SubresourceData struct {
	Data       []byte
	RowPitch   uint64
	SlicePitch uint64
}

// Footprinter computes placed footprints; backend.Device implements it.
type Footprinter interface {
	CopyableFootprints(desc backend.ResourceDesc, first, num int, base uint64) ([]backend.CopyableLayout, uint64, error)
}

// Copier records a buffer copy; *cmdrec.Recorder implements it.
type Copier interface {
	CopyBufferRegion(dst backend.Resource, dstOffset uint64, src backend.Resource, srcOffset, size uint64) error
}

// Context is what an upload needs: a device for footprints and a
// recorder for the copy.
type Context struct {
	Device Footprinter
	List   Copier
}

// RequiredSize returns the intermediate size needed to upload subresources
// [first, first+num) of desc.
func RequiredSize(dev Footprinter, desc backend.ResourceDesc, first, num int) (uint64, error) {
	layouts, total, err := dev.CopyableFootprints(desc, first, num, 0)
	if err != nil || len(layouts) == 0 {
		return 0, err
	}
	size, carry := bits.Add64(layouts[0].Offset, total, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return size, nil
}

// Upload writes src into intermediate at the placed footprint of dst's
// subresources [first, first+num), starting no lower than
// intermediateOffset, and records the copy into dst. It returns the number
// of bytes the subresources need. num == 0 does nothing.
func Upload(ctx Context, dst, intermediate backend.Resource, intermediateOffset uint64, first, num int, src []SubresourceData) (uint64, error) {
	if num == 0 {
		return 0, nil
	}
	if len(src) < num {
		return 0, fmt.Errorf("%w: %d blocks for %d subresources", ErrSourceCount, len(src), num)
	}
	dstDesc := dst.Desc()
	switch dstDesc.Dimension {
	case backend.DimensionBuffer:
		if first != 0 || num != 1 {
			return 0, fmt.Errorf("%w: got [%d,%d)", ErrBufferSubresources, first, first+num)
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedDestination, dstDesc.Dimension)
	}
	interDesc := intermediate.Desc()
	if interDesc.Dimension != backend.DimensionBuffer || intermediate.Heap() != backend.HeapUpload {
		return 0, fmt.Errorf("%w: %q is a %s on the %s heap",
			ErrInvalidIntermediate, intermediate.Label(), interDesc.Dimension, intermediate.Heap())
	}

	layouts, required, err := ctx.Device.CopyableFootprints(dstDesc, first, num, intermediateOffset)
	if err != nil {
		return 0, fmt.Errorf("staging: footprints of %q: %w", dst.Label(), err)
	}
	need, carry := bits.Add64(required, layouts[0].Offset, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	if interDesc.Width < need {
		return 0, fmt.Errorf("%w: %q has %d bytes, needs %d", ErrStagingTooSmall, intermediate.Label(), interDesc.Width, need)
	}
	logx.L().Debug("staging: upload", "dst", dst.Label(), "offset", layouts[0].Offset,
		"rowPitch", layouts[0].Footprint.RowPitch, "bytes", required)

	mem, err := intermediate.Map(nil)
	if err != nil {
		return 0, fmt.Errorf("staging: map %q: %w", intermediate.Label(), err)
	}
	for i, l := range layouts {
		s := src[i]
		err := CopyRows(mem[l.Offset:], l.Footprint.RowPitch, l.SlicePitch(),
			s.Data, s.RowPitch, s.SlicePitch, l.RowSizeInBytes, l.NumRows, l.Footprint.Depth)
		if err != nil {
			intermediate.Unmap(&backend.Range{})
			return 0, fmt.Errorf("staging: subresource %d: %w", first+i, err)
		}
	}
	intermediate.Unmap(nil)

	if err := ctx.List.CopyBufferRegion(dst, 0, intermediate, layouts[0].Offset, layouts[0].Footprint.Width); err != nil {
		return 0, fmt.Errorf("staging: record copy into %q: %w", dst.Label(), err)
	}
	return required, nil
}

// Stager owns an upload-heap buffer and refuses to free it while a copy
// out of it may still be executing.
type Stager struct {
	buf      backend.Resource
	recorded bool
	fence    backend.Fence
	retireAt uint64
}

// NewStager creates an upload buffer of size bytes.
func NewStager(dev backend.Device, size uint64, label string) (*Stager, error) {
	buf, err := dev.CreateCommittedResource(backend.HeapUpload, backend.BufferDesc(size, backend.ResourceFlagNone),
		backend.StateGenericRead, label)
	if err != nil {
		return nil, fmt.Errorf("staging: create %q: %w", label, err)
	}
	return &Stager{buf: buf}, nil
}

// Buffer returns the upload buffer.
func (s *Stager) Buffer() backend.Resource { return s.buf }

// Stage uploads src into dst through the stager's buffer.
func (s *Stager) Stage(ctx Context, dst backend.Resource, src ...SubresourceData) (uint64, error) {
	n, err := Upload(ctx, dst, s.buf, 0, 0, len(src), src)
	if err != nil {
		return 0, err
	}
	s.recorded = true
	s.fence = nil
	return n, nil
}

// Retire records that the staged copy completes when f reaches value.
func (s *Stager) Retire(f backend.Fence, value uint64) {
	s.fence = f
	s.retireAt = value
}

// Release frees the buffer once the retired copy has completed.
func (s *Stager) Release() error {
	if s.buf == nil {
		return nil
	}
	if s.recorded {
		if s.fence == nil {
			return fmt.Errorf("staging: release %q: %w", s.buf.Label(), ErrNotRetired)
		}
		if done := s.fence.CompletedValue(); done < s.retireAt {
			return fmt.Errorf("staging: release %q: %w: fence at %d, copy completes at %d",
				s.buf.Label(), ErrStagingInFlight, done, s.retireAt)
		}
	}
	s.buf.Release()
	s.buf = nil
	return nil
}
