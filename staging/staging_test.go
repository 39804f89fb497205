// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package staging

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/backend/soft"
	"github.com/gogpu/gpucompute/cmdrec"
	"github.com/gogpu/gpucompute/fence"
)

const pad = 0xEE

func filled(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestCopyRowsPitches(t *testing.T) {
	src := []byte("abcdXefghXijklX" + "mnopXqrstXuvwxX")
	dst := filled(2*32, pad)

	// 2 slices of 3 rows of 4 bytes; source rows are 5 apart, destination 8.
	require.NoError(t, CopyRows(dst, 8, 32, src, 5, 15, 4, 3, 2))

	want := filled(64, pad)
	copy(want[0:], "abcd")
	copy(want[8:], "efgh")
	copy(want[16:], "ijkl")
	copy(want[32:], "mnop")
	copy(want[40:], "qrst")
	copy(want[48:], "uvwx")
	assert.Equal(t, want, dst)
}

func TestCopyRowsErrors(t *testing.T) {
	tests := []struct {
		name    string
		dst     int
		src     int
		dp, ds  uint64
		sp, ss  uint64
		row     uint64
		rows    uint32
		slices  uint32
		wantErr error
	}{
		{"destination short", 15, 16, 8, 16, 8, 16, 8, 2, 1, ErrOutOfRange},
		{"source short", 16, 15, 8, 16, 8, 16, 8, 2, 1, ErrOutOfRange},
		{"row wider than pitch", 64, 64, 4, 16, 8, 16, 8, 2, 1, ErrOutOfRange},
		{"slices overlap", 64, 64, 8, 12, 8, 16, 8, 2, 2, ErrOutOfRange},
		{"slice pitch overflow", 64, 64, 8, math.MaxUint64, 8, 16, 8, 1, 3, ErrOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := filled(tt.dst, pad)
			err := CopyRows(dst, tt.dp, tt.ds, filled(tt.src, 1), tt.sp, tt.ss, tt.row, tt.rows, tt.slices)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, filled(tt.dst, pad), dst, "nothing may be written on error")
		})
	}
	assert.NoError(t, CopyRows(nil, 0, 0, nil, 0, 0, 0, 4, 4), "empty rows are a no-op")
}

func FuzzCopyRowsKeepsPadding(f *testing.F) {
	f.Add(uint8(4), uint8(3), uint8(2), uint8(4), uint8(1), uint8(0), uint8(3), uint8(0))
	f.Add(uint8(16), uint8(1), uint8(1), uint8(0), uint8(0), uint8(0), uint8(0), uint8(0))
	f.Add(uint8(0), uint8(2), uint8(2), uint8(1), uint8(1), uint8(1), uint8(1), uint8(0))
	f.Add(uint8(4), uint8(3), uint8(3), uint8(4), uint8(0), uint8(0), uint8(0), uint8(9))
	f.Add(uint8(8), uint8(2), uint8(5), uint8(0), uint8(2), uint8(1), uint8(0), uint8(1))
	f.Fuzz(func(t *testing.T, rowBytes, rows, slices, dstPad, srcPad, dstSlicePad, srcSlicePad, shrink uint8) {
		rows, slices = rows%8, slices%8
		rb := uint64(rowBytes)
		dp, sp := rb+uint64(dstPad), rb+uint64(srcPad)
		ss := uint64(rows)*sp + uint64(srcSlicePad)

		// One slice of dst spans from its first row to the end of its last.
		var span uint64
		if rows > 0 {
			span = uint64(rows-1)*dp + rb
		}
		ds := span + uint64(dstSlicePad)
		if s := uint64(shrink % 32); s <= ds {
			ds -= s
		} else {
			ds = 0
		}
		overlap := ds < span
		if overlap && slices <= 1 {
			ds, overlap = span, false
		}

		src := make([]byte, uint64(slices)*ss)
		for i := range src {
			src[i] = byte(i*7 + 1)
		}
		if overlap {
			dst := filled(int(uint64(slices)*span), pad)
			err := CopyRows(dst, dp, ds, src, sp, ss, rb, uint32(rows), uint32(slices))
			if rb == 0 {
				if err != nil {
					t.Fatalf("CopyRows of empty rows error = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("overlapping slices (pitch %d, span %d): error = %v, want ErrOutOfRange", ds, span, err)
			}
			if !bytes.Equal(dst, filled(len(dst), pad)) {
				t.Fatal("rejected copy wrote to the destination")
			}
			return
		}
		dst := filled(int(uint64(slices)*ds), pad)

		if err := CopyRows(dst, dp, ds, src, sp, ss, rb, uint32(rows), uint32(slices)); err != nil {
			t.Fatalf("CopyRows error = %v", err)
		}
		for i, b := range dst {
			z, r := uint64(i)/ds, uint64(i)%ds
			var y, x uint64
			inRow := false
			if dp > 0 {
				y, x = r/dp, r%dp
				inRow = y < uint64(rows) && x < rb
			}
			if !inRow {
				if b != pad {
					t.Fatalf("pad byte %d overwritten with %#x", i, b)
				}
				continue
			}
			if want := src[z*ss+y*sp+x]; b != want {
				t.Fatalf("byte %d (slice %d row %d col %d) = %#x, want %#x", i, z, y, x, b, want)
			}
		}
	})
}

type rig struct {
	dev  *soft.Device
	q    backend.CommandQueue
	sync *fence.Synchronizer
	rec  *cmdrec.Recorder
	dst  backend.Resource
}

func newRig(t *testing.T, size uint64) *rig {
	t.Helper()
	dev := soft.NewDevice(backend.Options{Debug: true})
	t.Cleanup(dev.Release)
	q, err := dev.CreateCommandQueue("q")
	require.NoError(t, err)
	s, err := fence.New(dev, q)
	require.NoError(t, err)
	rec, err := cmdrec.New(dev, nil, "upload")
	require.NoError(t, err)
	dst, err := dev.CreateCommittedResource(backend.HeapDefault, backend.BufferDesc(size, 0), backend.StateCopyDest, "dst")
	require.NoError(t, err)
	return &rig{dev: dev, q: q, sync: s, rec: rec, dst: dst}
}

func TestUploadRoundTrip(t *testing.T) {
	const size = 16384
	r := newRig(t, size)
	ctx := Context{Device: r.dev, List: r.rec}

	need, err := RequiredSize(r.dev, r.dst.Desc(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(size), need)
	st, err := NewStager(r.dev, need, "staging")
	require.NoError(t, err)

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 31)
	}
	n, err := st.Stage(ctx, r.dst, SubresourceData{Data: data, RowPitch: size, SlicePitch: size})
	require.NoError(t, err)
	assert.Equal(t, uint64(size), n)

	ops := r.rec.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, cmdrec.OpCopyBufferRegion, ops[0].Kind)
	assert.Equal(t, uint64(size), ops[0].Size)

	rb, err := r.dev.CreateCommittedResource(backend.HeapReadback, backend.BufferDesc(size, 0), backend.StateCopyDest, "rb")
	require.NoError(t, err)
	require.NoError(t, r.rec.TransitionBarrier(r.dst, backend.StateCopyDest, backend.StateCopySource))
	require.NoError(t, r.rec.CopyResource(rb, r.dst))
	require.NoError(t, r.rec.Close())
	require.NoError(t, r.sync.Submit(r.rec))

	assert.ErrorIs(t, st.Release(), ErrNotRetired)
	st.Retire(r.sync.Fence(), 1)
	require.NoError(t, r.sync.SyncTo(context.Background(), 1))
	require.NoError(t, st.Release())
	require.NoError(t, st.Release(), "second release is a no-op")

	got, err := rb.Map(nil)
	require.NoError(t, err)
	defer rb.Unmap(&backend.Range{})
	assert.Equal(t, data, got)
	assert.Empty(t, r.dev.ValidationErrors())
}

func TestStagerInFlight(t *testing.T) {
	r := newRig(t, 256)
	st, err := NewStager(r.dev, 256, "staging")
	require.NoError(t, err)
	_, err = st.Stage(Context{Device: r.dev, List: r.rec}, r.dst, SubresourceData{Data: filled(256, 7), RowPitch: 256})
	require.NoError(t, err)
	require.NoError(t, r.rec.Close())

	r.dev.PauseQueues()
	require.NoError(t, r.sync.Submit(r.rec))
	done := make(chan error, 1)
	go func() { done <- r.sync.SyncTo(context.Background(), 1) }()
	st.Retire(r.sync.Fence(), 1)
	assert.ErrorIs(t, st.Release(), ErrStagingInFlight)

	r.dev.ResumeQueues()
	require.NoError(t, <-done)
	assert.NoError(t, st.Release())
}

func TestUploadValidation(t *testing.T) {
	r := newRig(t, 256)
	ctx := Context{Device: r.dev, List: r.rec}
	src := []SubresourceData{{Data: filled(256, 1), RowPitch: 256}}

	upload := func(size uint64) backend.Resource {
		res, err := r.dev.CreateCommittedResource(backend.HeapUpload, backend.BufferDesc(size, 0), backend.StateGenericRead, "up")
		require.NoError(t, err)
		return res
	}
	defaultHeap, err := r.dev.CreateCommittedResource(backend.HeapDefault, backend.BufferDesc(1024, 0), backend.StateCommon, "def")
	require.NoError(t, err)
	texture := fakeTexture{}

	n, err := Upload(ctx, r.dst, upload(256), 0, 0, 0, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)

	tests := []struct {
		name         string
		dst, inter   backend.Resource
		offset       uint64
		first, count int
		src          []SubresourceData
		want         error
	}{
		{"too small", r.dst, upload(255), 0, 0, 1, src, ErrStagingTooSmall},
		{"offset pushes past end", r.dst, upload(600), 1, 0, 1, src, ErrStagingTooSmall},
		{"default heap intermediate", r.dst, defaultHeap, 0, 0, 1, src, ErrInvalidIntermediate},
		{"second subresource", r.dst, upload(1024), 0, 1, 1, src, ErrBufferSubresources},
		{"two subresources", r.dst, upload(1024), 0, 0, 2, append(src, src...), ErrBufferSubresources},
		{"texture", texture, upload(1024), 0, 0, 1, src, ErrUnsupportedDestination},
		{"missing source", r.dst, upload(1024), 0, 0, 1, nil, ErrSourceCount},
		{"short source", r.dst, upload(1024), 0, 0, 1, []SubresourceData{{Data: filled(8, 1)}}, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Upload(ctx, tt.dst, tt.inter, tt.offset, tt.first, tt.count, tt.src)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, n)
		})
	}
	assert.Empty(t, r.rec.Ops(), "failed uploads record nothing")
}

type fakeTexture struct{ backend.Resource }

func (fakeTexture) Label() string { return "texture" }
func (fakeTexture) Desc() backend.ResourceDesc {
	return backend.ResourceDesc{Dimension: backend.DimensionTexture2D, Width: 16, Height: 16}
}
