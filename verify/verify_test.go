// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/backend/soft"
	"github.com/gogpu/gpucompute/cmdrec"
	"github.com/gogpu/gpucompute/fence"
)

func TestCompare(t *testing.T) {
	input := []int32{1, 2, 3, 4}
	tests := []struct {
		name     string
		observed []int32
		wantIdx  int
		wantErr  error
	}{
		{"equal", []int32{11, 12, 13, 14}, -1, nil},
		{"first differs", []int32{0, 12, 13, 14}, 0, ErrMismatch},
		{"last differs", []int32{11, 12, 13, 15}, 3, ErrMismatch},
		{"reports first of many", []int32{11, 0, 0, 0}, 1, ErrMismatch},
		{"short", []int32{11, 12}, -1, ErrLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Compare(input, tt.observed, 10)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			var me *MismatchError
			if tt.wantIdx < 0 {
				assert.False(t, errors.As(err, &me))
				return
			}
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tt.wantIdx, me.Index)
			assert.Equal(t, input[tt.wantIdx]+10, me.Expected)
			assert.Equal(t, tt.observed[tt.wantIdx], me.Observed)
		})
	}
}

func TestCountMismatches(t *testing.T) {
	assert.Equal(t, 0, CountMismatches([]int32{1, 2}, []int32{11, 12}, 10))
	assert.Equal(t, 2, CountMismatches([]int32{1, 2, 3}, []int32{0, 12, 0}, 10))
	assert.Equal(t, 1, CountMismatches([]int32{1, 2}, []int32{11}, 10))
}

func TestInt32Codec(t *testing.T) {
	v := []int32{0, -1, 1 << 30, -(1 << 31)}
	b := EncodeInt32s(v)
	assert.Equal(t, []byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0x40, 0, 0, 0, 0x80}, b)
	assert.Equal(t, v, DecodeInt32s(b))
	assert.Equal(t, []int32{0}, DecodeInt32s([]byte{0, 0, 0, 0, 9}))
}

func TestReadback(t *testing.T) {
	dev := soft.NewDevice(backend.Options{Debug: true})
	defer dev.Release()
	q, err := dev.CreateCommandQueue("q")
	require.NoError(t, err)
	sync, err := fence.New(dev, q)
	require.NoError(t, err)

	want := []int32{5, -6, 7, 8}
	src, err := dev.CreateCommittedResource(backend.HeapUpload, backend.BufferDesc(16, 0), backend.StateGenericRead, "src")
	require.NoError(t, err)
	mem, err := src.Map(&backend.Range{})
	require.NoError(t, err)
	copy(mem, EncodeInt32s(want))
	src.Unmap(nil)

	rec, err := cmdrec.New(dev, nil, "readback")
	require.NoError(t, err)
	rec.Track(src, backend.StateCopySource)
	got, err := Readback(context.Background(), dev, rec, sync, src, 16)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(1), sync.LastSignaled())
	assert.Equal(t, cmdrec.StateResettable, rec.State())
}
