// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package verify copies GPU results back to the host and checks them.
package verify

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/cmdrec"
	"github.com/gogpu/gpucompute/fence"
	"github.com/gogpu/gpucompute/internal/logx"
)

var (
	// ErrMismatch is returned when an observed element differs from the
	// expected one.
	ErrMismatch = errors.New("verify: verification mismatch")

	// ErrLength is returned when input and output differ in length.
	ErrLength = errors.New("verify: length mismatch")
)

// MismatchError reports the first element that differs.
type MismatchError struct {
	Index    int
	Expected int32
	Observed int32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verify: element %d: expected %d, observed %d", e.Index, e.Expected, e.Observed)
}

// Unwrap returns ErrMismatch.
func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Compare checks observed[i]-offset == input[i] for every i.
func Compare(input, observed []int32, offset int32) error {
	if len(input) != len(observed) {
		return fmt.Errorf("%w: %d inputs, %d outputs", ErrLength, len(input), len(observed))
	}
	for i, v := range observed {
		if v-offset != input[i] {
			return &MismatchError{Index: i, Expected: input[i] + offset, Observed: v}
		}
	}
	return nil
}

// CountMismatches returns the number of elements Compare would reject.
func CountMismatches(input, observed []int32, offset int32) int {
	n := 0
	for i := range min(len(input), len(observed)) {
		if observed[i]-offset != input[i] {
			n++
		}
	}
	return n + max(len(input), len(observed)) - min(len(input), len(observed))
}

// EncodeInt32s returns v as little-endian bytes.
func EncodeInt32s(v []int32) []byte {
	b := make([]byte, 0, len(v)*4)
	for _, x := range v {
		b = binary.LittleEndian.AppendUint32(b, uint32(x))
	}
	return b
}

// DecodeInt32s decodes little-endian int32 values. Trailing bytes that do
// not form a whole value are ignored.
func DecodeInt32s(b []byte) []int32 {
	v := make([]int32, len(b)/4)
	for i := range v {
		v[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// Readback copies size bytes of src into a new readback buffer, submits
// rec, waits on the next fence value and returns the decoded values. rec
// must be recording and src must be tracked in CopySource. If the wait
// fails before the copy completes, the readback buffer is leaked rather
// than released under the GPU.
func Readback(ctx context.Context, dev backend.Device, rec *cmdrec.Recorder, sync *fence.Synchronizer, src backend.Resource, size uint64) ([]int32, error) {
	buf, err := dev.CreateCommittedResource(backend.HeapReadback, backend.BufferDesc(size, backend.ResourceFlagNone),
		backend.StateCopyDest, "readback")
	if err != nil {
		return nil, fmt.Errorf("verify: create readback buffer: %w", err)
	}
	inFlight := false
	defer func() {
		if inFlight {
			logx.L().Warn("verify: readback buffer leaked, copy still in flight", "completed", sync.Completed())
			return
		}
		buf.Release()
	}()

	if err := rec.CopyBufferRegion(buf, 0, src, 0, size); err != nil {
		return nil, fmt.Errorf("verify: record readback: %w", err)
	}
	if err := rec.Close(); err != nil {
		return nil, fmt.Errorf("verify: close: %w", err)
	}
	if err := sync.Submit(rec); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	n, err := sync.Next(ctx)
	if err != nil {
		inFlight = sync.Completed() < n
		return nil, fmt.Errorf("verify: %w", err)
	}
	logx.L().Debug("verify: readback complete", "fence", n, "bytes", size)

	mem, err := buf.Map(&backend.Range{Begin: 0, End: size})
	if err != nil {
		return nil, fmt.Errorf("verify: map readback buffer: %w", err)
	}
	out := DecodeInt32s(mem[:size])
	buf.Unmap(&backend.Range{})
	return out, nil
}
