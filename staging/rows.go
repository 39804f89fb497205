// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package staging

import (
	"fmt"
	"math/bits"
)

// CopyRows copies slices*rows rows of rowBytes bytes from src to dst, each
// side addressed by its own row and slice pitch. Bytes between rows of dst
// are left alone. Slices of dst may not overlap. Every span is checked
// before the first byte is written.
func CopyRows(dst []byte, dstPitch, dstSlicePitch uint64, src []byte, srcPitch, srcSlicePitch uint64, rowBytes uint64, rows, slices uint32) error {
	if rows == 0 || slices == 0 || rowBytes == 0 {
		return nil
	}
	if rows > 1 && (rowBytes > dstPitch || rowBytes > srcPitch) {
		return fmt.Errorf("%w: row of %d bytes wider than pitch (dst %d, src %d)", ErrOutOfRange, rowBytes, dstPitch, srcPitch)
	}
	if slices > 1 {
		if n, ok := sliceSpan(dstPitch, rowBytes, rows); !ok || dstSlicePitch < n {
			return fmt.Errorf("%w: destination slice pitch %d overlaps %d rows of pitch %d", ErrOutOfRange, dstSlicePitch, rows, dstPitch)
		}
	}
	if err := checkSpan("destination", len(dst), dstPitch, dstSlicePitch, rowBytes, rows, slices); err != nil {
		return err
	}
	if err := checkSpan("source", len(src), srcPitch, srcSlicePitch, rowBytes, rows, slices); err != nil {
		return err
	}
	for z := range uint64(slices) {
		for y := range uint64(rows) {
			d := z*dstSlicePitch + y*dstPitch
			s := z*srcSlicePitch + y*srcPitch
			copy(dst[d:d+rowBytes], src[s:s+rowBytes])
		}
	}
	return nil
}

// sliceSpan returns the bytes one slice of rows covers, from its first row
// to the end of its last.
func sliceSpan(pitch, rowBytes uint64, rows uint32) (uint64, bool) {
	hi, off := bits.Mul64(uint64(rows-1), pitch)
	n, c := bits.Add64(off, rowBytes, 0)
	return n, hi == 0 && c == 0
}

// checkSpan verifies that the last row of the last slice ends inside a
// buffer of n bytes.
func checkSpan(side string, n int, pitch, slicePitch, rowBytes uint64, rows, slices uint32) error {
	hi1, zOff := bits.Mul64(uint64(slices-1), slicePitch)
	hi2, yOff := bits.Mul64(uint64(rows-1), pitch)
	start, c1 := bits.Add64(zOff, yOff, 0)
	end, c2 := bits.Add64(start, rowBytes, 0)
	if hi1 != 0 || hi2 != 0 || c1 != 0 || c2 != 0 {
		return fmt.Errorf("%w: %s span of %d slices x %d rows", ErrOverflow, side, slices, rows)
	}
	if end > uint64(n) {
		return fmt.Errorf("%w: %s needs %d bytes, has %d", ErrOutOfRange, side, end, n)
	}
	return nil
}
