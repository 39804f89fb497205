// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpucompute"
	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/backend/soft"
	"github.com/gogpu/gpucompute/verify"
)

func TestMismatchReportNamesIndex(t *testing.T) {
	dev := soft.NewDevice(backend.Options{Label: "demo"})
	t.Cleanup(dev.Release)
	s, err := gpucompute.NewSession(gpucompute.WithDevice(dev), gpucompute.WithCorruption(5))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	res, err := s.Run(t.Context())
	var mm *verify.MismatchError
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, []string{
		"Verification failed at index 5",
		"5 index elements are not equal!",
	}, mismatchReport(mm, res))
}

func TestMismatchReportCountsMany(t *testing.T) {
	mm := &verify.MismatchError{Index: 2}
	res := &gpucompute.Result{Output: make([]int32, 8), Mismatches: 3}
	assert.Equal(t, []string{
		"Verification failed at index 2",
		"2 index elements are not equal!",
		"3 of 8 elements differ",
	}, mismatchReport(mm, res))
}
