// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package fence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/backend/soft"
	"github.com/gogpu/gpucompute/cmdrec"
)

type env struct {
	dev   *soft.Device
	queue backend.CommandQueue
	sync  *Synchronizer
	src   backend.Resource
	dst   backend.Resource
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	dev := soft.NewDevice(backend.Options{Debug: true})
	t.Cleanup(dev.Release)
	q, err := dev.CreateCommandQueue("q")
	require.NoError(t, err)
	s, err := New(dev, q, opts...)
	require.NoError(t, err)
	src, err := dev.CreateCommittedResource(backend.HeapUpload, backend.BufferDesc(256, 0), backend.StateGenericRead, "src")
	require.NoError(t, err)
	dst, err := dev.CreateCommittedResource(backend.HeapReadback, backend.BufferDesc(256, 0), backend.StateCopyDest, "dst")
	require.NoError(t, err)
	return &env{dev: dev, queue: q, sync: s, src: src, dst: dst}
}

// copyRecorder returns a closed recorder holding one copy.
func (e *env) copyRecorder(t *testing.T) *cmdrec.Recorder {
	t.Helper()
	r, err := cmdrec.New(e.dev, nil, "copy")
	require.NoError(t, err)
	require.NoError(t, r.CopyResource(e.dst, e.src))
	require.NoError(t, r.Close())
	return r
}

func TestSyncToWaitsForQueue(t *testing.T) {
	e := newEnv(t)
	r := e.copyRecorder(t)

	e.dev.PauseQueues()
	require.NoError(t, e.sync.Submit(r))
	assert.Equal(t, cmdrec.StateSubmitted, r.State())

	done := make(chan error, 1)
	go func() { done <- e.sync.SyncTo(context.Background(), 1) }()

	select {
	case err := <-done:
		t.Fatalf("SyncTo returned %v while the queue was paused", err)
	case <-time.After(50 * time.Millisecond):
	}

	e.dev.ResumeQueues()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("SyncTo did not return after resume")
	}
	assert.GreaterOrEqual(t, e.sync.Completed(), uint64(1))
	assert.Equal(t, cmdrec.StateResettable, r.State())
	assert.Equal(t, uint64(1), r.SubmittedAt())
}

func TestSyncToIsIdempotent(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.sync.Submit(e.copyRecorder(t)))
	require.NoError(t, e.sync.SyncTo(context.Background(), 2))
	require.NoError(t, e.sync.SyncTo(context.Background(), 2))
	require.NoError(t, e.sync.SyncTo(context.Background(), 1))
	assert.Equal(t, uint64(2), e.sync.LastSignaled())

	n, err := e.sync.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, uint64(3), e.sync.Completed())
}

func TestSyncToTimeout(t *testing.T) {
	e := newEnv(t, WithTimeout(20*time.Millisecond), WithLabel("short"))
	e.dev.PauseQueues()
	defer e.dev.ResumeQueues()

	err := e.sync.SyncTo(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrSynchronization)
	assert.Contains(t, err.Error(), "short")
}

func TestSyncToContextCancel(t *testing.T) {
	e := newEnv(t)
	e.dev.PauseQueues()
	defer e.dev.ResumeQueues()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.sync.SyncTo(ctx, 1)
	assert.ErrorIs(t, err, ErrSynchronization)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitRequiresClosed(t *testing.T) {
	e := newEnv(t)
	r, err := cmdrec.New(e.dev, nil, "open")
	require.NoError(t, err)
	err = e.sync.Submit(r)
	assert.ErrorIs(t, err, cmdrec.ErrNotClosed)
	assert.ErrorIs(t, err, cmdrec.ErrRecordingUsage)
}

func TestDeviceLostDuringWait(t *testing.T) {
	e := newEnv(t)
	e.dev.PauseQueues()
	require.NoError(t, e.sync.Submit(e.copyRecorder(t)))

	done := make(chan error, 1)
	go func() { done <- e.sync.SyncTo(context.Background(), 1) }()
	waiters := e.sync.Fence().(interface{ Pending() int })
	require.Eventually(t, func() bool { return waiters.Pending() == 1 }, 5*time.Second, time.Millisecond)
	e.src.Release()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDeviceLost)
	case <-time.After(5 * time.Second):
		t.Fatal("SyncTo did not return after device removal")
	}
	e.dev.ResumeQueues()

	err := e.sync.Submit(e.copyRecorder(t))
	assert.ErrorIs(t, err, ErrSubmit)
	assert.True(t, errors.Is(err, backend.ErrDeviceRemoved))
}
