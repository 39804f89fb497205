// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package parallel

import (
	"runtime"
	"sync/atomic"
	"testing"
)

func TestPool_Create(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
}

func TestPool_CreateDefaultWorkers(t *testing.T) {
	for _, n := range []int{0, -5} {
		pool := NewPool(n)
		if got, want := pool.Workers(), runtime.GOMAXPROCS(0); got != want {
			t.Errorf("NewPool(%d).Workers() = %d, want %d", n, got, want)
		}
		pool.Close()
	}
}

func TestPool_RunCoversEveryIndex(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	const n = 1000
	var hits [n]atomic.Int32
	pool.Run(n, func(i int) { hits[i].Add(1) })

	for i := range hits {
		if got := hits[i].Load(); got != 1 {
			t.Fatalf("index %d ran %d times, want 1", i, got)
		}
	}
}

func TestPool_RunEmpty(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	called := false
	pool.Run(0, func(int) { called = true })
	if called {
		t.Error("Run(0) called fn")
	}
}

func TestPool_RunAfterClose(t *testing.T) {
	pool := NewPool(4)
	pool.Close()
	pool.Close()

	var sum atomic.Int64
	pool.Run(10, func(i int) { sum.Add(int64(i)) })
	if got := sum.Load(); got != 45 {
		t.Errorf("sum = %d, want 45", got)
	}
}

func TestPool_ConcurrentRuns(t *testing.T) {
	pool := NewPool(3)
	defer pool.Close()

	var total atomic.Int64
	done := make(chan struct{})
	for range 4 {
		go func() {
			pool.Run(50, func(int) { total.Add(1) })
			done <- struct{}{}
		}()
	}
	for range 4 {
		<-done
	}
	if got := total.Load(); got != 200 {
		t.Errorf("total = %d, want 200", got)
	}
}

func BenchmarkPoolRun(b *testing.B) {
	pool := NewPool(0)
	defer pool.Close()

	b.ReportAllocs()
	for b.Loop() {
		pool.Run(64, func(int) {})
	}
}
