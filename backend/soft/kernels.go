// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package soft

import (
	"encoding/binary"
	"sync"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/shader"
)

// Invocation identifies one compute thread.
type Invocation struct {
	GlobalID [3]uint32
}

// Bindings holds the buffer views a dispatch sees, keyed by register.
type Bindings struct {
	srv map[uint32][]byte
	uav map[uint32][]byte
}

func (b *Bindings) set(kind backend.ViewKind, register uint32, data []byte) {
	switch kind {
	case backend.ViewSRV:
		if b.srv == nil {
			b.srv = make(map[uint32][]byte)
		}
		b.srv[register] = data
	case backend.ViewUAV:
		if b.uav == nil {
			b.uav = make(map[uint32][]byte)
		}
		b.uav[register] = data
	}
}

// SRV returns the bytes behind register tN, or nil.
func (b *Bindings) SRV(register uint32) []byte { return b.srv[register] }

// UAV returns the bytes behind register uN, or nil.
func (b *Bindings) UAV(register uint32) []byte { return b.uav[register] }

// Kernel runs one invocation of a compute entry point. Thread groups of one
// dispatch may run concurrently; invocations within a group run in order.
type Kernel func(inv Invocation, b *Bindings)

var (
	kernelsMu sync.RWMutex
	kernels   = map[string]Kernel{
		shader.KernelEntryPoint: addOffset,
	}
)

// RegisterKernel makes k the implementation of entry point name.
func RegisterKernel(name string, k Kernel) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[name] = k
}

func lookupKernel(name string) (Kernel, bool) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	k, ok := kernels[name]
	return k, ok
}

// addOffset is the built-in kernel: dst[i] = src[i] + shader.AddOffset.
// Out-of-range threads do nothing, like robust buffer access.
func addOffset(inv Invocation, b *Bindings) {
	src, dst := b.SRV(0), b.UAV(0)
	off := uint64(inv.GlobalID[0]) * 4
	if off+4 > uint64(len(src)) || off+4 > uint64(len(dst)) {
		return
	}
	v := int32(binary.LittleEndian.Uint32(src[off:]))
	binary.LittleEndian.PutUint32(dst[off:], uint32(v+shader.AddOffset))
}
