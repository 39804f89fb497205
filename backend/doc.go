// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package backend defines the device interfaces the compute pipeline is
// written against, and a registry of the devices that implement them.
//
// The interfaces follow an explicit-API model: resources live on a heap
// kind and carry a resource state, command lists are recorded and closed
// before a queue executes them, and fences are 64-bit counters the queue
// signals after prior work completes.
//
// # Backend Registration
//
// Backends register a factory from init() and are selected at runtime:
//
//	import (
//		_ "github.com/gogpu/gpucompute/backend/halgpu"
//		_ "github.com/gogpu/gpucompute/backend/soft"
//	)
//
//	adapter, err := backend.Default()   // halgpu if a GPU opens, else soft
//	adapter, err := backend.Get("soft") // a specific backend
//
// # Available Backends
//
//   - "halgpu": gogpu/wgpu HAL (Vulkan-class GPUs)
//   - "soft": in-process software device with a validation layer
package backend
