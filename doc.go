// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package gpucompute drives a minimal compute pipeline on an explicit GPU
// API: upload data, dispatch a kernel, read the result back and verify it.
//
// # Overview
//
// gpucompute models the command-list style of modern graphics APIs.
// Resources live in typed heaps, shaders see them through descriptor tables
// described by a root signature, work is recorded into command lists and
// submitted to a queue, and the host waits on monotonic fence values.
//
// # Quick Start
//
//	import "github.com/gogpu/gpucompute"
//
//	s, err := gpucompute.NewSession(gpucompute.WithBackend("soft"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close()
//
//	res, err := s.Run(context.Background())
//	if err != nil {
//		os.Exit(gpucompute.ExitCode(err))
//	}
//	fmt.Println(res.Output[:4]) // [11 12 13 14]
//
// # Backends
//
// Devices come from the backend registry:
//   - soft: a CPU device with an optional validation layer
//   - halgpu: a GPU device on gogpu/wgpu's HAL (Vulkan)
//
// Build with the nogpu tag to leave the GPU backend out.
//
// # Architecture
//
// The library is organized into:
//   - rootsig: root signature layouts, versions and serialization
//   - shader: the embedded kernel and its compilation
//   - desctable: shader-visible descriptor tables
//   - cmdrec: command recording with state tracking
//   - staging: uploads through an intermediate buffer
//   - fence: submission and CPU/GPU synchronization
//   - verify: readback and comparison
//
// # Errors
//
// Errors wrap one of ErrSetup, ErrRecordingUsage, ErrSynchronization or
// ErrVerificationMismatch. ExitCode maps them to process exit codes.
package gpucompute

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
