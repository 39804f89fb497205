// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package halgpu implements backend.Device on gogpu/wgpu's HAL.
//
// Descriptor tables become bind groups: root parameter i is bind group i and
// descriptor k of a table is binding k. Bind groups are built at submission
// time from the descriptors the table points to, so a descriptor written
// before ExecuteCommandLists is the one the GPU sees.
//
// The HAL has no timeline fences. Every submission gets its own HAL fence
// and a per-queue goroutine waits for them in order; Signal is a marker on
// that goroutine that advances the caller's fence once everything before it
// has completed.
//
// Build with the nogpu tag to leave this backend out.
package halgpu
