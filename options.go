// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpucompute

import (
	"time"

	"github.com/gogpu/gpucompute/backend"
)

// DefaultElements is the number of int32 values a session processes unless
// WithElements says otherwise.
const DefaultElements = 4096

// Option configures a Session during creation.
// Use functional options to customize Session behavior.
//
// Example:
//
//	// Default device, 4096 elements
//	s, err := gpucompute.NewSession()
//
//	// Software device with validation and a two-second fence timeout
//	s, err := gpucompute.NewSession(
//		gpucompute.WithBackend("soft"),
//		gpucompute.WithDebugLayer(true),
//		gpucompute.WithFenceTimeout(2*time.Second),
//	)
type Option func(*options)

// options holds optional configuration for Session creation.
type options struct {
	backend        string
	preferSoftware bool
	elements       int
	fenceTimeout   time.Duration
	debug          bool
	device         backend.Device
	corrupt        int
	progress       func(Stage, uint64)
}

// defaultOptions returns the default session options.
func defaultOptions() options {
	return options{
		elements: DefaultElements,
		corrupt:  -1, // no corruption
	}
}

// WithBackend selects a registered backend by name, such as "soft" or
// "halgpu". An empty name picks the best available backend.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backend = name
	}
}

// WithSoftwarePreference tries the software device first when no backend is
// named.
func WithSoftwarePreference(prefer bool) Option {
	return func(o *options) {
		o.preferSoftware = prefer
	}
}

// WithElements sets the number of int32 elements. It must be a positive
// multiple of the kernel's 1024-thread group.
func WithElements(n int) Option {
	return func(o *options) {
		o.elements = n
	}
}

// WithFenceTimeout bounds every fence wait. Zero waits forever.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		o.fenceTimeout = d
	}
}

// WithDebugLayer enables the device validation layer.
func WithDebugLayer(enabled bool) Option {
	return func(o *options) {
		o.debug = enabled
	}
}

// WithDevice runs the session on an existing device instead of opening one.
// The session does not release it.
//
// Example:
//
//	dev := soft.NewDevice(backend.Options{Debug: true})
//	defer dev.Release()
//	s, err := gpucompute.NewSession(gpucompute.WithDevice(dev))
func WithDevice(dev backend.Device) Option {
	return func(o *options) {
		o.device = dev
	}
}

// WithCorruption flips the output element at index after readback, before
// verification. It exists to demonstrate mismatch reporting; a negative
// index disables it.
func WithCorruption(index int) Option {
	return func(o *options) {
		o.corrupt = index
	}
}

// WithProgress calls fn after each stage of Run completes, with the fence
// value the stage waited on.
func WithProgress(fn func(stage Stage, fence uint64)) Option {
	return func(o *options) {
		o.progress = fn
	}
}
