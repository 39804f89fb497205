// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Backend name constants.
const (
	// BackendHAL is the gogpu/wgpu HAL backend (Vulkan-class GPUs).
	BackendHAL = "halgpu"

	// BackendSoft is the in-process software device.
	BackendSoft = "soft"
)

// Factory creates an adapter for a registered backend.
type Factory func() (Adapter, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for Default (first adapter that opens wins).
	backendPriority = []string{BackendHAL, BackendSoft}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// A factory registered under an existing name replaces it.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered backend names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Get returns an adapter from the named backend.
func Get(name string) (Adapter, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	a, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrBackendNotAvailable, name, err)
	}
	return a, nil
}

// Default returns an adapter from the best available backend.
// Backends in the priority list are tried first, then any other registered
// backend in name order.
func Default() (Adapter, error) {
	return pick(backendPriority)
}

// Open opens a device on the named backend. An empty name selects a backend
// as Default does, trying the software device first when
// opts.PreferSoftware is set.
func Open(name string, opts Options) (Device, error) {
	var (
		a   Adapter
		err error
	)
	switch {
	case name != "":
		a, err = Get(name)
	case opts.PreferSoftware:
		a, err = pick([]string{BackendSoft, BackendHAL})
	default:
		a, err = Default()
	}
	if err != nil {
		return nil, err
	}
	return a.Open(opts)
}

func pick(priority []string) (Adapter, error) {
	var errs []error
	tried := make(map[string]bool)
	try := func(name string) Adapter {
		tried[name] = true
		a, err := Get(name)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		return a
	}

	for _, name := range priority {
		if !IsRegistered(name) {
			continue
		}
		if a := try(name); a != nil {
			return a, nil
		}
	}
	for _, name := range Available() {
		if tried[name] {
			continue
		}
		if a := try(name); a != nil {
			return a, nil
		}
	}
	if len(errs) == 0 {
		return nil, ErrBackendNotAvailable
	}
	return nil, errors.Join(errs...)
}
