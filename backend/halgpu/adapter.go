// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package halgpu

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/gpucompute/backend"
	"github.com/gogpu/gpucompute/internal/logx"
)

func init() {
	backend.Register(backend.BackendHAL, func() (backend.Adapter, error) {
		return NewAdapter()
	})
}

// Adapter is a HAL adapter, either enumerated from a Vulkan instance or
// borrowed from a device provider.
type Adapter struct {
	instance hal.Instance
	exposed  *hal.ExposedAdapter

	// Borrowed device and queue; nil when the adapter opens its own.
	device hal.Device
	queue  hal.Queue

	info   backend.AdapterInfo
	opened bool
}

// NewAdapter creates a Vulkan instance and selects its first discrete or
// integrated GPU, falling back to the first adapter.
func NewAdapter() (*Adapter, error) {
	b, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("halgpu: vulkan backend not available")
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create instance: %w", err)
	}
	a, err := fromInstance(instance)
	if err != nil {
		instance.Destroy()
		return nil, err
	}
	return a, nil
}

func fromInstance(instance hal.Instance) (*Adapter, error) {
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("halgpu: no GPU adapters found")
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	return &Adapter{
		instance: instance,
		exposed:  selected,
		info:     backend.AdapterInfo{Name: selected.Info.Name, Vendor: "gogpu/wgpu"},
	}, nil
}

// FromProvider wraps the device of an external provider, such as a gogpu
// window. The provider must implement HalDevice() any and HalQueue() any
// returning hal.Device and hal.Queue. The device stays owned by the provider.
func FromProvider(provider gpucontext.DeviceProvider) (*Adapter, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("halgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("halgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("halgpu: provider HalQueue is not hal.Queue")
	}
	return &Adapter{
		device: device,
		queue:  queue,
		info:   backend.AdapterInfo{Name: "shared HAL device", Vendor: "gogpu/wgpu"},
	}, nil
}

// Info describes the adapter.
func (a *Adapter) Info() backend.AdapterInfo { return a.info }

// Open opens the device. A borrowed device is wrapped without being opened
// again; it is not destroyed when the returned device is released.
func (a *Adapter) Open(opts backend.Options) (backend.Device, error) {
	if a.opened {
		return nil, fmt.Errorf("halgpu: adapter %q already opened", a.info.Name)
	}
	if a.device != nil {
		a.opened = true
		logx.L().Info("halgpu: using shared device", "adapter", a.info.Name)
		return newDevice(a.device, a.queue, a.info, opts, nil), nil
	}

	openDev, err := a.exposed.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("halgpu: open device: %w", err)
	}
	a.opened = true
	logx.L().Info("halgpu: GPU initialized", "adapter", a.info.Name,
		"type", a.exposed.Info.DeviceType)

	instance := a.instance
	return newDevice(openDev.Device, openDev.Queue, a.info, opts, func() {
		openDev.Device.Destroy()
		if instance != nil {
			instance.Destroy()
		}
	}), nil
}
