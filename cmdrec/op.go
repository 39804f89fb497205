// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package cmdrec

import (
	"fmt"

	"github.com/gogpu/gpucompute/backend"
)

// OpKind identifies a recorded command.
type OpKind uint8

const (
	OpBarrier OpKind = iota
	OpSetPipeline
	OpSetRootSignature
	OpSetDescriptorHeap
	OpBindTable
	OpDispatch
	OpCopyBufferRegion
	OpCopyResource
)

var opNames = [...]string{
	OpBarrier:           "Barrier",
	OpSetPipeline:       "SetPipeline",
	OpSetRootSignature:  "SetRootSignature",
	OpSetDescriptorHeap: "SetDescriptorHeap",
	OpBindTable:         "BindTable",
	OpDispatch:          "Dispatch",
	OpCopyBufferRegion:  "CopyBufferRegion",
	OpCopyResource:      "CopyResource",
}

// String returns the command name.
func (k OpKind) String() string {
	if int(k) < len(opNames) {
		return opNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", k)
}

// Op is one entry of the recorder's log. Only the fields of its Kind are set.
type Op struct {
	Kind OpKind

	// Barrier: Dst moves from Before to After.
	Before backend.ResourceState
	After  backend.ResourceState

	// Copies.
	Dst       backend.Resource
	Src       backend.Resource
	DstOffset uint64
	SrcOffset uint64
	Size      uint64

	// BindTable.
	RootIndex uint32
	Slot      int

	// Dispatch.
	Groups [3]uint32
}
