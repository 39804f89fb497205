// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package rootsig compiles binding layouts (root signatures) into the binary
// form a device accepts.
//
// A layout is authored as either a 1.0 *Desc or a 1.1 *Desc1. Compile
// serializes it for the highest version the device reports, downgrading a
// 1.1 layout when only 1.0 is available:
//
//	max := rootsig.NegotiateVersion(device)
//	blob, err := rootsig.Compile(layout, max)
//
// Downgrade and Upgrade are pure conversions between the two shapes.
// Deserialize is used by devices to recover the layout from a blob.
package rootsig
