// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package rootsig

import (
	"fmt"

	"github.com/gogpu/gpucompute/internal/logx"
)

// VersionQuerier reports the highest root signature version a device accepts,
// given the highest version the caller knows about.
type VersionQuerier interface {
	HighestRootSignatureVersion(requested Version) (Version, error)
}

// NegotiateVersion asks q once for its highest supported version.
// A failed query falls back to Version1_0.
func NegotiateVersion(q VersionQuerier) Version {
	v, err := q.HighestRootSignatureVersion(HighestKnown)
	if err != nil {
		logx.L().Warn("rootsig: version query failed, using 1.0", "err", err)
		return Version1_0
	}
	return v
}

// Compile serializes l for a driver whose maximum version is max.
//
// A 1.1 layout is downgraded when the driver only accepts 1.0. A max that
// is not a known version fails with ErrUnsupportedVersion; no default layout
// is substituted.
func Compile(l Layout, max Version) ([]byte, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil layout", ErrInvalidLayout)
	}
	switch max {
	case Version1_1:
		return Serialize(l)
	case Version1_0:
		if d, ok := l.(*Desc1); ok {
			logx.L().Debug("rootsig: downgrading layout", "from", Version1_1, "to", Version1_0)
			return Serialize(Downgrade(d))
		}
		return Serialize(l)
	default:
		return nil, fmt.Errorf("%w: driver reports %s, highest known is %s", ErrUnsupportedVersion, max, HighestKnown)
	}
}
