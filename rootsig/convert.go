// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package rootsig

import "slices"

// Downgrade converts a 1.1 description into its 1.0 equivalent.
//
// Every parameter, range and static sampler is kept in order; only range and
// descriptor flags are dropped. The result shares no memory with d.
func Downgrade(d *Desc1) *Desc {
	if d == nil {
		return nil
	}
	out := &Desc{
		Parameters:     make([]Parameter, len(d.Parameters)),
		StaticSamplers: slices.Clone(d.StaticSamplers),
		Flags:          d.Flags,
	}
	for i, p := range d.Parameters {
		lp := Parameter{
			Type:       p.Type,
			Visibility: p.Visibility,
			Constants:  p.Constants,
			Descriptor: Descriptor{
				ShaderRegister: p.Descriptor.ShaderRegister,
				RegisterSpace:  p.Descriptor.RegisterSpace,
			},
		}
		if p.Type == ParameterDescriptorTable {
			lp.Ranges = make([]Range, len(p.Ranges))
			for j, r := range p.Ranges {
				lp.Ranges[j] = Range{
					Type:                              r.Type,
					NumDescriptors:                    r.NumDescriptors,
					BaseShaderRegister:                r.BaseShaderRegister,
					RegisterSpace:                     r.RegisterSpace,
					OffsetInDescriptorsFromTableStart: r.OffsetInDescriptorsFromTableStart,
				}
			}
		}
		out.Parameters[i] = lp
	}
	return out
}

// Upgrade converts a 1.0 description into a 1.1 description with the flags
// a 1.0 layout implicitly carries: descriptors and data volatile for
// SRV/UAV/CBV ranges, descriptors volatile for sampler ranges, and data
// volatile for root descriptors.
func Upgrade(d *Desc) *Desc1 {
	if d == nil {
		return nil
	}
	out := &Desc1{
		Parameters:     make([]Parameter1, len(d.Parameters)),
		StaticSamplers: slices.Clone(d.StaticSamplers),
		Flags:          d.Flags,
	}
	for i, p := range d.Parameters {
		np := Parameter1{
			Type:       p.Type,
			Visibility: p.Visibility,
			Constants:  p.Constants,
			Descriptor: Descriptor1{
				ShaderRegister: p.Descriptor.ShaderRegister,
				RegisterSpace:  p.Descriptor.RegisterSpace,
			},
		}
		if p.Type.isDescriptor() {
			np.Descriptor.Flags = DescriptorFlagDataVolatile
		}
		if p.Type == ParameterDescriptorTable {
			np.Ranges = make([]Range1, len(p.Ranges))
			for j, r := range p.Ranges {
				flags := RangeFlagDescriptorsVolatile | RangeFlagDataVolatile
				if r.Type == RangeSampler {
					flags = RangeFlagDescriptorsVolatile
				}
				np.Ranges[j] = Range1{
					Type:                              r.Type,
					NumDescriptors:                    r.NumDescriptors,
					BaseShaderRegister:                r.BaseShaderRegister,
					RegisterSpace:                     r.RegisterSpace,
					Flags:                             flags,
					OffsetInDescriptorsFromTableStart: r.OffsetInDescriptorsFromTableStart,
				}
			}
		}
		out.Parameters[i] = np
	}
	return out
}
