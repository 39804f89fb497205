// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package rootsig

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Blob layout (all fields little-endian uint32):
//
//	magic "RTS0", part size
//	part header: version, numParams, paramsOffset, numSamplers, samplersOffset, flags
//	param headers: type, visibility, payloadOffset
//	payloads in parameter order:
//	  table:      numRanges, rangesOffset, ranges (20 bytes in 1.0, 24 in 1.1)
//	  constants:  register, space, count
//	  descriptor: register, space (+ flags in 1.1)
//	static samplers, 52 bytes each
//
// Offsets are relative to the start of the part.
const (
	blobMagic       = "RTS0"
	blobPrefixSize  = 8
	headerSize      = 24
	paramHeaderSize = 12
	rangeSize10     = 20
	rangeSize11     = 24
	samplerSize     = 52
)

// Serialize validates l and encodes it in its own version.
func Serialize(l Layout) ([]byte, error) {
	switch d := l.(type) {
	case *Desc:
		if d == nil {
			return nil, fmt.Errorf("%w: nil description", ErrInvalidLayout)
		}
		n := Upgrade(d)
		if err := validate(n, Version1_0); err != nil {
			return nil, err
		}
		return encode(n, Version1_0), nil
	case *Desc1:
		if d == nil {
			return nil, fmt.Errorf("%w: nil description", ErrInvalidLayout)
		}
		if err := validate(d, Version1_1); err != nil {
			return nil, err
		}
		return encode(d, Version1_1), nil
	default:
		return nil, fmt.Errorf("%w: nil layout", ErrInvalidLayout)
	}
}

func validate(d *Desc1, v Version) error {
	for i, p := range d.Parameters {
		if !p.Type.valid() {
			return &Error{Param: i, Range: -1, Msg: "unknown parameter type " + p.Type.String()}
		}
		if !p.Visibility.valid() {
			return &Error{Param: i, Range: -1, Msg: fmt.Sprintf("unknown shader visibility %d", p.Visibility)}
		}
		if p.Type != ParameterDescriptorTable {
			continue
		}
		if len(p.Ranges) == 0 {
			return &Error{Param: i, Range: -1, Msg: "descriptor table has no ranges"}
		}
		samplers := 0
		for j, r := range p.Ranges {
			if !r.Type.valid() {
				return &Error{Param: i, Range: j, Msg: "unknown range type " + r.Type.String()}
			}
			if r.NumDescriptors == 0 {
				return &Error{Param: i, Range: j, Msg: "range has zero descriptors"}
			}
			if r.Type == RangeSampler {
				samplers++
				if v == Version1_1 && r.Flags&rangeDataMask != 0 {
					return &Error{Param: i, Range: j, Msg: "sampler range cannot carry data flags"}
				}
			}
			if v == Version1_1 {
				if data := r.Flags & rangeDataMask; data&(data-1) != 0 {
					return &Error{Param: i, Range: j, Msg: "conflicting data volatility flags"}
				}
			}
		}
		if samplers != 0 && samplers != len(p.Ranges) {
			return &Error{Param: i, Range: -1, Msg: "sampler ranges mixed with view ranges"}
		}
	}
	return nil
}

func appendU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }

func encode(d *Desc1, v Version) []byte {
	part := make([]byte, headerSize+paramHeaderSize*len(d.Parameters))
	le := binary.LittleEndian
	le.PutUint32(part[0:], uint32(v))
	le.PutUint32(part[4:], uint32(len(d.Parameters)))
	le.PutUint32(part[8:], headerSize)
	le.PutUint32(part[12:], uint32(len(d.StaticSamplers)))
	le.PutUint32(part[20:], uint32(d.Flags))

	for i, p := range d.Parameters {
		h := headerSize + i*paramHeaderSize
		le.PutUint32(part[h:], uint32(p.Type))
		le.PutUint32(part[h+4:], uint32(p.Visibility))
		le.PutUint32(part[h+8:], uint32(len(part)))

		switch {
		case p.Type == ParameterDescriptorTable:
			part = appendU32(part, uint32(len(p.Ranges)))
			part = appendU32(part, uint32(len(part)+4))
			for _, r := range p.Ranges {
				part = appendU32(part, uint32(r.Type))
				part = appendU32(part, r.NumDescriptors)
				part = appendU32(part, r.BaseShaderRegister)
				part = appendU32(part, r.RegisterSpace)
				if v == Version1_1 {
					part = appendU32(part, uint32(r.Flags))
				}
				part = appendU32(part, r.OffsetInDescriptorsFromTableStart)
			}
		case p.Type == ParameterConstants32Bit:
			part = appendU32(part, p.Constants.ShaderRegister)
			part = appendU32(part, p.Constants.RegisterSpace)
			part = appendU32(part, p.Constants.Num32BitValues)
		default:
			part = appendU32(part, p.Descriptor.ShaderRegister)
			part = appendU32(part, p.Descriptor.RegisterSpace)
			if v == Version1_1 {
				part = appendU32(part, uint32(p.Descriptor.Flags))
			}
		}
	}

	le.PutUint32(part[16:], uint32(len(part)))
	for _, s := range d.StaticSamplers {
		part = appendU32(part, s.Filter)
		part = appendU32(part, s.AddressU)
		part = appendU32(part, s.AddressV)
		part = appendU32(part, s.AddressW)
		part = appendU32(part, math.Float32bits(s.MipLODBias))
		part = appendU32(part, s.MaxAnisotropy)
		part = appendU32(part, s.ComparisonFunc)
		part = appendU32(part, s.BorderColor)
		part = appendU32(part, math.Float32bits(s.MinLOD))
		part = appendU32(part, math.Float32bits(s.MaxLOD))
		part = appendU32(part, s.ShaderRegister)
		part = appendU32(part, s.RegisterSpace)
		part = appendU32(part, uint32(s.Visibility))
	}

	blob := make([]byte, 0, blobPrefixSize+len(part))
	blob = append(blob, blobMagic...)
	blob = appendU32(blob, uint32(len(part)))
	return append(blob, part...)
}

// reader reads bounds-checked little-endian words from a part.
type reader struct {
	b []byte
}

func (r reader) u32(off uint64) (uint32, error) {
	if off > uint64(len(r.b)) || uint64(len(r.b))-off < 4 {
		return 0, fmt.Errorf("%w: read at offset %d past end %d", ErrMalformedBlob, off, len(r.b))
	}
	return binary.LittleEndian.Uint32(r.b[off:]), nil
}

// words reads n consecutive words starting at off.
func (r reader) words(off uint64, n int) ([]uint32, error) {
	if off > uint64(len(r.b)) || (uint64(len(r.b))-off)/4 < uint64(n) {
		return nil, fmt.Errorf("%w: %d words at offset %d past end %d", ErrMalformedBlob, n, off, len(r.b))
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(r.b[off+uint64(i)*4:])
	}
	return out, nil
}

// Deserialize decodes a blob produced by Serialize. The returned Layout is
// a *Desc or a *Desc1 depending on the encoded version.
func Deserialize(blob []byte) (Layout, error) {
	if len(blob) < blobPrefixSize || string(blob[:4]) != blobMagic {
		return nil, fmt.Errorf("%w: missing %s header", ErrMalformedBlob, blobMagic)
	}
	size := binary.LittleEndian.Uint32(blob[4:])
	if uint64(size) != uint64(len(blob)-blobPrefixSize) {
		return nil, fmt.Errorf("%w: part size %d, have %d bytes", ErrMalformedBlob, size, len(blob)-blobPrefixSize)
	}
	r := reader{b: blob[blobPrefixSize:]}

	hdr, err := r.words(0, headerSize/4)
	if err != nil {
		return nil, err
	}
	v := Version(hdr[0])
	if !v.Known() {
		return nil, fmt.Errorf("%w: blob version %s", ErrUnsupportedVersion, v)
	}
	numParams, paramsOff := hdr[1], uint64(hdr[2])
	numSamplers, samplersOff := hdr[3], uint64(hdr[4])
	if uint64(numParams)*paramHeaderSize > uint64(len(r.b)) || uint64(numSamplers)*samplerSize > uint64(len(r.b)) {
		return nil, fmt.Errorf("%w: counts exceed blob size", ErrMalformedBlob)
	}

	d := &Desc1{Flags: Flags(hdr[5])}
	if numParams > 0 {
		d.Parameters = make([]Parameter1, numParams)
	}
	for i := range d.Parameters {
		ph, err := r.words(paramsOff+uint64(i)*paramHeaderSize, 3)
		if err != nil {
			return nil, err
		}
		p := Parameter1{Type: ParameterType(ph[0]), Visibility: Visibility(ph[1])}
		payload := uint64(ph[2])
		switch {
		case p.Type == ParameterDescriptorTable:
			tbl, err := r.words(payload, 2)
			if err != nil {
				return nil, err
			}
			p.Ranges, err = decodeRanges(r, uint64(tbl[1]), tbl[0], v)
			if err != nil {
				return nil, err
			}
		case p.Type == ParameterConstants32Bit:
			w, err := r.words(payload, 3)
			if err != nil {
				return nil, err
			}
			p.Constants = Constants{ShaderRegister: w[0], RegisterSpace: w[1], Num32BitValues: w[2]}
		case p.Type.isDescriptor():
			n := 2
			if v == Version1_1 {
				n = 3
			}
			w, err := r.words(payload, n)
			if err != nil {
				return nil, err
			}
			p.Descriptor = Descriptor1{ShaderRegister: w[0], RegisterSpace: w[1]}
			if v == Version1_1 {
				p.Descriptor.Flags = DescriptorFlags(w[2])
			}
		default:
			return nil, &Error{Param: i, Range: -1, Msg: "unknown parameter type " + p.Type.String()}
		}
		d.Parameters[i] = p
	}

	if numSamplers > 0 {
		d.StaticSamplers = make([]StaticSampler, numSamplers)
	}
	for i := range d.StaticSamplers {
		w, err := r.words(samplersOff+uint64(i)*samplerSize, samplerSize/4)
		if err != nil {
			return nil, err
		}
		d.StaticSamplers[i] = StaticSampler{
			Filter:         w[0],
			AddressU:       w[1],
			AddressV:       w[2],
			AddressW:       w[3],
			MipLODBias:     math.Float32frombits(w[4]),
			MaxAnisotropy:  w[5],
			ComparisonFunc: w[6],
			BorderColor:    w[7],
			MinLOD:         math.Float32frombits(w[8]),
			MaxLOD:         math.Float32frombits(w[9]),
			ShaderRegister: w[10],
			RegisterSpace:  w[11],
			Visibility:     Visibility(w[12]),
		}
	}

	if err := validate(d, v); err != nil {
		return nil, err
	}
	if v == Version1_0 {
		return Downgrade(d), nil
	}
	return d, nil
}

func decodeRanges(r reader, off uint64, n uint32, v Version) ([]Range1, error) {
	size := uint64(rangeSize10)
	if v == Version1_1 {
		size = rangeSize11
	}
	if uint64(n)*size > uint64(len(r.b)) {
		return nil, fmt.Errorf("%w: %d ranges exceed blob size", ErrMalformedBlob, n)
	}
	out := make([]Range1, n)
	for j := range out {
		w, err := r.words(off+uint64(j)*size, int(size/4))
		if err != nil {
			return nil, err
		}
		rg := Range1{Type: RangeType(w[0]), NumDescriptors: w[1], BaseShaderRegister: w[2], RegisterSpace: w[3]}
		if v == Version1_1 {
			rg.Flags = RangeFlags(w[4])
			rg.OffsetInDescriptorsFromTableStart = w[5]
		} else {
			rg.OffsetInDescriptorsFromTableStart = w[4]
		}
		out[j] = rg
	}
	return out, nil
}
