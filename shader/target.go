// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package shader

import (
	"fmt"
	"strings"

	"github.com/gogpu/naga/hlsl"
	"github.com/gogpu/naga/ir"
)

// Target is a compute shader profile such as cs_5_0.
type Target struct {
	Model hlsl.ShaderModel
}

// shaderModels maps profile suffixes such as "5_0" to shader models.
var shaderModels = func() map[string]hlsl.ShaderModel {
	m := make(map[string]hlsl.ShaderModel)
	for sm := hlsl.ShaderModel5_0; sm <= hlsl.ShaderModel6_7; sm++ {
		m[sm.ProfileSuffix()] = sm
	}
	return m
}()

// ParseTarget parses a profile string. Only compute ("cs") profiles are
// accepted.
func ParseTarget(s string) (Target, error) {
	stage, version, ok := strings.Cut(s, "_")
	if !ok || stage != "cs" {
		return Target{}, fmt.Errorf("%w: %q is not a compute profile", ErrInvalidTarget, s)
	}
	sm, ok := shaderModels[version]
	if !ok {
		return Target{}, fmt.Errorf("%w: unknown shader model in %q", ErrInvalidTarget, s)
	}
	return Target{Model: sm}, nil
}

// String returns the profile string, e.g. "cs_5_0".
func (t Target) String() string {
	return hlsl.ShaderProfile(ir.StageCompute, t.Model.Major(), t.Model.Minor())
}
