// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpucompute

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the TOML form of the session options.
//
//	backend = "soft"
//	elements = 4096
//	fence_timeout = "5s"
//	debug = true
type Config struct {
	Backend        string   `toml:"backend"`
	PreferSoftware bool     `toml:"prefer_software"`
	Elements       int      `toml:"elements"`
	FenceTimeout   Duration `toml:"fence_timeout"`
	Debug          bool     `toml:"debug"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

// UnmarshalText parses strings such as "250ms".
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// LoadConfig reads a TOML config file. Unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gpucompute: load config: %w", err)
	}
	defer f.Close()

	var c Config
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&c); err != nil {
		return nil, fmt.Errorf("gpucompute: load config %s: %w", path, err)
	}
	return &c, nil
}

// Options converts c to session options. Zero fields keep the defaults.
func (c *Config) Options() []Option {
	opts := []Option{
		WithBackend(c.Backend),
		WithSoftwarePreference(c.PreferSoftware),
		WithFenceTimeout(c.FenceTimeout.Duration),
		WithDebugLayer(c.Debug),
	}
	if c.Elements != 0 {
		opts = append(opts, WithElements(c.Elements))
	}
	return opts
}
