// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Command computedemo uploads 1..N to the GPU, adds 10 to every element in
// a compute kernel, reads the result back and verifies it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/muesli/termenv"

	"github.com/gogpu/gpucompute"
	"github.com/gogpu/gpucompute/verify"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "TOML config file")
		backend    = flag.String("backend", "", "backend name (soft, halgpu); empty picks the best available")
		elements   = flag.Int("elements", gpucompute.DefaultElements, "number of int32 elements, a multiple of 1024")
		timeout    = flag.Duration("timeout", 0, "fence wait timeout; 0 waits forever")
		debug      = flag.Bool("debug", false, "enable the device validation layer")
		verbose    = flag.Bool("v", false, "debug logging to stderr")
		corrupt    = flag.Int("corrupt", -1, "flip the output element at this index before verification")
	)
	flag.Parse()

	out := termenv.NewOutput(os.Stdout)
	ok := func(format string, args ...any) {
		fmt.Fprintln(out, out.String(fmt.Sprintf(format, args...)).Foreground(termenv.ANSIGreen))
	}
	fail := func(format string, args ...any) {
		fmt.Fprintln(out, out.String(fmt.Sprintf(format, args...)).Foreground(termenv.ANSIRed).Bold())
	}

	if *verbose {
		gpucompute.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	var opts []gpucompute.Option
	if *configPath != "" {
		cfg, err := gpucompute.LoadConfig(*configPath)
		if err != nil {
			fail("%v", err)
			return gpucompute.ExitSetup
		}
		opts = append(opts, cfg.Options()...)
	}
	// Flags given on the command line override the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			opts = append(opts, gpucompute.WithBackend(*backend))
		case "elements":
			opts = append(opts, gpucompute.WithElements(*elements))
		case "timeout":
			opts = append(opts, gpucompute.WithFenceTimeout(*timeout))
		case "debug":
			opts = append(opts, gpucompute.WithDebugLayer(*debug))
		}
	})
	opts = append(opts,
		gpucompute.WithCorruption(*corrupt),
		gpucompute.WithProgress(func(stage gpucompute.Stage, _ uint64) {
			if stage != gpucompute.StageReadback {
				ok("%s OK", stage)
			}
		}),
	)

	s, err := gpucompute.NewSession(opts...)
	if err != nil {
		fail("Setup failed: %v", err)
		return gpucompute.ExitCode(err)
	}
	defer s.Close()
	ok("Setup OK (%s)", s.Info().Name)

	start := time.Now()
	res, err := s.Run(context.Background())
	var mm *verify.MismatchError
	switch {
	case errors.As(err, &mm):
		for _, line := range mismatchReport(mm, res) {
			fail("%s", line)
		}
	case err != nil:
		fail("%v", err)
	default:
		ok("Verification OK! (%d elements in %s)", len(res.Output), time.Since(start).Round(time.Microsecond))
	}
	return gpucompute.ExitCode(err)
}

// mismatchReport describes a failed verification, first mismatch first.
func mismatchReport(mm *verify.MismatchError, res *gpucompute.Result) []string {
	lines := []string{
		fmt.Sprintf("Verification failed at index %d", mm.Index),
		fmt.Sprintf("%d index elements are not equal!", mm.Index),
	}
	if res != nil && res.Mismatches > 1 {
		lines = append(lines, fmt.Sprintf("%d of %d elements differ", res.Mismatches, len(res.Output)))
	}
	return lines
}
