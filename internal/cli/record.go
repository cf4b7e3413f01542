// Copyright 2024 The Systrument Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/systrument/systrument/internal/runconfig"
	"github.com/systrument/systrument/pkg/category"
	"github.com/systrument/systrument/pkg/otlpexport"
	"github.com/systrument/systrument/pkg/perfetto"
	"github.com/systrument/systrument/pkg/pipeline"
	"github.com/systrument/systrument/pkg/tracelog"
	"github.com/systrument/systrument/pkg/tracerdriver"
)

// recordCommand spawns strace against a target command and writes its
// output to a capture file, optionally also streaming the trace live
// through the Perfetto and/or OTLP emitters as the target runs.
type recordCommand struct {
	out          string
	livePerfetto string
	liveOTLP     string
	includeLogs  bool
	syscallLogs  bool
	all          bool
}

func (*recordCommand) Name() string     { return "record" }
func (*recordCommand) Synopsis() string { return "spawn strace against a command and capture its output" }
func (*recordCommand) Usage() string {
	return `record -out <capture file> [-live-perfetto <file>] [-live-otlp <endpoint>] -- <command> [args...]
`
}

func (c *recordCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.out, "out", "", "capture file to write the raw strace stream to (required)")
	f.StringVar(&c.livePerfetto, "live-perfetto", "", "also emit a Perfetto trace to this file as the command runs")
	f.StringVar(&c.liveOTLP, "live-otlp", "", "also export OTLP spans to this collector endpoint as the command runs")
	f.BoolVar(&c.includeLogs, "include-logs", false, "interleave android_log packets alongside slices in the live Perfetto trace")
	f.BoolVar(&c.syscallLogs, "logs", false, "also export one OTLP log record per syscall interval to -live-otlp")
	f.BoolVar(&c.all, "all", false, "keep every syscall category in the live streams instead of the file+process default")
}

func (c *recordCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.out == "" {
		return fatalf("record: -out is required")
	}
	if f.NArg() == 0 {
		return fatalf("record: a command to trace is required, e.g. record -out trace.log -- ls -la")
	}

	cfg, err := runconfig.Resolve(runconfig.Config{
		OTLPEndpoint: c.liveOTLP,
		CaptureFile:  c.out,
		IncludeLogs:  c.includeLogs,
		SyscallLogs:  c.syscallLogs,
	})
	if err != nil {
		return fatalf("record: %v", err)
	}
	ctx = runconfig.WithConfig(ctx, cfg)

	live := c.livePerfetto != "" || cfg.OTLPEndpoint != ""
	driver := &tracerdriver.Driver{
		CaptureFile:  cfg.CaptureFile,
		TargetArgv:   f.Args(),
		LivePipeline: live,
	}

	if !live {
		code, err := driver.Run(ctx)
		if err != nil {
			return fatalf("record: %v", err)
		}
		os.Exit(code)
		return subcommands.ExitSuccess
	}

	handle, err := driver.Start(ctx)
	if err != nil {
		return fatalf("record: %v", err)
	}

	filter := category.DefaultFilter
	if c.all {
		filter = nil
	}

	opts := pipeline.Options{Input: handle.Live, Categories: filter, Logs: cfg.SyscallLogs}
	if c.livePerfetto != "" {
		pf, err := os.Create(c.livePerfetto)
		if err != nil {
			return fatalf("record: %v", err)
		}
		defer pf.Close()
		opts.Perfetto = perfetto.New(pf, cfg.IncludeLogs)
	}
	if cfg.OTLPEndpoint != "" {
		exp := otlpexport.New(cfg.OTLPEndpoint, otlpexport.WithBatchSize(cfg.BatchSize), otlpexport.WithBatchInterval(cfg.BatchInterval))
		defer exp.Close()
		opts.OTLP = exp
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.New(opts).Run(gctx) })

	code, waitErr := handle.Wait()
	if pipeErr := g.Wait(); pipeErr != nil {
		tracelog.Errorf("live pipeline stopped with an error: %v", pipeErr)
	}
	if waitErr != nil {
		return fatalf("record: %v", waitErr)
	}
	fmt.Fprintf(os.Stderr, "wrote capture to %s\n", cfg.CaptureFile)
	os.Exit(code)
	return subcommands.ExitSuccess
}
