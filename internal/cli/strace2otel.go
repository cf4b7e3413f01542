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
	"time"

	"github.com/google/subcommands"

	"github.com/systrument/systrument/internal/runconfig"
	"github.com/systrument/systrument/pkg/category"
	"github.com/systrument/systrument/pkg/otlpexport"
	"github.com/systrument/systrument/pkg/pipeline"
)

// strace2otelCommand converts a previously captured strace log into
// OTLP spans and posts them to a collector, offline.
type strace2otelCommand struct {
	in            string
	endpoint      string
	batchSize     int
	batchInterval time.Duration
	relativeToNow bool
	syscallLogs   bool
	all           bool
}

// defaultOTLPEndpoint is spec §4.E's fallback collector base URL when
// neither -endpoint nor $OTEL_EXPORTER_OTLP_ENDPOINT is set.
const defaultOTLPEndpoint = "http://localhost:4318"

func (*strace2otelCommand) Name() string { return "strace2otel" }
func (*strace2otelCommand) Synopsis() string {
	return "convert a captured strace log to OTLP spans and export them"
}
func (*strace2otelCommand) Usage() string {
	return `strace2otel -in <capture file> [-endpoint <url>]
`
}

func (c *strace2otelCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.in, "in", "", "capture file to read, or \"-\" for stdin")
	f.StringVar(&c.endpoint, "endpoint", "", "OTLP/HTTP collector base URL; defaults to $"+runconfig.DefaultOTLPEndpointEnv+" or "+defaultOTLPEndpoint)
	f.IntVar(&c.batchSize, "batch-size", 0, "spans per batch (default 512)")
	f.DurationVar(&c.batchInterval, "batch-interval", 0, "max time to hold a partial batch before flushing (default 250ms)")
	f.BoolVar(&c.relativeToNow, "relative-to-now", false, "rebase span timestamps so the earliest event lands at the current time")
	f.BoolVar(&c.syscallLogs, "logs", false, "also export one OTLP log record per syscall interval")
	f.BoolVar(&c.all, "all", false, "keep every syscall category instead of the file+process default")
}

func (c *strace2otelCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := runconfig.Resolve(runconfig.Config{
		OTLPEndpoint:  c.endpoint,
		BatchSize:     c.batchSize,
		BatchInterval: c.batchInterval,
	})
	if err != nil {
		return fatalf("strace2otel: %v", err)
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = defaultOTLPEndpoint
	}

	in, err := openInput(c.in)
	if err != nil {
		return fatalf("strace2otel: %v", err)
	}
	defer in.Close()

	filter := category.DefaultFilter
	if c.all {
		filter = nil
	}

	opts := []otlpexport.Option{
		otlpexport.WithBatchSize(cfg.BatchSize),
		otlpexport.WithBatchInterval(cfg.BatchInterval),
	}
	if c.relativeToNow {
		opts = append(opts, otlpexport.WithRelativeToNow(time.Now()))
	}
	exporter := otlpexport.New(cfg.OTLPEndpoint, opts...)
	defer exporter.Close()

	// pipeline.Run owns driving exporter.Run itself, stopping it once
	// the input stream is exhausted; this command only needs to feed
	// it the capture file.
	p := pipeline.New(pipeline.Options{Input: in, Categories: filter, OTLP: exporter, Logs: c.syscallLogs})
	if err := p.Run(ctx); err != nil {
		return fatalf("strace2otel: %v", err)
	}
	fmt.Fprintf(os.Stderr, "exported spans to %s\n", cfg.OTLPEndpoint)
	return subcommands.ExitSuccess
}
