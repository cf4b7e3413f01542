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

	"github.com/systrument/systrument/pkg/category"
	"github.com/systrument/systrument/pkg/perfetto"
	"github.com/systrument/systrument/pkg/pipeline"
	"github.com/systrument/systrument/pkg/reconstruct"
)

// strace2perfettoCommand converts a previously captured strace log
// into a Perfetto trace file, offline.
type strace2perfettoCommand struct {
	in          string
	out         string
	includeLogs bool
	all         bool
	topExecs    int
}

func (*strace2perfettoCommand) Name() string { return "strace2perfetto" }
func (*strace2perfettoCommand) Synopsis() string {
	return "convert a captured strace log to a Perfetto trace file"
}
func (*strace2perfettoCommand) Usage() string {
	return `strace2perfetto -in <capture file> -out <trace.perfetto>
`
}

func (c *strace2perfettoCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.in, "in", "", "capture file to read, or \"-\" for stdin")
	f.StringVar(&c.out, "out", "", "Perfetto trace file to write (required)")
	f.BoolVar(&c.includeLogs, "include-logs", false, "interleave android_log packets alongside slices")
	f.BoolVar(&c.all, "all", false, "keep every syscall category instead of the file+process default")
	f.IntVar(&c.topExecs, "top-execs", 0, "after conversion, print the N most recent exec calls (basename and timestamp) to stderr")
}

func (c *strace2perfettoCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.out == "" {
		return fatalf("strace2perfetto: -out is required")
	}

	in, err := openInput(c.in)
	if err != nil {
		return fatalf("strace2perfetto: %v", err)
	}
	defer in.Close()

	outFile, err := os.Create(c.out)
	if err != nil {
		return fatalf("strace2perfetto: %v", err)
	}
	defer outFile.Close()

	filter := category.DefaultFilter
	if c.all {
		filter = nil
	}

	emitter := perfetto.New(outFile, c.includeLogs)
	p := pipeline.New(pipeline.Options{Input: in, Categories: filter, Perfetto: emitter})
	if err := p.Run(ctx); err != nil {
		return fatalf("strace2perfetto: %v", err)
	}

	if c.topExecs > 0 {
		for _, e := range reconstruct.SlowestExecs(p.Tree(), c.topExecs) {
			fmt.Fprintf(os.Stderr, "%s\t%.6f\n", reconstruct.ExecBasename(e.Path), e.Ts)
		}
	}

	fmt.Fprintf(os.Stderr, "wrote %s\n", c.out)
	return subcommands.ExitSuccess
}

// openInput resolves the "-in" flag convention shared by the two
// offline conversion subcommands: an explicit path, or stdin when the
// flag is empty or "-".
func openInput(path string) (*os.File, error) {
	if path == "" || path == "-" {
		return os.Stdin, nil
	}
	return os.Open(path)
}
