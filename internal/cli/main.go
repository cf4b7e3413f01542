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

// Package cli is the entrypoint subcommand registry, in the same
// shape the teacher's own runsc/cli.Main uses: register every
// subcommands.Command, parse global flags, dispatch, translate the
// result into a process exit code.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"

	"github.com/systrument/systrument/pkg/tracelog"
)

// Main is the process entrypoint. It registers every subcommand,
// parses the command line, and returns the exit code cmd.Main.go
// should pass to os.Exit.
func Main() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&recordCommand{}, "")
	subcommands.Register(&strace2perfettoCommand{}, "")
	subcommands.Register(&strace2otelCommand{}, "")

	debug := flag.Bool("debug", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log output format: text or json")
	flag.Parse()

	tracelog.SetLevel(*debug)
	tracelog.SetFormat(*logFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	return int(subcommands.Execute(ctx))
}

// fatalf prints a usage-style error to stderr and returns
// subcommands.ExitFailure, the shape every subcommand in this package
// uses for input validation errors.
func fatalf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
