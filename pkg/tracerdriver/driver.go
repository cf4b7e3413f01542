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

// Package tracerdriver implements component F: spawning the external
// strace binary with the canonical flag set, teeing its trace output
// (which strace writes to stderr) to a capture file and to the live
// ingestion pipeline. Process spawn follows the same
// exec.Command/unix.SysProcAttr shape the teacher's sandbox process
// supervisor uses; reaping is exec.Cmd.Wait. See spec §4.F.
package tracerdriver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/systrument/systrument/pkg/tracelog"
	"github.com/systrument/systrument/pkg/traceerr"
)

// lockRetryInterval is how often TryLockContext re-polls the capture
// file's advisory lock; it keeps polling until the lock is taken or
// ctx is done.
const lockRetryInterval = 50 * time.Millisecond

// Flags is the canonical strace invocation spec §4.F requires: -f to
// follow children, -tttt for full timestamps, -T for per-call
// duration, -y/-yy for fd path/socket annotation, -v for unabridged
// structs, -s 4096 to avoid truncating strings that matter, and
// status=!unfinished so every entry line is atomic (this project does
// not reconstruct unfinished/resumed pairs).
var Flags = []string{
	"--seccomp-bpf",
	"-f",
	"-e", "status=!unfinished",
	"-T",
	"-tttt",
	"-y", "-yy",
	"-v",
	"-s", "4096",
}

// ExitInternalError is returned by Driver.Run's exit code when the
// driver itself fails (as opposed to the traced command exiting
// non-zero, whose code is passed through unchanged).
const ExitInternalError = 125

// Driver spawns strace against a target command, writing its trace
// output (stderr) to an advisory-locked capture file while optionally also
// streaming it to a live reader for the ingestion pipeline.
type Driver struct {
	StracePath   string // defaults to "strace" resolved via $PATH
	CaptureFile  string
	TargetArgv   []string
	LivePipeline bool
}

// Handle is a started strace invocation. Live, when non-nil, must be
// drained concurrently with Wait: the pipe feeding it is unbuffered,
// so a caller that defers reading until after Wait returns will
// deadlock the traced process the moment its trace output exceeds one
// pipe write.
type Handle struct {
	Live io.Reader

	cmd  *exec.Cmd
	lock *flock.Flock
	out  *os.File
	pw   *io.PipeWriter
}

// Start spawns strace against the target command and returns
// immediately once the process has launched; call Wait to block for
// its exit code.
func (d *Driver) Start(ctx context.Context) (*Handle, error) {
	strace := d.StracePath
	if strace == "" {
		strace = "strace"
	}

	captureDir := "."
	if d.CaptureFile != "" {
		captureDir = dirOf(d.CaptureFile)
	}
	lock := flock.New(lockPathFor(d.CaptureFile, captureDir))
	locked, lerr := lock.TryLockContext(ctx, lockRetryInterval)
	if lerr != nil {
		return nil, &traceerr.IOError{Op: "locking capture file", Err: lerr}
	}
	if !locked {
		return nil, &traceerr.IOError{Op: "locking capture file", Err: fmt.Errorf("another recorder already holds %s", d.CaptureFile)}
	}

	captureOut, cerr := os.Create(d.CaptureFile)
	if cerr != nil {
		lock.Unlock()
		return nil, &traceerr.IOError{Op: "creating capture file", Err: cerr}
	}

	args := append(append([]string{}, Flags...), d.TargetArgv...)
	cmd := exec.CommandContext(ctx, strace, args...)
	cmd.SysProcAttr = &unix.SysProcAttr{Pdeathsig: unix.SIGKILL}
	cmd.Stdin = os.Stdin

	h := &Handle{cmd: cmd, lock: lock, out: captureOut}

	if d.LivePipeline {
		pipeReader, pipeWriter := io.Pipe()
		cmd.Stderr = io.MultiWriter(captureOut, pipeWriter)
		h.Live = pipeReader
		h.pw = pipeWriter
	} else {
		cmd.Stderr = captureOut
	}
	// strace writes its trace output to stderr by default unless -o
	// redirects it; this driver relies on the default so the traced
	// command's own stdout/stderr pass through untouched.
	cmd.Stdout = os.Stdout

	tracelog.WithField("argv", d.TargetArgv).Infof("starting strace")
	if err := cmd.Start(); err != nil {
		if h.pw != nil {
			h.pw.Close()
		}
		captureOut.Close()
		lock.Unlock()
		return nil, &traceerr.IOError{Op: "starting strace", Err: err}
	}
	return h, nil
}

// Wait blocks for strace to exit and returns the code to propagate:
// the traced command's own exit code on a normal exit, or
// ExitInternalError if the driver itself failed.
func (h *Handle) Wait() (exitCode int, err error) {
	waitErr := h.cmd.Wait()
	if h.pw != nil {
		h.pw.Close()
	}
	h.out.Close()
	h.lock.Unlock()

	if waitErr == nil {
		return 0, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return ExitInternalError, &traceerr.IOError{Op: "waiting for strace", Err: waitErr}
}

// Run is the synchronous convenience form for callers with no live
// pipeline: it starts strace and blocks for its exit code.
func (d *Driver) Run(ctx context.Context) (exitCode int, err error) {
	h, err := d.Start(ctx)
	if err != nil {
		return ExitInternalError, err
	}
	return h.Wait()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func lockPathFor(captureFile, dir string) string {
	if captureFile == "" {
		return dir + "/.systrument.lock"
	}
	return captureFile + ".lock"
}
