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

package reconstruct

import (
	"fmt"
	"strings"
	"testing"

	"github.com/systrument/systrument/pkg/straceline"
	"github.com/systrument/systrument/pkg/straceparse"
	"github.com/systrument/systrument/pkg/traceevent"
)

// feedAll feeds every line through the reconstructor and then flushes
// its reorder window, so tests exercising only a handful of lines
// still see the tree/interval output a real end-of-stream drain would
// produce.
func feedAll(t *testing.T, r *Reconstructor, lines []string) []*traceevent.SyscallInterval {
	t.Helper()
	var out []*traceevent.SyscallInterval
	for _, line := range lines {
		proc, err := feedOne(t, r, line)
		if err != nil {
			t.Fatalf("feeding %q: %v", line, err)
		}
		if proc != nil && proc.Interval != nil {
			out = append(out, proc.Interval)
		}
	}
	flushed, err := r.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	for _, proc := range flushed {
		if proc.Interval != nil {
			out = append(out, proc.Interval)
		}
	}
	return out
}

func TestReconstructForkAttachesChild(t *testing.T) {
	r := New()
	feedAll(t, r, []string{
		`1 1700000000.000000 fork() = 2`,
		`2 1700000000.000100 execve("/bin/sh", ["sh"], 0x0 /* 0 vars */) = 0`,
	})
	tree := r.Tree()
	child, ok := tree.Processes[2]
	if !ok {
		t.Fatalf("pid 2 not tracked")
	}
	if !child.HasParent || child.ParentPid != 1 {
		t.Fatalf("child = %+v", child)
	}
	parent := tree.Processes[1]
	if len(parent.Children) != 1 || parent.Children[0] != 2 {
		t.Fatalf("parent children = %+v", parent.Children)
	}
	if len(child.ExecHistory) != 1 || child.ExecHistory[0].Path != "/bin/sh" {
		t.Fatalf("exec history = %+v", child.ExecHistory)
	}
}

func TestReconstructBackfillChildSeenFirst(t *testing.T) {
	r := New()
	// The child's own first line lands before the parent's clone()
	// return is fed, exercising the back-fill path in Tree.Attach.
	feedAll(t, r, []string{
		`2 1700000000.000050 execve("/bin/sh", ["sh"], 0x0 /* 0 vars */) = 0`,
		`1 1700000000.000100 fork() = 2`,
	})
	tree := r.Tree()
	child := tree.Processes[2]
	if !child.HasParent || child.ParentPid != 1 {
		t.Fatalf("child = %+v", child)
	}
	if child.StartTs != 1700000000.00005 {
		t.Fatalf("child start ts = %v, want the earlier observation", child.StartTs)
	}
	for _, root := range tree.Roots {
		if root == 2 {
			t.Fatalf("pid 2 should have been removed from roots once attached")
		}
	}
}

func TestReconstructCloneThreadDoesNotAttach(t *testing.T) {
	r := New()
	feedAll(t, r, []string{
		`1 1700000000.000000 clone(child_stack=0x7f0000, flags=CLONE_THREAD|CLONE_VM|CLONE_SIGHAND, ...) = 2`,
	})
	tree := r.Tree()
	if _, ok := tree.Processes[2]; ok {
		t.Fatalf("thread pid 2 should not be tracked as a process")
	}
}

func TestReconstructExitClosesProcess(t *testing.T) {
	r := New()
	feedAll(t, r, []string{
		`1 1700000000.000000 exit_group(0) = ?`,
		`1 1700000000.000001 +++ exited with 0 +++`,
	})
	proc := r.Tree().Processes[1]
	if !proc.HasEnded || !proc.HasExit || proc.ExitStatus.Kind != traceevent.ExitNormal {
		t.Fatalf("proc = %+v", proc)
	}
}

func TestReconstructDurationExtendsEndTs(t *testing.T) {
	r := New()
	out := feedAll(t, r, []string{
		`1234 1700000000.000000 execve("/bin/true", ["true"], 0x0 /* 0 vars */) = 0 <0.000100>`,
	})
	if len(out) != 1 {
		t.Fatalf("got %d intervals, want 1", len(out))
	}
	iv := out[0]
	const ts = 1700000000.0
	const duration = 0.000100
	if iv.StartTs != ts {
		t.Errorf("StartTs = %v, want %v", iv.StartTs, ts)
	}
	if iv.EndTs != ts+duration {
		t.Errorf("EndTs = %v, want %v", iv.EndTs, ts+duration)
	}
}

func TestReconstructToleratesOutOfOrderWithinWindow(t *testing.T) {
	r := New()
	out := feedAll(t, r, []string{
		`1 1700000000.000100 close(3) = 0`,
		`1 1700000000.000000 close(4) = 0`, // arrives second but timestamped first
	})
	if len(out) != 2 {
		t.Fatalf("got %d intervals, want 2", len(out))
	}
	// The reorder window re-sorts by ts before emitting, so close(4)
	// (ts .000000) comes out ahead of close(3) (ts .000100) despite
	// arriving second.
	if out[0].Name != "close" || out[0].StartTs != 1700000000.000000 {
		t.Fatalf("out[0] = %+v, want the earlier close", out[0])
	}
	if out[1].StartTs != 1700000000.000100 {
		t.Fatalf("out[1] = %+v, want the later close", out[1])
	}
}

func TestReconstructAcceptsTimestampBeyondReorderWindow(t *testing.T) {
	r := New()
	lines := []string{`1 1700000000.000000 close(3) = 0`}
	for i := 1; i <= reorderWindow; i++ {
		lines = append(lines, fmt.Sprintf("1 %d.000000 close(4) = 0", 1700000000+i))
	}
	// Arrives after reorderWindow more lines have already slid past
	// it and out the other end -- too stale for the window to
	// reconcile, but spec §4.C says accept it anyway, just flagged.
	lines = append(lines, `1 1699999999.000000 close(5) = 0`)

	out := feedAll(t, r, lines)
	if len(out) != len(lines) {
		t.Fatalf("got %d intervals, want %d; stale input must still be emitted, not dropped", len(out), len(lines))
	}
}

func feedOne(t *testing.T, r *Reconstructor, line string) (*Processed, error) {
	t.Helper()
	f := straceline.New(strings.NewReader(line + "\n"))
	fl, err := f.Next()
	if err != nil {
		t.Fatalf("framing: %v", err)
	}
	pl, err := straceparse.ParseLine(fl)
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	return r.Feed(pl)
}

func TestSlowestExecs(t *testing.T) {
	tree := traceevent.NewTree()
	p := tree.Get(1, 0)
	p.ExecHistory = []traceevent.ExecRecord{{Ts: 1, Path: "/bin/a"}, {Ts: 5, Path: "/bin/b"}, {Ts: 3, Path: "/bin/c"}}
	top := SlowestExecs(tree, 2)
	if len(top) != 2 || top[0].Path != "/bin/b" || top[1].Path != "/bin/c" {
		t.Fatalf("top = %+v", top)
	}
}

func TestExecBasename(t *testing.T) {
	if got := ExecBasename("/usr/bin/echo"); got != "echo" {
		t.Errorf("got %q", got)
	}
	if got := ExecBasename("echo"); got != "echo" {
		t.Errorf("got %q", got)
	}
}
