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

// Package reconstruct implements component C: turning the parser's
// stream of ParsedLine values into syscall intervals and a live
// process tree, reconciling parent/child lines that can arrive out of
// the order the fork/clone family would suggest. See spec §4.C.
package reconstruct

import (
	"sort"

	"github.com/systrument/systrument/pkg/category"
	"github.com/systrument/systrument/pkg/tracelog"
	"github.com/systrument/systrument/pkg/traceerr"
	"github.com/systrument/systrument/pkg/traceevent"
)

// reorderWindow bounds how many lines the reconstructor holds back
// waiting for an out-of-order parent/child pair to reconcile, per
// spec §4.C's bounded-memory requirement.
const reorderWindow = 64

// cloneFamily are the syscalls that can create a new thread or
// process; execve/execveat and exit_group are handled separately.
var cloneFamily = map[string]bool{
	"fork": true, "vfork": true, "clone": true, "clone3": true,
}

// CLONE_THREAD, from linux/sched.h, distinguishes a new thread within
// the calling process's thread group from a genuinely new process.
// Supplemented from the replit strace-to-perfetto converter, which
// draws the same line for its own per-thread vs. per-process tracks.
const cloneThread = 0x00010000

// pendingLine is one buffered-but-not-yet-processed line, tagged with
// its arrival order so lines that tie on (ts, pid, kind) still come
// out in the order they went in.
type pendingLine struct {
	pl  traceevent.ParsedLine
	seq int64
}

// Processed is what Feed/Flush hand back once a buffered line clears
// the reorder window: the line as it was finally reconciled, plus the
// syscall interval it produced, if any.
type Processed struct {
	Line     traceevent.ParsedLine
	Interval *traceevent.SyscallInterval
}

// Reconstructor consumes ParsedLine values in arrival order and
// produces SyscallInterval values and tree mutations. It is not safe
// for concurrent use; spec §5 runs it single-threaded downstream of
// the parser.
type Reconstructor struct {
	tree *traceevent.Tree

	// pending holds up to reorderWindow lines, kept sorted by
	// (ts, pid, kind), so a tracer's near-sorted-but-jittery
	// interleaving across pids comes back out in the order spec
	// §8 invariant 2 requires. seq is the arrival-order tiebreaker.
	pending []pendingLine
	seq     int64

	lastEmittedTs float64
	haveEmitted   bool
}

// New returns a Reconstructor with an empty process tree.
func New() *Reconstructor {
	return &Reconstructor{tree: traceevent.NewTree()}
}

// Tree returns the live process tree built so far. The returned value
// is mutated by subsequent Feed/Flush calls; callers that need a
// stable snapshot should copy it.
func (r *Reconstructor) Tree() *traceevent.Tree { return r.tree }

// Feed buffers pl in the bounded reorder window described by spec
// §4.C and returns the next line to clear that window, re-sorted into
// place, once the window is full. Until then it returns (nil, nil):
// with reorderWindow lines held back, Feed only starts handing results
// back once that many lines have been seen, after which one line pops
// out for every one fed in. Call Flush once the input stream ends to
// drain whatever is still buffered.
func (r *Reconstructor) Feed(pl traceevent.ParsedLine) (*Processed, error) {
	r.insert(pl)
	if len(r.pending) <= reorderWindow {
		return nil, nil
	}
	return r.pop()
}

// Flush drains every line still held in the reorder window, in order,
// then flags every process that has not ended as EndUnknown. Callers
// must call this once after the input stream ends, or the last
// reorderWindow lines are never processed.
func (r *Reconstructor) Flush() ([]*Processed, error) {
	var out []*Processed
	for len(r.pending) > 0 {
		p, err := r.pop()
		if p != nil {
			out = append(out, p)
		}
		if err != nil {
			return out, err
		}
	}
	for _, proc := range r.tree.Processes {
		if !proc.HasEnded {
			proc.EndUnknown = true
		}
	}
	return out, nil
}

// insert places pl into the sorted pending buffer.
func (r *Reconstructor) insert(pl traceevent.ParsedLine) {
	entry := pendingLine{pl: pl, seq: r.seq}
	r.seq++
	i := sort.Search(len(r.pending), func(i int) bool { return less(entry, r.pending[i]) })
	r.pending = append(r.pending, pendingLine{})
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = entry
}

// less orders pending lines the way spec §8 invariant 2 requires the
// emitted stream to be ordered: ts ascending, ties broken by pid
// ascending, then entry < signal < exit, then arrival order.
func less(a, b pendingLine) bool {
	if a.pl.Ts != b.pl.Ts {
		return a.pl.Ts < b.pl.Ts
	}
	if a.pl.Pid != b.pl.Pid {
		return a.pl.Pid < b.pl.Pid
	}
	if ka, kb := kindOrder(a.pl.Kind), kindOrder(b.pl.Kind); ka != kb {
		return ka < kb
	}
	return a.seq < b.seq
}

func kindOrder(k traceevent.LineKind) int {
	switch k {
	case traceevent.LineSyscallEntry:
		return 0
	case traceevent.LineSignalDelivery:
		return 1
	default: // LineProcessExit, LineDetach
		return 2
	}
}

// pop removes and processes the earliest buffered line. Re-sorting on
// the way in already reconciles the jitter the reorder window is
// sized for; a line that still precedes the last emitted ts once
// popped has drifted more than reorderWindow lines out of place. Per
// spec §4.C that input is accepted anyway, and only flagged, rather
// than rejected.
func (r *Reconstructor) pop() (*Processed, error) {
	entry := r.pending[0]
	r.pending = r.pending[1:]
	pl := entry.pl

	if r.haveEmitted && pl.Ts < r.lastEmittedTs {
		tracelog.Warnf("pid %d: ts %.6f precedes last emitted ts %.6f by more than the %d-line reorder window, accepting out of order", pl.Pid, pl.Ts, r.lastEmittedTs, reorderWindow)
	} else {
		r.lastEmittedTs = pl.Ts
		r.haveEmitted = true
	}

	var iv *traceevent.SyscallInterval
	var err error
	switch pl.Kind {
	case traceevent.LineSyscallEntry:
		iv, err = r.feedSyscall(pl)
	case traceevent.LineSignalDelivery:
		r.tree.Get(pl.Pid, pl.Ts)
	case traceevent.LineProcessExit:
		err = r.feedExit(pl)
	case traceevent.LineDetach:
		proc := r.tree.Get(pl.Pid, pl.Ts)
		if !proc.HasEnded {
			proc.HasEnded = true
			proc.EndUnknown = true
			proc.EndTs = pl.Ts
		}
	default:
		err = &traceerr.ReconstructionAnomaly{Pid: pl.Pid, Reason: "unrecognized line kind", AtLine: 0}
	}
	if err != nil {
		return nil, err
	}
	return &Processed{Line: pl, Interval: iv}, nil
}

func (r *Reconstructor) feedSyscall(pl traceevent.ParsedLine) (*traceevent.SyscallInterval, error) {
	proc := r.tree.Get(pl.Pid, pl.Ts)

	switch {
	case cloneFamily[pl.Name]:
		r.handleClone(pl, proc)
	case pl.Name == "execve" || pl.Name == "execveat":
		r.handleExec(pl, proc)
	case pl.Name == "exit_group" || pl.Name == "exit":
		// The matching ProcessExit pseudo-line carries the actual
		// status; this entry alone does not end the process.
	}

	interval := &traceevent.SyscallInterval{
		Pid:        pl.Pid,
		StartTs:    pl.Ts,
		EndTs:      pl.Ts,
		Name:       pl.Name,
		Args:       pl.Args,
		RetvalInt:  pl.Completion.RetvalInt,
		RetvalHex:  pl.Completion.RetvalHex,
		ErrnoName:  pl.Completion.ErrnoName,
		ErrnoMsg:   pl.Completion.ErrnoMsg,
		Category:   category.Of(pl.Name),
		NoDuration: !pl.Completion.HasDur,
		Incomplete: pl.Completion.RetvalUnk,
	}
	if pl.Completion.HasDur {
		interval.EndTs = pl.Ts + pl.Completion.Duration
	}
	return interval, nil
}

// handleClone extracts the child pid from the clone family's return
// value and attaches it to the tree, applying the back-fill
// reconciliation spec §4.C describes: the child may already have an
// entry (from its own first line arriving first within the reorder
// window), in which case the earlier of the two timestamps wins.
func (r *Reconstructor) handleClone(pl traceevent.ParsedLine, parent *traceevent.ProcessRecord) {
	if pl.Completion.RetvalUnk || pl.Completion.RetvalInt <= 0 {
		return // failed call, or this is the child's own return (0)
	}
	childPid := int(pl.Completion.RetvalInt)

	if isThreadCreation(pl) {
		// A new thread in the same thread group is not a new
		// process in the tree; the category table still records the
		// clone() syscall itself as a CategoryProcess interval.
		tracelog.Debugf("pid %d: clone %d is a thread, not attaching to tree", pl.Pid, childPid)
		return
	}
	r.tree.Attach(pl.Pid, childPid, pl.Ts)
}

// isThreadCreation reports whether a clone()/clone3() call created a
// thread (CLONE_THREAD) rather than a new process. fork()/vfork()
// never set it. Supplemented from the replit strace-to-perfetto
// converter per SPEC_FULL.md §12.
func isThreadCreation(pl traceevent.ParsedLine) bool {
	if pl.Name == "fork" || pl.Name == "vfork" {
		return false
	}
	for _, arg := range pl.Args {
		flags, ok := findFlags(arg)
		if !ok {
			continue
		}
		for _, part := range flags.FlagParts {
			if part == "CLONE_THREAD" {
				return true
			}
		}
	}
	return false
}

// findFlags looks for a flags bitmask argument, either bare (clone's
// second positional argument) or nested in a clone3 struct's "flags"
// field.
func findFlags(v traceevent.Value) (traceevent.Value, bool) {
	if v.Kind == traceevent.KindFlags {
		return v, true
	}
	if v.Kind == traceevent.KindStruct {
		for _, f := range v.Fields {
			if f.Name == "flags" && f.Value.Kind == traceevent.KindFlags {
				return f.Value, true
			}
		}
	}
	return traceevent.Value{}, false
}

// handleExec appends an ExecRecord. Per spec §4.C an exec does not
// start a new process record; it replaces the image of the calling
// one. The recorded path is the exec's filename argument (the first for
// execve, the second for execveat), unchanged; ExecBasename derives
// emitter track names from it per SPEC_FULL.md §12.
func (r *Reconstructor) handleExec(pl traceevent.ParsedLine, proc *traceevent.ProcessRecord) {
	if pl.Completion.RetvalUnk || pl.Completion.RetvalInt != 0 {
		return // execve only "returns" (to strace) on failure; success replaces the image
	}
	pathArg := 0
	if pl.Name == "execveat" {
		pathArg = 1 // execveat(dirfd, pathname, argv, envp, flags)
	}
	path := ""
	if len(pl.Args) > pathArg && pl.Args[pathArg].Kind == traceevent.KindString {
		path = pl.Args[pathArg].Str
	}
	proc.ExecHistory = append(proc.ExecHistory, traceevent.ExecRecord{Ts: pl.Ts, Path: path})
}

func (r *Reconstructor) feedExit(pl traceevent.ParsedLine) error {
	proc := r.tree.Get(pl.Pid, pl.Ts)
	proc.HasEnded = true
	proc.EndTs = pl.Ts
	proc.HasExit = true
	proc.ExitStatus = pl.Exit
	return nil
}

// ExecBasename returns the final path component of an exec's path,
// used by the Perfetto emitter to name a process's track. It mirrors
// the name anonymouse64-snapd's strace timing tool derives for its
// own per-exec report rows.
func ExecBasename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// SlowestExecs returns the n exec records across the whole tree with
// the latest timestamps, sorted by timestamp descending. Exec records
// carry no duration, so the ranking does not measure how long an exec
// took. It backs the --top-execs flag SPEC_FULL.md §12 adds to
// strace2perfetto, inspired by anonymouse64-snapd's ExecveTiming
// report.
func SlowestExecs(tree *traceevent.Tree, n int) []traceevent.ExecRecord {
	var all []traceevent.ExecRecord
	for _, p := range tree.Processes {
		all = append(all, p.ExecHistory...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Ts > all[j].Ts })
	if n >= 0 && n < len(all) {
		all = all[:n]
	}
	return all
}
