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

// Package pipeline implements component G: wiring the single-
// threaded Lexer/Parser/Reconstructor chain to one or more emitters,
// each running on its own goroutine behind a bounded channel, using
// golang.org/x/sync/errgroup for first-error cancellation the same
// way the teacher's own multi-stage boot sequence is organized. See
// spec §5.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/systrument/systrument/pkg/otlpexport"
	"github.com/systrument/systrument/pkg/perfetto"
	"github.com/systrument/systrument/pkg/reconstruct"
	"github.com/systrument/systrument/pkg/straceline"
	"github.com/systrument/systrument/pkg/straceparse"
	"github.com/systrument/systrument/pkg/tracelog"
	"github.com/systrument/systrument/pkg/traceevent"
)

// drainDeadline bounds how long emitters get to flush their queues
// after the input stream ends or a shutdown signal fires, per spec
// §5's single-shutdown-signal model.
const drainDeadline = 30 * time.Second

// intervalQueueDepth is the bounded channel size between the
// reconstructor and the Perfetto sink.
const intervalQueueDepth = 1024

// Options configures which emitters a Pipeline drives.
type Options struct {
	Input io.Reader
	// Categories restricts emitted intervals to this set; nil keeps
	// every category. Callers wanting the record/strace2* subcommands'
	// file+process default pass category.DefaultFilter explicitly.
	Categories map[traceevent.Category]bool

	Perfetto *perfetto.Emitter    // nil disables the Perfetto sink
	OTLP     *otlpexport.Exporter // nil disables the OTLP sink
	// TraceIDForRoot, if set, assigns the 128-bit trace ID for a root
	// process's whole tree instead of a random one.
	TraceIDForRoot func(pid int) string
	// Logs, when true and OTLP is set, enqueues one OTLP log record
	// per syscall interval alongside the per-process spans (spec
	// §4.E's --logs).
	Logs bool
}

// Pipeline runs the ingestion chain once over Options.Input.
type Pipeline struct {
	opts  Options
	recon *reconstruct.Reconstructor

	// spanIDs and traceIDs are populated lazily as processes are
	// observed, so a span ID exists for a parent before any of its
	// children export their own span. Only runIngest's goroutine
	// touches these, so no locking is needed.
	spanIDs  map[int]string
	traceIDs map[int]string // keyed by root pid
}

// New returns a Pipeline ready to Run.
func New(opts Options) *Pipeline {
	return &Pipeline{
		opts:     opts,
		recon:    reconstruct.New(),
		spanIDs:  make(map[int]string),
		traceIDs: make(map[int]string),
	}
}

// keepsCategory reports whether an interval in category c should
// reach the emitters.
func (p *Pipeline) keepsCategory(c traceevent.Category) bool {
	if p.opts.Categories == nil {
		return true
	}
	return p.opts.Categories[c]
}

// Tree exposes the live process tree the reconstructor builds, for
// callers that want a final snapshot (e.g. to print --top-execs)
// after Run returns.
func (p *Pipeline) Tree() *traceevent.Tree { return p.recon.Tree() }

// Run drives the pipeline to completion or until ctx is cancelled. On
// cancellation it still gives emitters up to drainDeadline to flush
// before returning ctx's error.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Exporter.Run only returns once its context is cancelled -- it
	// has no other signal for "the input stream ended". otlpCtx lets
	// ingest completing normally stop it too, instead of only a
	// caller-initiated or sibling-error cancellation.
	otlpCtx, cancelOTLP := context.WithCancel(gctx)
	defer cancelOTLP()

	intervals := make(chan *traceevent.SyscallInterval, intervalQueueDepth)

	if p.opts.Perfetto != nil {
		g.Go(func() error { return p.runPerfettoSink(gctx, intervals) })
	} else {
		g.Go(func() error {
			for range intervals {
			}
			return nil
		})
	}

	if p.opts.OTLP != nil {
		g.Go(func() error { return p.opts.OTLP.Run(otlpCtx) })
	}

	g.Go(func() error {
		defer close(intervals)
		defer cancelOTLP()
		return p.runIngest(gctx, intervals)
	})

	err := g.Wait()
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// runIngest is the single-threaded Lexer -> Parser -> Reconstructor
// chain. It is the only goroutine that mutates the process tree.
//
// Reconstructor.Feed holds lines in a bounded reorder window (spec
// §4.C) before handing them back re-sorted, so a reconstruction
// anomaly here means the line itself was malformed, not merely out of
// order -- out-of-order inputs are accepted and flagged by the
// reconstructor itself, never dropped.
func (p *Pipeline) runIngest(ctx context.Context, intervals chan<- *traceevent.SyscallInterval) error {
	framer := straceline.New(p.opts.Input)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fl, err := framer.Next()
		if err == io.EOF {
			return p.drainReconstructor(ctx, intervals)
		}
		if err != nil {
			return err
		}

		pl, err := straceparse.ParseLine(fl)
		if err != nil {
			return err
		}

		proc, err := p.recon.Feed(pl)
		if err != nil {
			tracelog.Warnf("reconstruction anomaly: %v", err)
			continue
		}
		if proc == nil {
			continue
		}
		if err := p.handleProcessed(ctx, proc, intervals); err != nil {
			return err
		}
	}
}

// drainReconstructor flushes every line still held in the
// reconstructor's reorder window once the input stream ends; without
// this the last reorderWindow lines would never reach the emitters.
func (p *Pipeline) drainReconstructor(ctx context.Context, intervals chan<- *traceevent.SyscallInterval) error {
	flushed, err := p.recon.Flush()
	if err != nil {
		tracelog.Warnf("reconstruction anomaly during flush: %v", err)
	}
	for _, proc := range flushed {
		if err := p.handleProcessed(ctx, proc, intervals); err != nil {
			return err
		}
	}
	return nil
}

// handleProcessed emits proc's interval (if any) to the Perfetto
// channel and/or OTLP log stream, and fires the exec-track/exit-span
// side effects its line implies.
func (p *Pipeline) handleProcessed(ctx context.Context, proc *reconstruct.Processed, intervals chan<- *traceevent.SyscallInterval) error {
	pl, iv := proc.Line, proc.Interval

	if iv != nil {
		if p.keepsCategory(iv.Category) {
			select {
			case intervals <- iv:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if p.opts.OTLP != nil && p.opts.Logs {
			p.enqueueSyscallLog(iv)
		}
	}

	if pl.Kind == traceevent.LineSyscallEntry && (pl.Name == "execve" || pl.Name == "execveat") {
		if p.opts.Perfetto != nil {
			if tp := p.recon.Tree().Processes[pl.Pid]; tp != nil && len(tp.ExecHistory) > 0 {
				latest := tp.ExecHistory[len(tp.ExecHistory)-1]
				if err := p.opts.Perfetto.EnsureProcessTrack(pl.Pid, latest.Path); err != nil {
					return err
				}
			}
		}
	}

	if pl.Kind == traceevent.LineProcessExit && p.opts.OTLP != nil {
		if err := p.exportProcessSpan(ctx, pl.Pid); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runPerfettoSink(ctx context.Context, intervals <-chan *traceevent.SyscallInterval) error {
	for {
		select {
		case iv, ok := <-intervals:
			if !ok {
				return p.opts.Perfetto.Flush()
			}
			if err := p.opts.Perfetto.EmitInterval(iv); err != nil {
				return err
			}
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
			defer cancel()
			return p.drainPerfetto(drainCtx, intervals)
		}
	}
}

func (p *Pipeline) drainPerfetto(ctx context.Context, intervals <-chan *traceevent.SyscallInterval) error {
	for {
		select {
		case iv, ok := <-intervals:
			if !ok {
				return p.opts.Perfetto.Flush()
			}
			if err := p.opts.Perfetto.EmitInterval(iv); err != nil {
				return err
			}
		case <-ctx.Done():
			return p.opts.Perfetto.Flush()
		}
	}
}

// exportProcessSpan builds exactly one span for the process -- root
// spans get no parent, subprocess spans link to their real parent's
// span via ParentSpanIDHex -- and enqueues it with the OTLP exporter.
// Exec history rides along as attributes instead of child spans, per
// spec §4.E's span shape.
func (p *Pipeline) exportProcessSpan(ctx context.Context, pid int) error {
	proc := p.recon.Tree().Processes[pid]
	if proc == nil {
		return nil
	}

	traceID := p.traceIDForProcess(proc)
	spanID := p.spanIDForPid(pid)
	var parentSpanID string
	if proc.HasParent {
		parentSpanID = p.spanIDForPid(proc.ParentPid)
	}

	name := "process"
	if len(proc.ExecHistory) > 0 {
		name = reconstruct.ExecBasename(proc.ExecHistory[len(proc.ExecHistory)-1].Path)
	}

	attrs := map[string]string{"pid": itoa(proc.Pid)}
	for i, exec := range proc.ExecHistory {
		attrs[fmt.Sprintf("exec%d.path", i)] = exec.Path
		attrs[fmt.Sprintf("exec%d.ts", i)] = strconv.FormatFloat(exec.Ts, 'f', -1, 64)
	}

	span := otlpexport.Span{
		TraceIDHex:      traceID,
		SpanIDHex:       spanID,
		ParentSpanIDHex: parentSpanID,
		Name:            name,
		StartUnixNano:   tsToNanos(proc.StartTs),
		EndUnixNano:     tsToNanos(proc.EndTs),
		Attributes:      attrs,
	}
	return p.opts.OTLP.Enqueue(ctx, span)
}

// enqueueSyscallLog submits one OTLP log record for iv, stamped with
// the trace/span IDs of the process that issued the syscall.
func (p *Pipeline) enqueueSyscallLog(iv *traceevent.SyscallInterval) {
	proc := p.recon.Tree().Processes[iv.Pid]
	if proc == nil {
		return
	}
	attrs := map[string]string{
		"pid":      itoa(iv.Pid),
		"category": iv.Category.String(),
	}
	if iv.ErrnoName != "" {
		attrs["errno"] = iv.ErrnoName
	}
	p.opts.OTLP.EnqueueLog(otlpexport.LogRecord{
		TraceIDHex:   p.traceIDForProcess(proc),
		SpanIDHex:    p.spanIDForPid(iv.Pid),
		TimeUnixNano: tsToNanos(iv.StartTs),
		Name:         iv.Name,
		Attributes:   attrs,
	})
}

// traceIDForProcess returns the trace ID shared by proc's whole root
// tree, minting one the first time any process in that tree is seen.
func (p *Pipeline) traceIDForProcess(proc *traceevent.ProcessRecord) string {
	root := p.rootPid(proc)
	if id, ok := p.traceIDs[root]; ok {
		return id
	}
	id := otlpexport.NewTraceID()
	if p.opts.TraceIDForRoot != nil {
		id = p.opts.TraceIDForRoot(root)
	}
	p.traceIDs[root] = id
	return id
}

// spanIDForPid returns pid's span ID, minting one on first use so a
// parent's span ID is stable and available before the parent itself
// has exited.
func (p *Pipeline) spanIDForPid(pid int) string {
	if id, ok := p.spanIDs[pid]; ok {
		return id
	}
	id := otlpexport.NewSpanID()
	p.spanIDs[pid] = id
	return id
}

// rootPid walks proc's parent chain up to the root of its tree.
func (p *Pipeline) rootPid(proc *traceevent.ProcessRecord) int {
	tree := p.recon.Tree()
	cur := proc
	for cur.HasParent {
		parent, ok := tree.Processes[cur.ParentPid]
		if !ok {
			break
		}
		cur = parent
	}
	return cur.Pid
}

func tsToNanos(ts float64) int64 { return int64(ts * 1e9) }

func itoa(n int) string { return strconv.Itoa(n) }
