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

// Package otlpexport implements component E: batching spans built
// from process lifetimes and sending them to an OTLP/HTTP collector,
// with the same retry-under-context-deadline idiom the teacher uses
// for its sandbox process supervision. See spec §4.E.
package otlpexport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/systrument/systrument/pkg/tracelog"
	"github.com/systrument/systrument/pkg/traceerr"
)

// Defaults from spec §4.E.
const (
	DefaultBatchSize     = 512
	DefaultBatchInterval = 250 * time.Millisecond
	maxAttempts          = 5
	backoffBase          = 250 * time.Millisecond
	backoffCap           = 8 * time.Second

	tracesPath = "/v1/traces"
	logsPath   = "/v1/logs"

	// logQueueDepth bounds the droppable log queue; spans get 4x
	// their batch size in Exporter.queue and block the caller instead.
	logQueueDepth = 2048
)

// Span is one OTLP span. Exactly one span per observed process, per
// spec §4.E's span shape: ParentSpanIDHex links to the real parent
// process's span, and exec history rides along as attributes rather
// than as separate spans.
type Span struct {
	TraceIDHex      string
	SpanIDHex       string
	ParentSpanIDHex string // empty for a root process
	Name            string
	StartUnixNano   int64
	EndUnixNano     int64
	Attributes      map[string]string
}

// LogRecord is one OTLP log record, emitted per syscall interval only
// when --logs is set (spec §4.E). Unlike spans, log records are
// dropped rather than blocking the pipeline under back-pressure.
type LogRecord struct {
	TraceIDHex   string
	SpanIDHex    string
	TimeUnixNano int64
	Name         string
	Attributes   map[string]string
}

// NewTraceID returns a random 128-bit OTLP trace ID, hex-encoded.
func NewTraceID() string { return randomHex(16) }

// NewSpanID returns a random 64-bit OTLP span ID, hex-encoded.
func NewSpanID() string { return randomHex(8) }

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read on the platforms this runs on does not
		// fail; a zeroed ID is a safe degraded fallback rather than
		// a panic on an export path.
		tracelog.Warnf("otlpexport: crypto/rand.Read failed: %v", err)
	}
	return hex.EncodeToString(b)
}

// Exporter batches spans and log records by count or time and POSTs
// them to an OTLP/HTTP collector as JSON, retrying transient failures
// with exponential backoff and full jitter. Spans and logs are
// batched and sent independently: spans to endpoint+/v1/traces and
// never dropped, logs to endpoint+/v1/logs and dropped oldest-first
// once logQueueDepth fills, per spec §4.E.
type Exporter struct {
	endpoint      string
	client        *http.Client
	batchSize     int
	batchInterval time.Duration
	relativeTo    time.Time // zero means no rebasing

	// shift is the single rebase offset spec §4.E's --relative-to-now
	// requires: now - earliest_event_ts, fixed at first emission and
	// reused for every later batch. shiftSet distinguishes "not yet
	// computed" from a legitimately zero shift.
	shift    int64
	shiftSet bool

	queue    chan Span
	logQueue chan LogRecord
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option { return func(e *Exporter) { e.batchSize = n } }

// WithBatchInterval overrides DefaultBatchInterval.
func WithBatchInterval(d time.Duration) Option { return func(e *Exporter) { e.batchInterval = d } }

// WithRelativeToNow rebases every timestamp by a single fixed offset
// -- now minus the earliest event timestamp seen at first emission --
// preserving relative offsets across the whole run. It implements the
// --relative-to-now flag from spec §6.
func WithRelativeToNow(now time.Time) Option { return func(e *Exporter) { e.relativeTo = now } }

// WithHTTPClient overrides the default http.Client, used by tests to
// point at an httptest.Server.
func WithHTTPClient(c *http.Client) Option { return func(e *Exporter) { e.client = c } }

// New returns an Exporter posting to endpoint (e.g.
// "http://localhost:4318"), the base collector URL -- spans go to
// endpoint+/v1/traces, logs to endpoint+/v1/logs. The span queue is
// bounded at 4*batchSize; Enqueue blocks (respecting ctx) once it
// fills, giving the pipeline real back-pressure instead of unbounded
// memory growth. The log queue is separate and never blocks.
func New(endpoint string, opts ...Option) *Exporter {
	e := &Exporter{
		endpoint:      strings.TrimRight(endpoint, "/"),
		client:        &http.Client{Timeout: 10 * time.Second},
		batchSize:     DefaultBatchSize,
		batchInterval: DefaultBatchInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queue = make(chan Span, e.batchSize*4)
	e.logQueue = make(chan LogRecord, logQueueDepth)
	return e
}

// Enqueue submits a span for batched export, blocking if the internal
// queue is full. Spans are never silently dropped.
func (e *Exporter) Enqueue(ctx context.Context, s Span) error {
	select {
	case e.queue <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueLog submits a log record for batched export. It never
// blocks: once the log queue is full, the oldest queued record is
// dropped to make room, per spec §4.E's overflow rule.
func (e *Exporter) EnqueueLog(lr LogRecord) {
	select {
	case e.logQueue <- lr:
		return
	default:
	}
	select {
	case <-e.logQueue:
	default:
	}
	select {
	case e.logQueue <- lr:
	default:
	}
}

// Run drains both queues, flushing a batch whenever it reaches
// batchSize or batchInterval elapses since the last flush, whichever
// comes first. It returns when ctx is cancelled, after flushing
// whatever remains. Intended to be run under an errgroup.Group. A
// span batch failure is fatal (spans are never dropped); a log batch
// failure is logged and the batch is discarded.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.batchInterval)
	defer ticker.Stop()

	spanBatch := make([]Span, 0, e.batchSize)
	logBatch := make([]LogRecord, 0, e.batchSize)

	flushSpans := func() error {
		if len(spanBatch) == 0 {
			return nil
		}
		err := e.sendSpansWithRetry(ctx, spanBatch)
		spanBatch = spanBatch[:0]
		return err
	}
	flushLogs := func() {
		if len(logBatch) == 0 {
			return
		}
		if err := e.sendLogsWithRetry(ctx, logBatch); err != nil {
			tracelog.Warnf("otlpexport: dropping log batch after export failure: %v", err)
		}
		logBatch = logBatch[:0]
	}

	for {
		select {
		case s := <-e.queue:
			spanBatch = append(spanBatch, s)
			if len(spanBatch) >= e.batchSize {
				if err := flushSpans(); err != nil {
					return err
				}
			}
		case lr := <-e.logQueue:
			logBatch = append(logBatch, lr)
			if len(logBatch) >= e.batchSize {
				flushLogs()
			}
		case <-ticker.C:
			if err := flushSpans(); err != nil {
				return err
			}
			flushLogs()
		case <-ctx.Done():
			// ctx is already cancelled, so the last flush below runs
			// under its own bounded context; a request made under ctx
			// would fail before being sent.
			flushCtx, cancelFlush := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancelFlush()
			ctx = flushCtx
			// Drain whatever already landed in the queues before the
			// cancellation was observed, then make one last flush.
		drainSpans:
			for {
				select {
				case s := <-e.queue:
					spanBatch = append(spanBatch, s)
				default:
					break drainSpans
				}
			}
		drainLogs:
			for {
				select {
				case lr := <-e.logQueue:
					logBatch = append(logBatch, lr)
				default:
					break drainLogs
				}
			}
			_ = flushSpans()
			flushLogs()
			return nil
		}
	}
}

func (e *Exporter) sendSpansWithRetry(ctx context.Context, batch []Span) error {
	body, err := marshalSpanBatch(batch, e.shiftFor(earliestSpanStart(batch)))
	if err != nil {
		return &traceerr.IOError{Op: "marshaling otlp span batch", Err: err}
	}
	return e.postWithRetry(ctx, tracesPath, body)
}

func (e *Exporter) sendLogsWithRetry(ctx context.Context, batch []LogRecord) error {
	body, err := marshalLogBatch(batch, e.shiftFor(earliestLogTime(batch)))
	if err != nil {
		return &traceerr.IOError{Op: "marshaling otlp log batch", Err: err}
	}
	return e.postWithRetry(ctx, logsPath, body)
}

// shiftFor returns the fixed nanosecond rebase offset, computing and
// caching it from earliest the first time it's called. Every later
// call -- whether from a span batch or a log batch, whichever is
// flushed first -- reuses the same cached value, per spec §4.E's "a
// single offset ... chosen at first emission" rule. Run drives both
// sendSpansWithRetry and sendLogsWithRetry from the same goroutine, so
// no locking is needed here.
func (e *Exporter) shiftFor(earliest int64) int64 {
	if e.relativeTo.IsZero() {
		return 0
	}
	if !e.shiftSet {
		e.shift = e.relativeTo.UnixNano() - earliest
		e.shiftSet = true
	}
	return e.shift
}

func (e *Exporter) postWithRetry(ctx context.Context, path string, body []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffBase
	b.MaxInterval = backoffCap
	b.Multiplier = 2
	b.RandomizationFactor = 1 // approximates full jitter: next wait is uniform in [0, 2*current)
	b.MaxElapsedTime = 0      // bounded instead by WithMaxRetries below
	// WithMaxRetries counts retries after the first try, so maxAttempts
	// total attempts means maxAttempts-1 retries.
	bounded := backoff.WithMaxRetries(b, maxAttempts-1)
	withCtx := backoff.WithContext(bounded, ctx)

	op := func() error {
		err := e.postOnce(ctx, path, body)
		if err == nil {
			return nil
		}
		if perr, ok := err.(*traceerr.HTTPStatusError); ok {
			if perr.StatusCode != http.StatusTooManyRequests && perr.StatusCode/100 == 4 {
				return backoff.Permanent(perr)
			}
		}
		tracelog.Warnf("otlpexport: export attempt failed, retrying: %v", err)
		return err
	}
	return backoff.Retry(op, withCtx)
}

func (e *Exporter) postOnce(ctx context.Context, path string, body []byte) error {
	url := e.endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &traceerr.ConfigError{Reason: fmt.Sprintf("building otlp request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return &traceerr.NetworkError{Endpoint: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return &traceerr.HTTPStatusError{Endpoint: url, StatusCode: resp.StatusCode, Body: buf.String()}
	}
	return nil
}

// Close releases the Exporter's done channel. It does not stop Enqueue
// or Run; callers drive shutdown by cancelling the context passed to
// Run and waiting for Run to return, per spec §5's
// single-shutdown-signal model.
func (e *Exporter) Close() { close(e.done) }
