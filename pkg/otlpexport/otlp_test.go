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

package otlpexport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExporterFlushesOnBatchSize(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req otlpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		atomic.AddInt32(&received, int32(len(req.ResourceSpans[0].ScopeSpans[0].Spans)))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(srv.URL, WithBatchSize(2), WithBatchInterval(time.Hour), WithHTTPClient(srv.Client()))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	if err := e.Enqueue(ctx, Span{TraceIDHex: NewTraceID(), SpanIDHex: NewSpanID(), Name: "p1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := e.Enqueue(ctx, Span{TraceIDHex: NewTraceID(), SpanIDHex: NewSpanID(), Name: "p2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&received) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for batch flush, received=%d", atomic.LoadInt32(&received))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestExporterFailsFastOnNonRetryable4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := New(srv.URL, WithHTTPClient(srv.Client()))
	ctx := context.Background()
	err := e.sendSpansWithRetry(ctx, []Span{{TraceIDHex: NewTraceID(), SpanIDHex: NewSpanID(), Name: "p1"}})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on a non-429 4xx)", got)
	}
}

func TestMarshalSpanBatchAppliesShift(t *testing.T) {
	spans := []Span{{StartUnixNano: 1000, EndUnixNano: 2000}}
	const shift = int64(9000)
	body, err := marshalSpanBatch(spans, shift)
	if err != nil {
		t.Fatalf("marshalSpanBatch: %v", err)
	}
	var req otlpRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := req.ResourceSpans[0].ScopeSpans[0].Spans[0].EndTimeUnixNano
	if got != "11000" {
		t.Errorf("end ts = %s, want 11000", got)
	}
}

// TestExporterReusesRebaseShiftAcrossBatches pins spec §4.E's "a
// single offset ... is chosen at first emission and added to every
// subsequent timestamp": a later batch whose own timestamps would
// imply a different shift must not get one.
func TestExporterReusesRebaseShiftAcrossBatches(t *testing.T) {
	var mu sync.Mutex
	var ends []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req otlpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		mu.Lock()
		ends = append(ends, req.ResourceSpans[0].ScopeSpans[0].Spans[0].EndTimeUnixNano)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Unix(0, 1_000_000_000)
	e := New(srv.URL, WithHTTPClient(srv.Client()), WithRelativeToNow(now))
	ctx := context.Background()

	// First batch establishes the shift from its earliest start, 0.
	if err := e.sendSpansWithRetry(ctx, []Span{
		{StartUnixNano: 0, EndUnixNano: 1000, TraceIDHex: NewTraceID(), SpanIDHex: NewSpanID()},
	}); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	// Second batch's own earliest start (-500) is before anything the
	// first batch saw; recomputing from it would produce a different
	// shift than the one already fixed.
	if err := e.sendSpansWithRetry(ctx, []Span{
		{StartUnixNano: -500, EndUnixNano: 500, TraceIDHex: NewTraceID(), SpanIDHex: NewSpanID()},
	}); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ends) != 2 {
		t.Fatalf("got %d requests, want 2", len(ends))
	}
	wantShift := now.UnixNano()
	if want := strconv.FormatInt(1000+wantShift, 10); ends[0] != want {
		t.Errorf("batch1 end = %s, want %s", ends[0], want)
	}
	if want := strconv.FormatInt(500+wantShift, 10); ends[1] != want {
		t.Errorf("batch2 end = %s, want %s (same shift reused, not recomputed)", ends[1], want)
	}
}

func TestExporterRoutesSpansAndLogsToDistinctPaths(t *testing.T) {
	var tracesHit, logsHit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/traces":
			atomic.AddInt32(&tracesHit, 1)
		case "/v1/logs":
			atomic.AddInt32(&logsHit, 1)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(srv.URL, WithBatchSize(1), WithBatchInterval(time.Hour), WithHTTPClient(srv.Client()))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	if err := e.Enqueue(ctx, Span{TraceIDHex: NewTraceID(), SpanIDHex: NewSpanID(), Name: "p1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.EnqueueLog(LogRecord{TraceIDHex: NewTraceID(), SpanIDHex: NewSpanID(), Name: "openat"})

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&tracesHit) == 0 || atomic.LoadInt32(&logsHit) == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out, tracesHit=%d logsHit=%d", atomic.LoadInt32(&tracesHit), atomic.LoadInt32(&logsHit))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestEnqueueLogDropsOldestOnOverflow(t *testing.T) {
	e := New("http://127.0.0.1:0", WithBatchSize(1))
	capacity := cap(e.logQueue)
	for i := 0; i < capacity; i++ {
		e.EnqueueLog(LogRecord{Name: "fill"})
	}
	e.EnqueueLog(LogRecord{Name: "overflow"})
	if got := len(e.logQueue); got != capacity {
		t.Fatalf("logQueue len = %d, want %d (full, not blocked)", got, capacity)
	}
}

func TestNewIDsAreDistinctAndSizedCorrectly(t *testing.T) {
	t1, t2 := NewTraceID(), NewTraceID()
	if t1 == t2 {
		t.Errorf("trace ids collided: %s", t1)
	}
	if len(t1) != 32 {
		t.Errorf("trace id hex len = %d, want 32", len(t1))
	}
	if len(NewSpanID()) != 16 {
		t.Errorf("span id hex len = %d, want 16", len(NewSpanID()))
	}
}
