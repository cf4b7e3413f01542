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
	"encoding/json"
	"strconv"
)

// The types below are a minimal hand-written subset of the OTLP
// trace JSON schema (no generated client exists in the example pack
// for this protocol), covering only the fields spec §4.E's span
// shape needs.

type otlpRequest struct {
	ResourceSpans []resourceSpans `json:"resourceSpans"`
}

type resourceSpans struct {
	Resource   resource    `json:"resource"`
	ScopeSpans []scopeSpan `json:"scopeSpans"`
}

type resource struct {
	Attributes []kv `json:"attributes"`
}

type scopeSpan struct {
	Scope scope     `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

type scope struct {
	Name string `json:"name"`
}

type otlpSpan struct {
	TraceID           string `json:"traceId"`
	SpanID            string `json:"spanId"`
	ParentSpanID      string `json:"parentSpanId,omitempty"`
	Name              string `json:"name"`
	StartTimeUnixNano string `json:"startTimeUnixNano"`
	EndTimeUnixNano   string `json:"endTimeUnixNano"`
	Attributes        []kv   `json:"attributes,omitempty"`
}

type kv struct {
	Key   string    `json:"key"`
	Value attrValue `json:"value"`
}

type attrValue struct {
	StringValue string `json:"stringValue"`
}

// otlpLogsRequest and friends are the log-record counterpart of the
// span types above, covering the subset of the OTLP logs JSON schema
// spec §4.E's --logs stream needs.
type otlpLogsRequest struct {
	ResourceLogs []resourceLogs `json:"resourceLogs"`
}

type resourceLogs struct {
	Resource  resource    `json:"resource"`
	ScopeLogs []scopeLogs `json:"scopeLogs"`
}

type scopeLogs struct {
	Scope      scope           `json:"scope"`
	LogRecords []otlpLogRecord `json:"logRecords"`
}

type otlpLogRecord struct {
	TimeUnixNano string `json:"timeUnixNano"`
	Body         body   `json:"body"`
	Attributes   []kv   `json:"attributes,omitempty"`
	TraceID      string `json:"traceId,omitempty"`
	SpanID       string `json:"spanId,omitempty"`
}

type body struct {
	StringValue string `json:"stringValue"`
}

// marshalSpanBatch renders spans into one OTLP/HTTP JSON request
// body, adding shift (in nanoseconds) to every timestamp. shift is 0
// when rebasing is disabled; otherwise it is the single offset the
// Exporter computed once at first emission (spec §4.E's --relative-
// to-now), the same value reused for every batch so relative offsets
// between batches survive intact.
func marshalSpanBatch(spans []Span, shift int64) ([]byte, error) {
	otlpSpans := make([]otlpSpan, 0, len(spans))
	for _, s := range spans {
		attrs := make([]kv, 0, len(s.Attributes))
		for k, v := range s.Attributes {
			attrs = append(attrs, kv{Key: k, Value: attrValue{StringValue: v}})
		}
		otlpSpans = append(otlpSpans, otlpSpan{
			TraceID:           s.TraceIDHex,
			SpanID:            s.SpanIDHex,
			ParentSpanID:      s.ParentSpanIDHex,
			Name:              s.Name,
			StartTimeUnixNano: formatNanos(s.StartUnixNano + shift),
			EndTimeUnixNano:   formatNanos(s.EndUnixNano + shift),
			Attributes:        attrs,
		})
	}

	req := otlpRequest{
		ResourceSpans: []resourceSpans{{
			Resource: resource{Attributes: []kv{{Key: "service.name", Value: attrValue{StringValue: "systrument"}}}},
			ScopeSpans: []scopeSpan{{
				Scope: scope{Name: "systrument"},
				Spans: otlpSpans,
			}},
		}},
	}
	return json.Marshal(req)
}

// marshalLogBatch renders syscall-interval log records into one
// OTLP/HTTP logs JSON request body, applying the same fixed shift
// marshalSpanBatch does.
func marshalLogBatch(logs []LogRecord, shift int64) ([]byte, error) {
	records := make([]otlpLogRecord, 0, len(logs))
	for _, lr := range logs {
		attrs := make([]kv, 0, len(lr.Attributes))
		for k, v := range lr.Attributes {
			attrs = append(attrs, kv{Key: k, Value: attrValue{StringValue: v}})
		}
		records = append(records, otlpLogRecord{
			TimeUnixNano: formatNanos(lr.TimeUnixNano + shift),
			Body:         body{StringValue: lr.Name},
			Attributes:   attrs,
			TraceID:      lr.TraceIDHex,
			SpanID:       lr.SpanIDHex,
		})
	}

	req := otlpLogsRequest{
		ResourceLogs: []resourceLogs{{
			Resource: resource{Attributes: []kv{{Key: "service.name", Value: attrValue{StringValue: "systrument"}}}},
			ScopeLogs: []scopeLogs{{
				Scope:      scope{Name: "systrument"},
				LogRecords: records,
			}},
		}},
	}
	return json.Marshal(req)
}

// earliestSpanStart returns the smallest StartUnixNano in spans. Used
// once, at first emission, to derive the fixed rebase shift; spans is
// never empty when this is called (flushSpans skips empty batches).
func earliestSpanStart(spans []Span) int64 {
	earliest := spans[0].StartUnixNano
	for _, s := range spans[1:] {
		if s.StartUnixNano < earliest {
			earliest = s.StartUnixNano
		}
	}
	return earliest
}

// earliestLogTime is earliestSpanStart's log-record counterpart.
func earliestLogTime(logs []LogRecord) int64 {
	earliest := logs[0].TimeUnixNano
	for _, lr := range logs[1:] {
		if lr.TimeUnixNano < earliest {
			earliest = lr.TimeUnixNano
		}
	}
	return earliest
}

func formatNanos(n int64) string { return strconv.FormatInt(n, 10) }
