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

// Package perfetto implements component D: a streaming, bounded-
// memory emitter for Perfetto's binary trace protocol. It encodes
// field-by-field with gogo/protobuf's proto.Buffer instead of
// generating or importing full .proto-derived types, the same way
// Perfetto's own C++ producers use "protozero" to avoid paying for a
// full protobuf reflection stack on a hot path. See spec §4.D.
package perfetto

import (
	"bufio"
	"io"
	"strconv"

	"github.com/gogo/protobuf/proto"

	"github.com/systrument/systrument/pkg/reconstruct"
	"github.com/systrument/systrument/pkg/traceevent"
)

// Field numbers below are taken from Perfetto's public
// trace_packet.proto / track_event.proto. Only the subset this
// emitter needs is reproduced.
const (
	fieldTracePacketPacket = 1 // Trace.packet, repeated TracePacket

	fieldTPTrustedSeq  = 10 // TracePacket.trusted_packet_sequence_id
	fieldTPTimestamp   = 8  // TracePacket.timestamp
	fieldTPTrackEvent  = 11 // TracePacket.track_event
	fieldTPTrackDesc   = 60 // TracePacket.track_descriptor
	fieldTPAndroidLog  = 26 // TracePacket.android_log (LogPacket)

	fieldTrackDescUUID = 1 // TrackDescriptor.uuid
	fieldTrackDescName = 2 // TrackDescriptor.name

	fieldTrackEventType  = 9  // TrackEvent.type
	fieldTrackEventTrack = 11 // TrackEvent.track_uuid
	fieldTrackEventName  = 23 // TrackEvent.name
	fieldTrackEventDebug = 4  // TrackEvent.debug_annotations, repeated

	fieldDebugAnnoName = 10 // DebugAnnotation.name
	fieldDebugAnnoStr  = 6  // DebugAnnotation.string_value

	fieldLogPacketEvents = 1 // AndroidLogPacket.events, repeated
	fieldLogEventTs      = 1 // AndroidLogEvent.timestamp_nsecs
	fieldLogEventPid     = 2 // AndroidLogEvent.pid
	fieldLogEventTag     = 5 // AndroidLogEvent.tag
	fieldLogEventMsg     = 6 // AndroidLogEvent.message
)

// trackEvent type enum values, from TrackEvent.Type.
const (
	typeSliceBegin = 1
	typeSliceEnd   = 2
)

const trustedPacketSequenceID = 1

// Emitter writes Perfetto TracePacket protos to an underlying writer
// as it is fed syscall intervals. Output passes through a fixed-size
// bufio.Writer, so memory use does not grow with the trace size.
type Emitter struct {
	w            *bufio.Writer
	knownTracks  map[int]bool
	includeLogs  bool
}

// New returns an Emitter writing to w. includeLogs mirrors the
// -include-logs flag on strace2perfetto: when true, each syscall interval
// also gets a synthetic android_log record carrying its rendered
// arguments, for tools that only surface Perfetto's log view.
func New(w io.Writer, includeLogs bool) *Emitter {
	return &Emitter{
		w:           bufio.NewWriter(w),
		knownTracks: make(map[int]bool),
		includeLogs: includeLogs,
	}
}

// Flush flushes any buffered output. Callers must call it (or Close,
// if wrapping a closer) before the underlying writer is discarded.
func (e *Emitter) Flush() error { return e.w.Flush() }

// EmitInterval writes the TrackDescriptor (on first sight of a pid)
// and the SLICE_BEGIN/SLICE_END pair for one completed syscall
// interval.
func (e *Emitter) EmitInterval(iv *traceevent.SyscallInterval) error {
	if err := e.ensureTrack(iv.Pid, ""); err != nil {
		return err
	}
	startNs := tsToNanos(iv.StartTs)
	endNs := tsToNanos(iv.EndTs)

	if err := e.writeTrackEvent(startNs, uint64(iv.Pid), typeSliceBegin, iv.Name, argAnnotations(iv)); err != nil {
		return err
	}
	if err := e.writeTrackEvent(endNs, uint64(iv.Pid), typeSliceEnd, "", nil); err != nil {
		return err
	}
	if e.includeLogs {
		if err := e.writeAndroidLog(endNs, iv.Pid, iv.Name, renderArgs(iv)); err != nil {
			return err
		}
	}
	return nil
}

// EnsureProcessTrack registers a track for a pid using its current
// exec basename, called by the pipeline as soon as the reconstructor
// learns a process's name, so the track carries a human name instead
// of a bare pid even before its first interval closes.
func (e *Emitter) EnsureProcessTrack(pid int, execPath string) error {
	name := reconstruct.ExecBasename(execPath)
	return e.ensureTrack(pid, name)
}

func (e *Emitter) ensureTrack(pid int, name string) error {
	if e.knownTracks[pid] {
		return nil
	}
	e.knownTracks[pid] = true

	desc := proto.NewBuffer(nil)
	if err := desc.EncodeVarint(tag(fieldTrackDescUUID, wireVarint)); err != nil {
		return err
	}
	if err := desc.EncodeVarint(uint64(pid)); err != nil {
		return err
	}
	if name != "" {
		if err := desc.EncodeVarint(tag(fieldTrackDescName, wireBytes)); err != nil {
			return err
		}
		if err := desc.EncodeRawBytes([]byte(name)); err != nil {
			return err
		}
	}

	packet := proto.NewBuffer(nil)
	if err := writeTag(packet, fieldTPTrackDesc, wireBytes); err != nil {
		return err
	}
	if err := packet.EncodeRawBytes(desc.Bytes()); err != nil {
		return err
	}
	return e.writePacket(packet.Bytes())
}

func (e *Emitter) writeTrackEvent(ts int64, trackUUID uint64, eventType int, name string, annotations []traceevent.Value) error {
	ev := proto.NewBuffer(nil)
	if err := writeTag(ev, fieldTrackEventType, wireVarint); err != nil {
		return err
	}
	if err := ev.EncodeVarint(uint64(eventType)); err != nil {
		return err
	}
	if err := writeTag(ev, fieldTrackEventTrack, wireVarint); err != nil {
		return err
	}
	if err := ev.EncodeVarint(trackUUID); err != nil {
		return err
	}
	if name != "" {
		if err := writeTag(ev, fieldTrackEventName, wireBytes); err != nil {
			return err
		}
		if err := ev.EncodeRawBytes([]byte(name)); err != nil {
			return err
		}
	}
	for i, v := range annotations {
		annoBytes, err := encodeDebugAnnotation(argName(i), v.String())
		if err != nil {
			return err
		}
		if err := writeTag(ev, fieldTrackEventDebug, wireBytes); err != nil {
			return err
		}
		if err := ev.EncodeRawBytes(annoBytes); err != nil {
			return err
		}
	}

	packet := proto.NewBuffer(nil)
	if err := writeTag(packet, fieldTPTrustedSeq, wireVarint); err != nil {
		return err
	}
	if err := packet.EncodeVarint(trustedPacketSequenceID); err != nil {
		return err
	}
	if err := writeTag(packet, fieldTPTimestamp, wireVarint); err != nil {
		return err
	}
	if err := packet.EncodeVarint(uint64(ts)); err != nil {
		return err
	}
	if err := writeTag(packet, fieldTPTrackEvent, wireBytes); err != nil {
		return err
	}
	if err := packet.EncodeRawBytes(ev.Bytes()); err != nil {
		return err
	}
	return e.writePacket(packet.Bytes())
}

func (e *Emitter) writeAndroidLog(ts int64, pid int, tag_, msg string) error {
	event := proto.NewBuffer(nil)
	if err := writeTag(event, fieldLogEventTs, wireVarint); err != nil {
		return err
	}
	if err := event.EncodeVarint(uint64(ts)); err != nil {
		return err
	}
	if err := writeTag(event, fieldLogEventPid, wireVarint); err != nil {
		return err
	}
	if err := event.EncodeVarint(uint64(pid)); err != nil {
		return err
	}
	if err := writeTag(event, fieldLogEventTag, wireBytes); err != nil {
		return err
	}
	if err := event.EncodeRawBytes([]byte(tag_)); err != nil {
		return err
	}
	if err := writeTag(event, fieldLogEventMsg, wireBytes); err != nil {
		return err
	}
	if err := event.EncodeRawBytes([]byte(msg)); err != nil {
		return err
	}

	logPacket := proto.NewBuffer(nil)
	if err := writeTag(logPacket, fieldLogPacketEvents, wireBytes); err != nil {
		return err
	}
	if err := logPacket.EncodeRawBytes(event.Bytes()); err != nil {
		return err
	}

	packet := proto.NewBuffer(nil)
	if err := writeTag(packet, fieldTPAndroidLog, wireBytes); err != nil {
		return err
	}
	if err := packet.EncodeRawBytes(logPacket.Bytes()); err != nil {
		return err
	}
	return e.writePacket(packet.Bytes())
}

func (e *Emitter) writePacket(packetBytes []byte) error {
	frame := proto.NewBuffer(nil)
	if err := writeTag(frame, fieldTracePacketPacket, wireBytes); err != nil {
		return err
	}
	if err := frame.EncodeRawBytes(packetBytes); err != nil {
		return err
	}
	_, err := e.w.Write(frame.Bytes())
	return err
}

func encodeDebugAnnotation(name, value string) ([]byte, error) {
	b := proto.NewBuffer(nil)
	if err := writeTag(b, fieldDebugAnnoName, wireBytes); err != nil {
		return nil, err
	}
	if err := b.EncodeRawBytes([]byte(name)); err != nil {
		return nil, err
	}
	if err := writeTag(b, fieldDebugAnnoStr, wireBytes); err != nil {
		return nil, err
	}
	if err := b.EncodeRawBytes([]byte(value)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

const (
	wireVarint = 0
	wireBytes  = 2
)

func tag(field, wireType int) uint64 { return uint64(field)<<3 | uint64(wireType) }

func writeTag(b *proto.Buffer, field, wireType int) error {
	return b.EncodeVarint(tag(field, wireType))
}

// tsToNanos converts the parser's fractional-seconds timestamp to the
// nanosecond integer Perfetto's monotonic clock field expects.
func tsToNanos(ts float64) int64 { return int64(ts * 1e9) }

func argName(i int) string {
	names := [...]string{"arg0", "arg1", "arg2", "arg3", "arg4", "arg5"}
	if i < len(names) {
		return names[i]
	}
	return "argN"
}

func argAnnotations(iv *traceevent.SyscallInterval) []traceevent.Value { return iv.Args }

func renderArgs(iv *traceevent.SyscallInterval) string {
	s := iv.Name + "("
	for i, a := range iv.Args {
		if i > 0 {
			s += ", "
		}
		s += a.String()
	}
	s += ")"
	if iv.ErrnoName != "" {
		s += " = -1 " + iv.ErrnoName
	} else if iv.RetvalHex != "" {
		s += " = " + iv.RetvalHex
	} else {
		s += " = " + strconv.FormatInt(iv.RetvalInt, 10)
	}
	return s
}
