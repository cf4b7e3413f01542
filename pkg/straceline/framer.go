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

// Package straceline implements component A: splitting a raw byte
// stream into logical strace lines, preserving the pid/tid prefix and
// timestamp. See spec §4.A.
package straceline

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/systrument/systrument/pkg/traceerr"
	"github.com/systrument/systrument/pkg/traceevent"
)

const maxLineBytes = 8 << 20 // generous cap; -s 4096 plus quoting overhead rarely approaches this

// Framer yields a lazy, finite, non-restartable sequence of framed
// lines from an io.Reader. It is not safe for concurrent use.
type Framer struct {
	scanner *bufio.Scanner
	lineNo  int
}

// New returns a Framer reading from r. The scanner tolerates CRLF
// line endings (bufio.ScanLines already strips a trailing '\r').
func New(r io.Reader) *Framer {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineBytes)
	s.Split(bufio.ScanLines)
	return &Framer{scanner: s}
}

// Next returns the next framed line, or io.EOF once the stream is
// exhausted. A MalformedPrefix or UnsupportedUnfinished error aborts
// the sequence; callers must not call Next again afterwards.
func (f *Framer) Next() (traceevent.FramedLine, error) {
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			return traceevent.FramedLine{}, &traceerr.IOError{Op: "reading trace line", Err: err}
		}
		return traceevent.FramedLine{}, io.EOF
	}
	f.lineNo++
	line := f.scanner.Text()

	pidStr, tsStr, payload, ok := splitPrefix(line)
	if !ok || !isAllDigits(pidStr) {
		return traceevent.FramedLine{}, &traceerr.MalformedPrefix{LineNo: f.lineNo, Line: line}
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return traceevent.FramedLine{}, &traceerr.MalformedPrefix{LineNo: f.lineNo, Line: line}
	}
	ts, err := strconv.ParseFloat(tsStr, 64)
	if err != nil {
		return traceevent.FramedLine{}, &traceerr.MalformedPrefix{LineNo: f.lineNo, Line: line}
	}

	if isUnfinished(payload) {
		return traceevent.FramedLine{}, &traceerr.UnsupportedUnfinished{LineNo: f.lineNo, Line: line}
	}

	return traceevent.FramedLine{
		Pid:     pid,
		Tid:     pid,
		Ts:      ts,
		Payload: []byte(payload),
		LineNo:  f.lineNo,
	}, nil
}

// splitPrefix extracts the "<pid><spaces><timestamp><space>" prefix
// strace emits with -f/--always-show-pid and -tttt, tolerating the
// variable amount of padding strace uses to align the pid column.
func splitPrefix(line string) (pidStr, tsStr, payload string, ok bool) {
	i := 0
	for i < len(line) && line[i] == ' ' {
		i++
	}
	start := i
	for i < len(line) && line[i] != ' ' {
		i++
	}
	if i == start {
		return "", "", "", false
	}
	pidStr = line[start:i]
	for i < len(line) && line[i] == ' ' {
		i++
	}
	start = i
	for i < len(line) && line[i] != ' ' {
		i++
	}
	if i == start {
		return "", "", "", false
	}
	tsStr = line[start:i]
	if i < len(line) && line[i] == ' ' {
		i++
	}
	return pidStr, tsStr, line[i:], true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isUnfinished(payload string) bool {
	return strings.HasPrefix(payload, "<... ") ||
		strings.HasSuffix(payload, " ...>") ||
		strings.Contains(payload, " <unfinished ...>")
}
