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

package straceline

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/systrument/systrument/pkg/traceerr"
)

func TestFramerBasic(t *testing.T) {
	input := "1234 1700000000.000000 execve(\"/bin/echo\", [\"echo\"], 0x0 /* 0 vars */) = 0 <0.000100>\r\n" +
		"1234 1700000000.000200 exit_group(0) = ?\n"
	f := New(strings.NewReader(input))

	l1, err := f.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l1.Pid != 1234 || l1.Tid != 1234 {
		t.Errorf("pid/tid = %d/%d, want 1234/1234", l1.Pid, l1.Tid)
	}
	if l1.Ts != 1700000000.0 {
		t.Errorf("ts = %v, want 1700000000.0", l1.Ts)
	}
	if string(l1.Payload) != `execve("/bin/echo", ["echo"], 0x0 /* 0 vars */) = 0 <0.000100>` {
		t.Errorf("payload = %q", l1.Payload)
	}

	l2, err := f.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l2.LineNo != 2 {
		t.Errorf("lineNo = %d, want 2", l2.LineNo)
	}

	if _, err := f.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestFramerMalformedPrefix(t *testing.T) {
	f := New(strings.NewReader("not-a-pid 1700000000.0 foo() = 0\n"))
	_, err := f.Next()
	var mp *traceerr.MalformedPrefix
	if !errors.As(err, &mp) {
		t.Fatalf("expected MalformedPrefix, got %v", err)
	}
}

func TestFramerUnfinishedRejected(t *testing.T) {
	cases := []string{
		`5 1700000000.0 openat(AT_FDCWD, "/foo" <unfinished ...>`,
		`5 1700000000.0 <... openat resumed>, 0) = 3`,
	}
	for _, c := range cases {
		f := New(strings.NewReader(c + "\n"))
		_, err := f.Next()
		var uf *traceerr.UnsupportedUnfinished
		if !errors.As(err, &uf) {
			t.Errorf("input %q: expected UnsupportedUnfinished, got %v", c, err)
		}
	}
}

func TestFramerMultiSpacePadding(t *testing.T) {
	// strace pads the pid column to align output when tracing many pids.
	f := New(strings.NewReader("  42   1700000000.123456 close(3) = 0\n"))
	l, err := f.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Pid != 42 {
		t.Errorf("pid = %d, want 42", l.Pid)
	}
	if string(l.Payload) != "close(3) = 0" {
		t.Errorf("payload = %q", l.Payload)
	}
}
