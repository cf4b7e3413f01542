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

// Package traceevent holds the data model shared by the parser,
// reconstructor, and both emitters: syscall argument values, parsed
// lines, syscall intervals, and the process tree.
package traceevent

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

// The syscall argument value variants, one per grammar production in
// spec §4.B.
const (
	KindInt ValueKind = iota
	KindString
	KindBytes
	KindPointer
	KindFlags
	KindStruct
	KindArray
	KindAnnotatedFD
	KindSymbol
	KindElided
)

// StructField is one field of a KindStruct value. Name is empty for a
// bare elided "..." trailing field.
type StructField struct {
	Name  string
	Value Value
}

// AnnotatedFD is an integer file descriptor with the resolver string
// strace's -yy flag attaches, e.g. "3</etc/passwd>" or
// "4<socket:[12345]>".
type AnnotatedFD struct {
	FD       int
	Endpoint string
}

// Value is a tagged union over the syscall argument grammar. Only the
// fields relevant to Kind are populated; the zero value of the others
// is ignored.
type Value struct {
	Kind ValueKind

	// KindInt
	Int       int64
	Unsigned  bool
	IntBase   int // 10 or 16; 0 means "not applicable"

	// KindString / KindSymbol / KindFlags(raw text of the OR'd identifiers)
	Str         string
	Truncated   bool // trailing "..." after a closing quote
	FlagParts   []string

	// KindBytes
	Bytes []byte

	// KindPointer
	PointerHex string // e.g. "0x7ffce7dd6160"; "" (with PointerNull) for NULL

	// KindStruct
	Fields []StructField
	Elided bool // struct/array ended with a bare "..."

	// KindArray
	Elements []Value

	// KindAnnotatedFD
	FD AnnotatedFD

	// Comment is a trailing "/* ... */" annotation, if any, regardless
	// of Kind.
	Comment string
}

// PointerNull reports whether a KindPointer value is the NULL pointer.
func (v Value) PointerNull() bool {
	return v.Kind == KindPointer && (v.PointerHex == "0x0" || v.PointerHex == "")
}

// String renders the value back into strace's own surface syntax. It
// is used both for human-readable debug-annotation payloads in the
// Perfetto emitter and by the parser's round-trip property test
// (spec §8 invariant 1).
func (v Value) String() string {
	var s string
	switch v.Kind {
	case KindInt:
		if v.IntBase == 16 {
			if v.Unsigned {
				s = fmt.Sprintf("0x%x", uint64(v.Int))
			} else {
				s = fmt.Sprintf("0x%x", v.Int)
			}
		} else if v.Unsigned {
			s = strconv.FormatUint(uint64(v.Int), 10)
		} else {
			s = strconv.FormatInt(v.Int, 10)
		}
	case KindString:
		s = `"` + EscapeString(v.Str) + `"`
		if v.Truncated {
			s += "..."
		}
	case KindBytes:
		s = `"` + EscapeString(string(v.Bytes)) + `"`
	case KindPointer:
		if v.PointerHex == "" {
			s = "NULL"
		} else {
			s = v.PointerHex
		}
	case KindFlags:
		s = strings.Join(v.FlagParts, "|")
	case KindStruct:
		parts := make([]string, 0, len(v.Fields)+1)
		for _, f := range v.Fields {
			if f.Name == "" {
				parts = append(parts, "...")
				continue
			}
			parts = append(parts, f.Name+"="+f.Value.String())
		}
		if v.Elided {
			parts = append(parts, "...")
		}
		s = "{" + strings.Join(parts, ", ") + "}"
	case KindArray:
		parts := make([]string, 0, len(v.Elements)+1)
		for _, e := range v.Elements {
			parts = append(parts, e.String())
		}
		if v.Elided {
			parts = append(parts, "...")
		}
		s = "[" + strings.Join(parts, ", ") + "]"
	case KindAnnotatedFD:
		s = fmt.Sprintf("%d<%s>", v.FD.FD, v.FD.Endpoint)
	case KindSymbol:
		s = v.Str
	case KindElided:
		s = "..."
	default:
		s = fmt.Sprintf("<invalid value kind %d>", v.Kind)
	}
	if v.Comment != "" {
		s += " /* " + v.Comment + " */"
	}
	return s
}

// EscapeString re-applies the C-like escapes strace uses for string
// literals: \n \t \r \\ \" and octal \NNN for other non-printable
// bytes. It is the inverse of the parser's string unescaper.
func EscapeString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		default:
			if c < 0x20 || c >= 0x7f {
				fmt.Fprintf(&b, `\%03o`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}
