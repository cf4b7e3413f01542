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

// Package straceparse implements component B, the recursive-descent
// parser that turns one framed line's payload into a
// traceevent.ParsedLine. See spec §4.B for the grammar and the
// precise behaviors (escapes, truncation, elision, fd annotations,
// comments) this package must reproduce.
package straceparse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/systrument/systrument/pkg/traceerr"
	"github.com/systrument/systrument/pkg/traceevent"
)

// ParseLine parses one framed line's payload into a ParsedLine.
func ParseLine(fl traceevent.FramedLine) (traceevent.ParsedLine, error) {
	body := string(fl.Payload)
	p := &parser{s: body, lineNo: fl.LineNo}

	switch {
	case strings.HasPrefix(body, "--- "):
		return p.parseSignal(fl)
	case strings.HasPrefix(body, "+++ "):
		return p.parseExitOrDetach(fl)
	default:
		return p.parseSyscall(fl)
	}
}

type parser struct {
	s      string
	pos    int
	lineNo int
}

func (p *parser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *parser) hasPrefix(prefix string) bool {
	return strings.HasPrefix(p.s[p.pos:], prefix)
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) errf(expected string) error {
	found := "<eof>"
	if p.pos < len(p.s) {
		end := p.pos + 16
		if end > len(p.s) {
			end = len(p.s)
		}
		found = p.s[p.pos:end]
	}
	return &traceerr.ParseError{
		LineNo:   p.lineNo,
		Offset:   p.pos,
		Expected: expected,
		Found:    found,
		Snippet:  p.s,
	}
}

// --- syscall lines -----------------------------------------------------

func (p *parser) parseSyscall(fl traceevent.FramedLine) (traceevent.ParsedLine, error) {
	p.skipSpaces()
	name := p.parseIdent()
	if name == "" {
		return traceevent.ParsedLine{}, p.errf("syscall name")
	}
	p.skipSpaces()
	if p.peek() != '(' {
		return traceevent.ParsedLine{}, p.errf("'('")
	}
	p.pos++

	var args []traceevent.Value
	p.skipSpaces()
	if p.peek() != ')' {
		for {
			v, err := p.parseValue()
			if err != nil {
				return traceevent.ParsedLine{}, err
			}
			args = append(args, v)
			p.skipSpaces()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			break
		}
	}
	p.skipSpaces()
	if p.peek() != ')' {
		return traceevent.ParsedLine{}, p.errf("')'")
	}
	p.pos++
	p.skipSpaces()
	if p.peek() != '=' {
		return traceevent.ParsedLine{}, p.errf("'='")
	}
	p.pos++

	completion, err := p.parseCompletion()
	if err != nil {
		return traceevent.ParsedLine{}, err
	}

	return traceevent.ParsedLine{
		Kind:       traceevent.LineSyscallEntry,
		Pid:        fl.Pid,
		Ts:         fl.Ts,
		Name:       name,
		Args:       args,
		Completion: completion,
	}, nil
}

func (p *parser) parseCompletion() (traceevent.Completion, error) {
	p.skipSpaces()
	var c traceevent.Completion
	c.Kind = traceevent.CompletionReturned

	switch {
	case p.peek() == '?':
		p.pos++
		c.RetvalUnk = true
	case p.hasPrefix("0x"):
		hex, err := p.parseHexToken()
		if err != nil {
			return c, err
		}
		c.RetvalHex = hex
	default:
		n, fd, isFD, err := p.parseSignedIntOrFD()
		if err != nil {
			return c, err
		}
		if isFD {
			c.RetvalIsFD = true
			c.RetvalFD = fd
		} else {
			c.RetvalInt = n
		}
	}

	p.skipSpaces()
	if isIdentStart(p.peek()) && p.peek() == 'E' {
		c.ErrnoName = p.parseIdent()
		p.skipSpaces()
		if p.peek() == '(' {
			msg, err := p.parseParenText()
			if err != nil {
				return c, err
			}
			c.ErrnoMsg = msg
			p.skipSpaces()
		}
	}

	if p.peek() == '<' {
		dur, err := p.parseAngleDecimal()
		if err != nil {
			return c, err
		}
		c.Duration = dur
		c.HasDur = true
	}
	return c, nil
}

// --- signal, exit, and detach lines ---------------------------------------

// parseSignal handles the "--- SIGNAME {si_signo=..., ...} ---" form
// strace emits for delivered signals.
func (p *parser) parseSignal(fl traceevent.FramedLine) (traceevent.ParsedLine, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(p.s, "--- "), " ---")
	if body == p.s {
		return traceevent.ParsedLine{}, p.errf("trailing '---'")
	}
	sp := strings.IndexByte(body, ' ')
	if sp < 0 {
		return traceevent.ParsedLine{}, p.errf("siginfo struct")
	}
	name := body[:sp]
	rest := &parser{s: strings.TrimSpace(body[sp+1:]), lineNo: p.lineNo}
	info, err := rest.parseValue()
	if err != nil {
		return traceevent.ParsedLine{}, err
	}
	return traceevent.ParsedLine{
		Kind:    traceevent.LineSignalDelivery,
		Pid:     fl.Pid,
		Ts:      fl.Ts,
		Signal:  name,
		SigInfo: info,
	}, nil
}

// parseExitOrDetach handles the three "+++ ... +++" pseudo-event
// forms: normal exit, killed-by-signal exit, and ptrace detach.
func (p *parser) parseExitOrDetach(fl traceevent.FramedLine) (traceevent.ParsedLine, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(p.s, "+++ "), " +++")
	if body == p.s {
		return traceevent.ParsedLine{}, p.errf("trailing '+++'")
	}

	switch {
	case body == "detached":
		return traceevent.ParsedLine{Kind: traceevent.LineDetach, Pid: fl.Pid, Ts: fl.Ts}, nil

	case strings.HasPrefix(body, "exited with "):
		codeStr := strings.TrimPrefix(body, "exited with ")
		code, err := strconv.Atoi(codeStr)
		if err != nil {
			return traceevent.ParsedLine{}, p.errf("exit code")
		}
		return traceevent.ParsedLine{
			Kind: traceevent.LineProcessExit,
			Pid:  fl.Pid,
			Ts:   fl.Ts,
			Exit: traceevent.ExitStatus{Kind: traceevent.ExitNormal, Code: code},
		}, nil

	case strings.HasPrefix(body, "killed by "):
		rest := strings.TrimPrefix(body, "killed by ")
		coreDumped := false
		if strings.HasSuffix(rest, " (core dumped)") {
			coreDumped = true
			rest = strings.TrimSuffix(rest, " (core dumped)")
		}
		return traceevent.ParsedLine{
			Kind: traceevent.LineProcessExit,
			Pid:  fl.Pid,
			Ts:   fl.Ts,
			Exit: traceevent.ExitStatus{Kind: traceevent.ExitKilledBySignal, Signal: rest, CoreDumped: coreDumped},
		}, nil

	default:
		return traceevent.ParsedLine{}, p.errf("'exited with' / 'killed by' / 'detached'")
	}
}

func (p *parser) parseParenText() (string, error) {
	if p.peek() != '(' {
		return "", p.errf("'('")
	}
	p.pos++
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != ')' {
		p.pos++
	}
	if p.pos >= len(p.s) {
		return "", p.errf("')'")
	}
	text := p.s[start:p.pos]
	p.pos++
	return text, nil
}

func (p *parser) parseAngleDecimal() (float64, error) {
	if p.peek() != '<' {
		return 0, p.errf("'<'")
	}
	p.pos++
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != '>' {
		p.pos++
	}
	if p.pos >= len(p.s) {
		return 0, p.errf("'>'")
	}
	text := p.s[start:p.pos]
	p.pos++
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, p.errf("decimal duration")
	}
	return v, nil
}

// --- values --------------------------------------------------------------

func (p *parser) parseValue() (traceevent.Value, error) {
	p.skipSpaces()
	var v traceevent.Value
	var err error

	switch {
	case p.peek() == '"':
		v, err = p.parseString()
	case p.peek() == '{':
		v, err = p.parseStruct()
	case p.peek() == '[':
		v, err = p.parseArray()
	case p.hasPrefix("..."):
		p.pos += 3
		v = traceevent.Value{Kind: traceevent.KindElided}
	case p.hasPrefix("NULL"):
		p.pos += 4
		v = traceevent.Value{Kind: traceevent.KindPointer, PointerHex: ""}
	case isDigit(p.peek()) || p.peek() == '-':
		v, err = p.parseNumberOrFD()
	case isIdentStart(p.peek()):
		v, err = p.parseIdentLed()
	default:
		return traceevent.Value{}, p.errf("argument value")
	}
	if err != nil {
		return v, err
	}

	if p.hasPrefix(" /*") || p.hasPrefix("/*") {
		save := p.pos
		p.skipSpaces()
		if p.hasPrefix("/*") {
			comment, cerr := p.parseComment()
			if cerr != nil {
				return v, cerr
			}
			v.Comment = comment
		} else {
			p.pos = save
		}
	}
	return v, nil
}

func (p *parser) parseComment() (string, error) {
	if !p.hasPrefix("/*") {
		return "", p.errf("'/*'")
	}
	p.pos += 2
	end := strings.Index(p.s[p.pos:], "*/")
	if end < 0 {
		return "", p.errf("'*/'")
	}
	text := strings.TrimSpace(p.s[p.pos : p.pos+end])
	p.pos += end + 2
	return text, nil
}

func (p *parser) parseString() (traceevent.Value, error) {
	if p.peek() != '"' {
		return traceevent.Value{}, p.errf("'\"'")
	}
	p.pos++
	var b strings.Builder
	for {
		if p.pos >= len(p.s) {
			return traceevent.Value{}, p.errf("closing '\"'")
		}
		c := p.s[p.pos]
		if c == '"' {
			p.pos++
			break
		}
		if c == '\\' {
			decoded, n, err := decodeEscape(p.s[p.pos:])
			if err != nil {
				return traceevent.Value{}, p.errf("escape sequence")
			}
			b.WriteByte(decoded)
			p.pos += n
			continue
		}
		b.WriteByte(c)
		p.pos++
	}
	v := traceevent.Value{Kind: traceevent.KindString, Str: b.String()}
	if p.hasPrefix("...") {
		p.pos += 3
		v.Truncated = true
	}
	return v, nil
}

// decodeEscape decodes a single backslash escape at the start of s,
// returning the decoded byte and the number of source bytes consumed
// (including the leading backslash).
func decodeEscape(s string) (byte, int, error) {
	if len(s) < 2 {
		return 0, 0, fmt.Errorf("truncated escape")
	}
	switch s[1] {
	case 'n':
		return '\n', 2, nil
	case 't':
		return '\t', 2, nil
	case 'r':
		return '\r', 2, nil
	case '\\':
		return '\\', 2, nil
	case '"':
		return '"', 2, nil
	case 'x':
		if len(s) < 4 {
			return 0, 0, fmt.Errorf("truncated hex escape")
		}
		n, err := strconv.ParseUint(s[2:4], 16, 8)
		if err != nil {
			return 0, 0, err
		}
		return byte(n), 4, nil
	default:
		if s[1] >= '0' && s[1] <= '7' {
			end := 2
			for end < len(s) && end < 4 && s[end] >= '0' && s[end] <= '7' {
				end++
			}
			n, err := strconv.ParseUint(s[1:end], 8, 8)
			if err != nil {
				return 0, 0, err
			}
			return byte(n), end, nil
		}
		return 0, 0, fmt.Errorf("unknown escape \\%c", s[1])
	}
}

func (p *parser) parseStruct() (traceevent.Value, error) {
	if p.peek() != '{' {
		return traceevent.Value{}, p.errf("'{'")
	}
	p.pos++
	var fields []traceevent.StructField
	p.skipSpaces()
	if p.peek() != '}' {
		for {
			f, err := p.parseField()
			if err != nil {
				return traceevent.Value{}, err
			}
			fields = append(fields, f)
			p.skipSpaces()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			break
		}
	}
	p.skipSpaces()
	if p.peek() != '}' {
		return traceevent.Value{}, p.errf("'}'")
	}
	p.pos++
	return traceevent.Value{Kind: traceevent.KindStruct, Fields: fields}, nil
}

func (p *parser) parseField() (traceevent.StructField, error) {
	p.skipSpaces()
	if p.hasPrefix("...") {
		p.pos += 3
		return traceevent.StructField{Value: traceevent.Value{Kind: traceevent.KindElided}}, nil
	}
	name := p.parseIdent()
	if name == "" {
		return traceevent.StructField{}, p.errf("field name or '...'")
	}
	p.skipSpaces()
	if p.peek() != '=' {
		return traceevent.StructField{}, p.errf("'='")
	}
	p.pos++
	v, err := p.parseValue()
	if err != nil {
		return traceevent.StructField{}, err
	}
	return traceevent.StructField{Name: name, Value: v}, nil
}

func (p *parser) parseArray() (traceevent.Value, error) {
	if p.peek() != '[' {
		return traceevent.Value{}, p.errf("'['")
	}
	p.pos++
	var elems []traceevent.Value
	p.skipSpaces()
	if p.peek() != ']' {
		for {
			v, err := p.parseValue()
			if err != nil {
				return traceevent.Value{}, err
			}
			elems = append(elems, v)
			p.skipSpaces()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			break
		}
	}
	p.skipSpaces()
	if p.peek() != ']' {
		return traceevent.Value{}, p.errf("']'")
	}
	p.pos++
	return traceevent.Value{Kind: traceevent.KindArray, Elements: elems}, nil
}

// parseNumberOrFD handles the three numeric-looking productions:
// plain decimal ints, hex pointers, and "INT '<' endpoint '>'" fd
// annotations (the -yy form).
func (p *parser) parseNumberOrFD() (traceevent.Value, error) {
	if p.hasPrefix("0x") {
		hex, err := p.parseHexToken()
		if err != nil {
			return traceevent.Value{}, err
		}
		return traceevent.Value{Kind: traceevent.KindPointer, PointerHex: hex}, nil
	}

	start := p.pos
	if p.peek() == '-' {
		p.pos++
	}
	digitsStart := p.pos
	for p.pos < len(p.s) && isDigit(p.s[p.pos]) {
		p.pos++
	}
	if p.pos == digitsStart {
		p.pos = start
		return traceevent.Value{}, p.errf("number")
	}
	text := p.s[start:p.pos]

	if p.peek() == '<' {
		fd, err := strconv.Atoi(text)
		if err != nil {
			return traceevent.Value{}, p.errf("fd number")
		}
		p.pos++
		epStart := p.pos
		for p.pos < len(p.s) && p.s[p.pos] != '>' {
			p.pos++
		}
		if p.pos >= len(p.s) {
			return traceevent.Value{}, p.errf("'>'")
		}
		endpoint := p.s[epStart:p.pos]
		p.pos++
		return traceevent.Value{Kind: traceevent.KindAnnotatedFD, FD: traceevent.AnnotatedFD{FD: fd, Endpoint: endpoint}}, nil
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(text, 10, 64)
		if uerr != nil {
			return traceevent.Value{}, p.errf("integer")
		}
		return traceevent.Value{Kind: traceevent.KindInt, Int: int64(u), Unsigned: true, IntBase: 10}, nil
	}
	return traceevent.Value{Kind: traceevent.KindInt, Int: n, IntBase: 10}, nil
}

func (p *parser) parseHexToken() (string, error) {
	if !p.hasPrefix("0x") {
		return "", p.errf("hex literal")
	}
	start := p.pos
	p.pos += 2
	for p.pos < len(p.s) && isHexDigit(p.s[p.pos]) {
		p.pos++
	}
	return p.s[start:p.pos], nil
}

func (p *parser) parseSignedInt() (int64, error) {
	n, _, _, err := p.parseSignedIntOrFD()
	return n, err
}

// parseSignedIntOrFD parses a plain decimal retval, or the -yy
// "INT '<' endpoint '>'" annotation some syscalls attach to a
// returned file descriptor.
func (p *parser) parseSignedIntOrFD() (n int64, fd traceevent.AnnotatedFD, isFD bool, err error) {
	start := p.pos
	if p.peek() == '-' {
		p.pos++
	}
	digitsStart := p.pos
	for p.pos < len(p.s) && isDigit(p.s[p.pos]) {
		p.pos++
	}
	if p.pos == digitsStart {
		p.pos = start
		return 0, fd, false, p.errf("integer")
	}
	text := p.s[start:p.pos]

	if p.peek() == '<' {
		fdNum, aerr := strconv.Atoi(text)
		if aerr != nil {
			return 0, fd, false, p.errf("fd number")
		}
		p.pos++
		epStart := p.pos
		for p.pos < len(p.s) && p.s[p.pos] != '>' {
			p.pos++
		}
		if p.pos >= len(p.s) {
			return 0, fd, false, p.errf("'>'")
		}
		endpoint := p.s[epStart:p.pos]
		p.pos++
		return 0, traceevent.AnnotatedFD{FD: fdNum, Endpoint: endpoint}, true, nil
	}

	parsed, perr := strconv.ParseInt(text, 10, 64)
	if perr != nil {
		return 0, fd, false, p.errf("integer")
	}
	return parsed, fd, false, nil
}

// parseIdentLed parses whichever of the three identifier-led value
// forms is present: a "name=value" keyword argument (the style
// clone()/clone3() use for child_stack, flags, parent_tidptr, and
// friends), a '|'-joined flags set, or a bare symbol. The keyword
// form's name is discarded; callers only need the underlying value.
func (p *parser) parseIdentLed() (traceevent.Value, error) {
	save := p.pos
	name := p.parseIdent()
	if name == "" {
		return traceevent.Value{}, p.errf("identifier")
	}
	if p.peek() == '=' {
		p.pos++
		return p.parseValue()
	}
	p.pos = save
	return p.parseFlagsOrSymbol()
}

func (p *parser) parseFlagsOrSymbol() (traceevent.Value, error) {
	first := p.parseIdent()
	if first == "" {
		return traceevent.Value{}, p.errf("identifier")
	}
	if p.peek() != '|' {
		return traceevent.Value{Kind: traceevent.KindSymbol, Str: first}, nil
	}
	parts := []string{first}
	for p.peek() == '|' {
		p.pos++
		next := p.parseIdent()
		if next == "" {
			return traceevent.Value{}, p.errf("identifier after '|'")
		}
		parts = append(parts, next)
	}
	return traceevent.Value{Kind: traceevent.KindFlags, FlagParts: parts, Str: strings.Join(parts, "|")}, nil
}

func (p *parser) parseIdent() string {
	start := p.pos
	for p.pos < len(p.s) && isIdentChar(p.s[p.pos]) {
		p.pos++
	}
	return p.s[start:p.pos]
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isHexDigit(c byte) bool   { return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }
func isIdentChar(c byte) bool  { return isIdentStart(c) || isDigit(c) }
