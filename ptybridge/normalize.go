// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

const maxCursorForward = 256

var (
	cursorForwardRe = regexp.MustCompile(`\x1b\[(\d*)C`)
	blankRunRe      = regexp.MustCompile(`\n(?:[ \t]*\n){3,}`)
)

// Normalize rebuilds the visible text from the accumulated raw PTY bytes.
// It is called on the whole buffer after every read, so it must be cheap to
// repeat and must not depend on chunk boundaries.
func Normalize(raw []byte) string {
	// Undecodable bytes become U+FFFD instead of being dropped.
	s := strings.ToValidUTF8(string(raw), "\uFFFD")
	s = applyBackspaces(s)
	s = stripEscapes(s)
	s = dropControls(s)
	s = overwriteCarriageReturns(s)
	return blankRunRe.ReplaceAllString(s, "\n\n")
}

// applyBackspaces removes the rune before each BS. It never crosses a line
// start, matching a terminal cursor that stops at column zero.
func applyBackspaces(s string) string {
	if !strings.ContainsRune(s, '\b') {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r != '\b' {
			out = append(out, r)
			continue
		}
		if n := len(out); n > 0 && out[n-1] != '\n' {
			out = out[:n-1]
		}
	}
	return string(out)
}

// stripEscapes removes OSC, CSI, DCS/PM/APC and single-character escapes in
// one parser pass. C1 controls arriving as runes are rewritten to their
// 7-bit ESC form first so the parser sees them as sequence introducers.
func stripEscapes(s string) string {
	s = cursorForwardRe.ReplaceAllStringFunc(s, func(m string) string {
		n, err := strconv.Atoi(m[2 : len(m)-1])
		if err != nil || n < 1 {
			n = 1
		}
		return strings.Repeat(" ", min(n, maxCursorForward))
	})

	if strings.IndexFunc(s, isC1) >= 0 {
		var b strings.Builder
		b.Grow(len(s) + 8)
		for _, r := range s {
			if isC1(r) {
				b.WriteByte(0x1b)
				b.WriteByte(byte(r - 0x40))
				continue
			}
			b.WriteRune(r)
		}
		s = b.String()
	}
	return ansi.Strip(s)
}

func isC1(r rune) bool { return r >= 0x80 && r <= 0x9f }

func dropControls(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// overwriteCarriageReturns keeps the text after the last CR of each line.
// Trailing CRs are line endings from the PTY (\r\n), not overwrites.
func overwriteCarriageReturns(s string) string {
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if j := strings.LastIndexByte(line, '\r'); j >= 0 {
			line = line[j+1:]
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}
