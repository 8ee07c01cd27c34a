// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"regexp"
	"strings"
	"time"

	"agentgram/approval"
)

// DefaultIdleThreshold is how long the stream must be silent before its
// text is trusted as a prompt.
const DefaultIdleThreshold = time.Second

// Shape is the classified form of a stalled screen.
type Shape string

const (
	NotAPrompt   Shape = "not_a_prompt"
	YesNo        Shape = "yes_no"
	Menu         Shape = "menu"
	Trust        Shape = "trust"
	Unrecognized Shape = "unrecognized"
)

// Classification is the tagged result of prompt detection. Options is set
// only for Menu.
type Classification struct {
	Shape   Shape
	Options []approval.MenuOption
}

// Detector recognizes prompts in normalized text.
type Detector struct {
	p        *Profile
	idle     time.Duration
	menuLine *regexp.Regexp
}

func NewDetector(p *Profile, idleThreshold time.Duration) *Detector {
	if p == nil {
		p = ClaudeProfile()
	}
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	glyphs := []string{regexp.QuoteMeta(">")}
	for _, m := range p.InputMarkers {
		if m != "" {
			glyphs = append(glyphs, regexp.QuoteMeta(m))
		}
	}
	menuLine := regexp.MustCompile(`^\s*(?:(?:` + strings.Join(glyphs, "|") + `)\s*)*(\d+)\.\s+(.+?)\s*$`)
	return &Detector{p: p, idle: idleThreshold, menuLine: menuLine}
}

// IsPrompt reports whether the stream has stalled on text that looks like
// it is waiting for input.
func (d *Detector) IsPrompt(text string, idle time.Duration) bool {
	if idle < d.idle {
		return false
	}
	for _, ind := range d.p.PromptIndicators {
		if ind != "" && strings.Contains(text, ind) {
			return true
		}
	}
	lines := strings.Split(strings.TrimRight(text, " \t\n"), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	for _, line := range lines {
		if d.menuLine.MatchString(line) {
			return true
		}
	}
	return false
}

// ExtractMenu returns the numbered options in document order, or nil when
// no line looks like a menu entry.
func (d *Detector) ExtractMenu(text string) []approval.MenuOption {
	var opts []approval.MenuOption
	for _, line := range strings.Split(text, "\n") {
		m := d.menuLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		opts = append(opts, approval.MenuOption{Number: m[1], Label: m[2]})
	}
	return opts
}

// Classify tags a screen. Trust prompts win over everything else because
// they carry menu lines as well.
func (d *Detector) Classify(text string, idle time.Duration) Classification {
	if !d.IsPrompt(text, idle) {
		return Classification{Shape: NotAPrompt}
	}
	lower := strings.ToLower(text)
	for _, phrase := range d.p.TrustPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return Classification{Shape: Trust}
		}
	}
	for _, m := range d.p.YesNoMarkers {
		if m != "" && strings.Contains(text, m) {
			return Classification{Shape: YesNo}
		}
	}
	if opts := d.ExtractMenu(text); len(opts) > 0 {
		return Classification{Shape: Menu, Options: opts}
	}
	return Classification{Shape: Unrecognized}
}
