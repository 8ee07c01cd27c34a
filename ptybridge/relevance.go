// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"regexp"
	"strings"
)

var numberedLineRe = regexp.MustCompile(`^\s*\d+\.`)

// RelevanceFilter selects the lines of normalized output worth showing to a
// remote observer.
type RelevanceFilter struct {
	p *Profile
}

func NewRelevanceFilter(p *Profile) *RelevanceFilter {
	if p == nil {
		p = ClaudeProfile()
	}
	return &RelevanceFilter{p: p}
}

// Filter keeps narration, errors, input markers, menu entries, proceed
// phrases and operation headers with the line after each header. Lines carrying an
// explicit answer marker belong to the prompt detector and are left out.
func (f *RelevanceFilter) Filter(text string) string {
	var kept []string
	afterHeader := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || IsAnimationFrame(trimmed) || f.isPromptLine(trimmed) {
			afterHeader = false
			continue
		}
		if f.isHeader(trimmed) {
			kept = append(kept, line)
			afterHeader = true
			continue
		}
		if afterHeader {
			kept = append(kept, line)
			afterHeader = false
			continue
		}
		if f.keep(trimmed) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func (f *RelevanceFilter) keep(line string) bool {
	if hasAnyPrefix(line, f.p.NarrationMarkers) || hasAnyPrefix(line, f.p.InputMarkers) {
		return true
	}
	if hasAnyPrefix(line, f.p.ErrorMarkers) {
		return true
	}
	if numberedLineRe.MatchString(line) {
		return true
	}
	lower := strings.ToLower(line)
	for _, phrase := range f.p.ProceedPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// isHeader matches bare operation headers such as "Read file". Narration
// lines that mention an operation are kept on their own and never pull in
// the following line.
func (f *RelevanceFilter) isHeader(line string) bool {
	return hasAnyPrefix(line, f.p.Headers)
}

func (f *RelevanceFilter) isPromptLine(line string) bool {
	for _, m := range f.p.YesNoMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
