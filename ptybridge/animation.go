// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"regexp"
	"strings"
)

var animationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[✻✶✳✢·●✽*⏺⠁⠂⠄⠈⠐⠠⠀⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]+`),
	regexp.MustCompile(`(?i)reading \d+ files?…`),
	regexp.MustCompile(`\(ctrl\+o to expand\)`),
	regexp.MustCompile(`\(?(?:th)?ought for\s*\d+s\)`),
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]{2,}`)

// IsAnimationFrame reports whether text is a transient spinner or progress
// redraw. Text qualifies only if a known pattern matches and nothing
// word-like is left once every match is removed.
func IsAnimationFrame(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	matched := false
	rest := text
	for _, re := range animationPatterns {
		if re.MatchString(rest) {
			matched = true
			rest = re.ReplaceAllString(rest, " ")
		}
	}
	return matched && !wordRe.MatchString(rest)
}
