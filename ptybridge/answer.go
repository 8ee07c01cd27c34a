// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"strings"

	"agentgram/approval"
)

const (
	answerYes   = "y\n"
	answerNo    = "n\n"
	answerTrust = "1\n"
)

// terminalInput translates a decision into the keystrokes written to the
// child. Every negative outcome produces the same input; the distinction
// survives only in the returned Decision.
func terminalInput(c Classification, d approval.Decision) string {
	switch c.Shape {
	case Trust:
		return answerTrust
	case YesNo:
		if d.Outcome == approval.OutcomeApproved {
			return answerYes
		}
		return answerNo
	case Menu:
		return menuInput(c.Options, d)
	}
	return answerNo
}

func menuInput(opts []approval.MenuOption, d approval.Decision) string {
	switch d.Outcome {
	case approval.OutcomeChoice:
		for _, o := range opts {
			if o.Number == d.Choice {
				return o.Number + "\n"
			}
		}
	case approval.OutcomeApproved:
		if len(opts) > 0 {
			return opts[0].Number + "\n"
		}
		return answerYes
	}
	for _, o := range opts {
		if isNegativeLabel(o.Label) {
			return o.Number + "\n"
		}
	}
	return answerNo
}

func isNegativeLabel(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	return l == "no" || strings.HasPrefix(l, "no,") || strings.HasPrefix(l, "no ")
}
