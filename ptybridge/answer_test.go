// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"testing"

	"agentgram/approval"
)

func TestTerminalInput(t *testing.T) {
	menu := Classification{Shape: Menu, Options: []approval.MenuOption{
		{Number: "1", Label: "Yes"},
		{Number: "2", Label: "Yes, and don't ask again"},
		{Number: "3", Label: "No, and tell Claude what to do differently"},
	}}
	noNegative := Classification{Shape: Menu, Options: []approval.MenuOption{
		{Number: "1", Label: "Apply"},
		{Number: "2", Label: "Nothing"},
	}}
	d := func(o approval.Outcome, choice string) approval.Decision {
		return approval.Decision{Outcome: o, Choice: choice}
	}

	tests := []struct {
		name string
		c    Classification
		d    approval.Decision
		want string
	}{
		{"yes", Classification{Shape: YesNo}, d(approval.OutcomeApproved, ""), "y\n"},
		{"no", Classification{Shape: YesNo}, d(approval.OutcomeDenied, ""), "n\n"},
		{"timeout", Classification{Shape: YesNo}, d(approval.OutcomeTimedOut, ""), "n\n"},
		{"cancelled", Classification{Shape: YesNo}, d(approval.OutcomeCancelled, ""), "n\n"},
		{"trust", Classification{Shape: Trust}, d(approval.OutcomeApproved, ""), "1\n"},
		{"unrecognized", Classification{Shape: Unrecognized}, d(approval.OutcomeApproved, ""), "n\n"},
		{"menu choice", menu, d(approval.OutcomeChoice, "2"), "2\n"},
		{"menu approve", menu, d(approval.OutcomeApproved, ""), "1\n"},
		{"menu deny", menu, d(approval.OutcomeDenied, ""), "3\n"},
		{"menu timeout", menu, d(approval.OutcomeTimedOut, ""), "3\n"},
		{"menu bad choice", menu, d(approval.OutcomeChoice, "9"), "3\n"},
		{"menu deny without no option", noNegative, d(approval.OutcomeDenied, ""), "n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := terminalInput(tt.c, tt.d); got != tt.want {
				t.Errorf("terminalInput = %q, want %q", got, tt.want)
			}
		})
	}
}
