// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import "testing"

func TestIsAnimationFrame(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"✻", true},
		{"·", true},
		{"⠋⠙⠹", true},
		{"  ✶  ", true},
		{"reading 3 files…", true},
		{"Reading 1 file…", true},
		{"(ctrl+o to expand)", true},
		{"(thought for 12s)", true},
		{"✻ (thought for 3s)", true},
		{"✻ Thinking…", false},
		{"* ok", false},
		{"● 42", false},
		{"ok", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		if got := IsAnimationFrame(tt.text); got != tt.want {
			t.Errorf("IsAnimationFrame(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
