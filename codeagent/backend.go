// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package codeagent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"agentgram/ptybridge"
)

// Backend names a CLI family.
type Backend string

const (
	BackendClaude   Backend = "claude"
	BackendOpenCode Backend = "opencode"
)

var (
	ErrUnavailable       = errors.New("cli not available")
	ErrBypassUnsupported = errors.New("bypass mode is only supported by the claude backend")
)

const availabilityTimeout = 10 * time.Second

// ParseBackend accepts a backend name case-insensitively.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case BackendClaude, "":
		return BackendClaude, nil
	case BackendOpenCode:
		return BackendOpenCode, nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

// CLI is one installed command-line agent.
type CLI struct {
	Backend Backend
	Path    string
}

func (c CLI) path() string {
	if c.Path != "" {
		return c.Path
	}
	return string(c.Backend)
}

// Command builds the interactive argv: fixed invocation, model selector,
// optional continue flag, and the instruction last.
func (c CLI) Command(req Request) []string {
	argv := []string{c.path()}
	switch c.Backend {
	case BackendOpenCode:
		argv = append(argv, "--cwd", req.Folder)
		if req.Model != "" && req.Model != "default" {
			argv = append(argv, "--model", req.Model)
		}
	default:
		model := req.Model
		if model == "" {
			model = DefaultModel
		}
		argv = append(argv, "--model", model)
	}
	if req.Continue {
		argv = append(argv, "--continue")
	}
	return append(argv, req.Instruction)
}

// StreamCommand builds the print-mode argv used when permissions are
// bypassed. Output is newline-delimited JSON.
func (c CLI) StreamCommand(req Request) ([]string, error) {
	if c.Backend != BackendClaude {
		return nil, ErrBypassUnsupported
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	argv := []string{
		c.path(), "-p",
		"--model", model,
		"--permission-mode", "bypassPermissions",
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Continue {
		argv = append(argv, "--continue")
	}
	return append(argv, req.Instruction), nil
}

// ProfileName is the pattern profile used to read this CLI's screen.
func (c CLI) ProfileName() string {
	return string(c.Backend)
}

// Profile picks this CLI's profile from profiles, falling back to the
// built-in one.
func (c CLI) Profile(profiles map[string]*ptybridge.Profile) *ptybridge.Profile {
	if p, ok := profiles[c.ProfileName()]; ok && p != nil {
		return p
	}
	if c.Backend == BackendOpenCode {
		return ptybridge.OpenCodeProfile()
	}
	return ptybridge.ClaudeProfile()
}

// CheckAvailable runs the CLI's cheap probe command.
func (c CLI) CheckAvailable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	probe := "--version"
	if c.Backend == BackendOpenCode {
		probe = "--help"
	}
	out, err := exec.CommandContext(ctx, c.path(), probe).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v: %s", ErrUnavailable, c.path(), probe, err, strings.TrimSpace(string(out)))
	}
	return nil
}
