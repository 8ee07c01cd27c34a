// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"fmt"
	"time"

	"agentgram/approval"
)

// ErrorKind classifies why a session or a single prompt did not succeed.
type ErrorKind string

const (
	SpawnFailure     ErrorKind = "spawn_failure"
	IOFailure        ErrorKind = "io_failure"
	ExecutionTimeout ErrorKind = "execution_timeout"
	Cancelled        ErrorKind = "cancelled"
	ProcessFailure   ErrorKind = "process_failure"

	// Per-prompt kinds. They never end a session.
	PromptTimeout      ErrorKind = "prompt_timeout"
	UnrecognizedPrompt ErrorKind = "unrecognized_prompt"
)

// Error is the error form of a failed Result.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// PromptRecord describes one prompt the session answered.
type PromptRecord struct {
	ID       string
	Shape    Shape
	Outcome  approval.Outcome
	Kind     ErrorKind
	Response string
	Text     string
	At       time.Time
}

// Result is returned once per session and not modified afterwards. Output
// holds everything shown since spawn, including text from before each
// prompt response, so partial progress survives a failure.
type Result struct {
	Success  bool
	Output   string
	ExitCode *int
	Kind     ErrorKind
	Error    string
	Prompts  []PromptRecord
	Duration time.Duration
}

// Err returns nil for a successful result and an *Error otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, Message: r.Error}
}
