// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package approval

import "time"

// Kind is the shape of question put to the approver.
type Kind string

const (
	KindYesNo Kind = "yes_no"
	KindMenu  Kind = "menu"
)

// MenuOption is one numbered entry of a menu prompt.
type MenuOption struct {
	Number string `json:"number"`
	Label  string `json:"label"`
}

// Question is what a terminal session asks the approver.
type Question struct {
	Kind        Kind
	Description string
	Options     []MenuOption
	Deadline    time.Time
	// Route is an opaque key the notifier uses to find the human to ask,
	// such as a chat ID.
	Route string
	// Owner names the only user allowed to answer. Empty lets anyone
	// reached through Route answer.
	Owner string
}

// Prompt is a question that is waiting for a decision.
type Prompt struct {
	ID string
	Question
	CreatedAt time.Time
}

// Outcome is how a prompt was resolved.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeDenied    Outcome = "denied"
	OutcomeChoice    Outcome = "choice"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Decision is the single result of a prompt.
type Decision struct {
	PromptID string
	Outcome  Outcome
	// Choice is the selected option number when Outcome is OutcomeChoice.
	Choice string
}

// Negative reports whether the decision must be answered as a refusal.
func (d Decision) Negative() bool {
	switch d.Outcome {
	case OutcomeDenied, OutcomeTimedOut, OutcomeCancelled:
		return true
	}
	return false
}

// Answer is what a human submits for a prompt.
type Answer struct {
	Outcome Outcome
	Choice  string
}

// Approve, Deny and Choose build the answers a resolver submits.
func Approve() Answer { return Answer{Outcome: OutcomeApproved} }
func Deny() Answer    { return Answer{Outcome: OutcomeDenied} }
func Choose(number string) Answer {
	return Answer{Outcome: OutcomeChoice, Choice: number}
}
