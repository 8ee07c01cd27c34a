// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"agentgram/approval"
)

type fakeDecider struct {
	mu        sync.Mutex
	questions []approval.Question
	asked     chan approval.Question
	decide    func(ctx context.Context, q approval.Question) (approval.Decision, error)
}

func newFakeDecider(decide func(ctx context.Context, q approval.Question) (approval.Decision, error)) *fakeDecider {
	return &fakeDecider{asked: make(chan approval.Question, 8), decide: decide}
}

func (d *fakeDecider) RequestDecision(ctx context.Context, q approval.Question) (approval.Decision, error) {
	d.mu.Lock()
	d.questions = append(d.questions, q)
	d.mu.Unlock()
	d.asked <- q
	return d.decide(ctx, q)
}

func (d *fakeDecider) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.questions)
}

func answerWith(o approval.Outcome) func(context.Context, approval.Question) (approval.Decision, error) {
	return func(context.Context, approval.Question) (approval.Decision, error) {
		return approval.Decision{PromptID: "test", Outcome: o}, nil
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func shell(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

func collect(ch <-chan Update) func() []Update {
	var (
		mu  sync.Mutex
		got []Update
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range ch {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
		}
	}()
	return func() []Update {
		<-done
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}

func TestRunApprovedYesNo(t *testing.T) {
	requireShell(t)
	decider := newFakeDecider(answerWith(approval.OutcomeApproved))
	updates := make(chan Update, 16)
	wait := collect(updates)

	res := Run(context.Background(), Config{
		Argv:    shell(`printf '╭─ Banner ─╮\n● Reading file config.py\nOK\nDo you want to proceed? (y/n)\n'; read ans; echo "got:$ans"`),
		Dir:     t.TempDir(),
		Timeout: 20 * time.Second,
		Decider: decider,
		Updates: updates,
		Route:   "42",
		Owner:   "7",
	})
	got := wait()

	if !res.Success {
		t.Fatalf("Expected success, got %s: %s\n%s", res.Kind, res.Error, res.Output)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %v", res.ExitCode)
	}
	if decider.count() != 1 {
		t.Fatalf("Expected exactly one decision request, got %d", decider.count())
	}
	q := decider.questions[0]
	if q.Kind != approval.KindYesNo {
		t.Errorf("Expected yes_no question, got %s", q.Kind)
	}
	if q.Route != "42" || q.Owner != "7" {
		t.Errorf("Expected route and owner on the question, got %q %q", q.Route, q.Owner)
	}
	if !strings.Contains(q.Description, "Do you want to proceed? (y/n)") {
		t.Errorf("Expected prompt text to reach the approver verbatim, got %q", q.Description)
	}
	if len(res.Prompts) != 1 || res.Prompts[0].Response != "y\n" {
		t.Errorf("Expected one prompt answered with y, got %+v", res.Prompts)
	}
	if !strings.Contains(res.Output, "got:y") {
		t.Errorf("Expected the child to receive y, output: %q", res.Output)
	}
	if len(got) != 1 || got[0].Text != "● Reading file config.py" {
		t.Errorf("Expected exactly one outward update with the narration line, got %+v", got)
	}
}

func TestRunPromptTimeoutDenies(t *testing.T) {
	requireShell(t)
	gw := approval.NewGateway(nil, time.Minute, nil)

	start := time.Now()
	res := Run(context.Background(), Config{
		Argv:          shell(`printf 'Continue? (y/n) '; read ans; echo "ans=$ans"`),
		Timeout:       20 * time.Second,
		PromptTimeout: 300 * time.Millisecond,
		IdleThreshold: 200 * time.Millisecond,
		Decider:       gw,
	})

	if !res.Success {
		t.Fatalf("Expected the session to continue after a prompt timeout, got %s: %s", res.Kind, res.Error)
	}
	if len(res.Prompts) != 1 {
		t.Fatalf("Expected one prompt, got %+v", res.Prompts)
	}
	p := res.Prompts[0]
	if p.Outcome != approval.OutcomeTimedOut || p.Kind != PromptTimeout || p.Response != "n\n" {
		t.Errorf("Expected a timed out prompt answered with n, got %+v", p)
	}
	if !strings.Contains(res.Output, "ans=n") {
		t.Errorf("Expected the child to receive n, output: %q", res.Output)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("Session took too long to resume after the prompt timeout")
	}
}

func TestRunUnrecognizedPromptDenied(t *testing.T) {
	requireShell(t)
	decider := newFakeDecider(answerWith(approval.OutcomeApproved))

	res := Run(context.Background(), Config{
		Argv:          shell(`printf 'Something happened\nEnter to confirm '; read ans; echo "ans=$ans"`),
		Timeout:       20 * time.Second,
		IdleThreshold: 200 * time.Millisecond,
		Decider:       decider,
	})

	if !res.Success {
		t.Fatalf("Expected the session to keep running after an unrecognized prompt, got %s: %s", res.Kind, res.Error)
	}
	if decider.count() != 0 {
		t.Errorf("Expected no decision request, got %d", decider.count())
	}
	if len(res.Prompts) != 1 {
		t.Fatalf("Expected one prompt record, got %+v", res.Prompts)
	}
	p := res.Prompts[0]
	if p.Kind != UnrecognizedPrompt || p.Outcome != approval.OutcomeDenied || p.Response != "n\n" {
		t.Errorf("Expected an unrecognized prompt denied with n, got %+v", p)
	}
	if !strings.Contains(res.Output, "ans=n") {
		t.Errorf("Expected the child to receive n, output: %q", res.Output)
	}
}

func TestRunCancelWhileAwaitingDecision(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")

	never := newFakeDecider(func(ctx context.Context, q approval.Question) (approval.Decision, error) {
		<-ctx.Done()
		return approval.Decision{Outcome: approval.OutcomeCancelled}, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-never.asked
		cancel()
	}()

	res := Run(ctx, Config{
		Argv:          shell(`echo $$ > ` + pidFile + `; printf 'Delete everything? (y/n) '; read ans; echo "ans=$ans"`),
		Dir:           dir,
		Timeout:       20 * time.Second,
		IdleThreshold: 200 * time.Millisecond,
		Decider:       never,
	})

	if res.Success || res.Kind != Cancelled {
		t.Fatalf("Expected cancelled result, got success=%v kind=%s", res.Success, res.Kind)
	}
	var e *Error
	if !errors.As(res.Err(), &e) || e.Kind != Cancelled {
		t.Errorf("Expected *Error with Cancelled kind, got %v", res.Err())
	}
	if len(res.Prompts) != 1 || res.Prompts[0].Outcome != approval.OutcomeCancelled || res.Prompts[0].Kind == PromptTimeout {
		t.Errorf("Expected the pending prompt to be recorded as cancelled, got %+v", res.Prompts)
	}
	if strings.Contains(res.Output, "ans=") {
		t.Errorf("Expected no answer to reach the child, output: %q", res.Output)
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("failed to read pid file: %v", err)
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Errorf("Expected child %d to be gone, kill(0) returned %v", pid, err)
	}
}

func TestRunTrustPromptSkipsApprover(t *testing.T) {
	requireShell(t)
	decider := newFakeDecider(answerWith(approval.OutcomeDenied))

	res := Run(context.Background(), Config{
		Argv:          shell(`printf 'Quick safety check\n❯ 1. Yes, proceed\n  2. No, exit\n'; read ans; echo "ans=$ans"`),
		Timeout:       20 * time.Second,
		IdleThreshold: 200 * time.Millisecond,
		Decider:       decider,
	})

	if !res.Success {
		t.Fatalf("Expected success, got %s: %s", res.Kind, res.Error)
	}
	if decider.count() != 0 {
		t.Errorf("Expected trust prompt to bypass the approver")
	}
	if len(res.Prompts) != 1 || res.Prompts[0].Shape != Trust {
		t.Errorf("Expected one trust prompt, got %+v", res.Prompts)
	}
	if !strings.Contains(res.Output, "ans=1") {
		t.Errorf("Expected option 1 to be sent, output: %q", res.Output)
	}
}

func TestRunMenuDenied(t *testing.T) {
	requireShell(t)
	decider := newFakeDecider(answerWith(approval.OutcomeDenied))

	res := Run(context.Background(), Config{
		Argv:          shell(`printf 'Do you want to proceed?\n❯ 1. Yes\n  2. No, tell me what to do\n'; read ans; echo "ans=$ans"`),
		Timeout:       20 * time.Second,
		IdleThreshold: 200 * time.Millisecond,
		Decider:       decider,
	})

	if !res.Success {
		t.Fatalf("Expected success, got %s: %s", res.Kind, res.Error)
	}
	if decider.count() != 1 || decider.questions[0].Kind != approval.KindMenu || len(decider.questions[0].Options) != 2 {
		t.Fatalf("Expected one menu question with two options, got %+v", decider.questions)
	}
	if !strings.Contains(res.Output, "ans=2") {
		t.Errorf("Expected the negative option to be sent, output: %q", res.Output)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	updates := make(chan Update, 1)
	res := Run(context.Background(), Config{
		Argv:    []string{"/nonexistent/agent-cli"},
		Updates: updates,
	})
	if res.Success || res.Kind != SpawnFailure {
		t.Errorf("Expected spawn failure, got %+v", res)
	}
	if _, open := <-updates; open {
		t.Errorf("Expected the update channel to be closed")
	}
}

func TestRunExecutionTimeout(t *testing.T) {
	requireShell(t)
	start := time.Now()
	res := Run(context.Background(), Config{
		Argv:    shell(`echo "● started"; sleep 30`),
		Timeout: 500 * time.Millisecond,
	})
	if res.Kind != ExecutionTimeout {
		t.Fatalf("Expected execution timeout, got %s", res.Kind)
	}
	if !strings.Contains(res.Output, "● started") {
		t.Errorf("Expected partial output to be kept, got %q", res.Output)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("Expected the child to be killed promptly")
	}
}

func TestRunProcessFailure(t *testing.T) {
	requireShell(t)
	res := Run(context.Background(), Config{
		Argv:    shell(`echo "● partial"; exit 3`),
		Timeout: 10 * time.Second,
	})
	if res.Success || res.Kind != ProcessFailure {
		t.Fatalf("Expected process failure, got %+v", res)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %v", res.ExitCode)
	}
	if !strings.Contains(res.Output, "● partial") {
		t.Errorf("Expected output before the failure, got %q", res.Output)
	}
}

func TestRunEnvOverrides(t *testing.T) {
	requireShell(t)
	t.Setenv("AGENTGRAM_INHERITED", "kept")
	res := Run(context.Background(), Config{
		Argv:    shell(`echo "$AGENTGRAM_INHERITED $AGENTGRAM_OVERRIDE $TERM"`),
		Env:     map[string]string{"AGENTGRAM_OVERRIDE": "set"},
		Timeout: 10 * time.Second,
	})
	if !strings.Contains(res.Output, "kept set xterm-256color") {
		t.Errorf("Expected merged environment, got %q", res.Output)
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	want := "A=1,B=3,C=4"
	if strings.Join(got, ",") != want {
		t.Errorf("mergeEnv = %v, want %s", got, want)
	}
}
