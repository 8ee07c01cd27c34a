// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu      sync.Mutex
	shown   chan Prompt
	expired []Outcome
	fail    error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{shown: make(chan Prompt, 4)}
}

func (n *recordingNotifier) Present(ctx context.Context, p Prompt) error {
	if n.fail != nil {
		return n.fail
	}
	n.shown <- p
	return nil
}

func (n *recordingNotifier) Expire(ctx context.Context, p Prompt, o Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, o)
}

func (n *recordingNotifier) expiredOutcomes() []Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Outcome(nil), n.expired...)
}

func request(g *Gateway, ctx context.Context, q Question) <-chan Decision {
	out := make(chan Decision, 1)
	go func() {
		d, _ := g.RequestDecision(ctx, q)
		out <- d
	}()
	return out
}

func TestResolveApprove(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGateway(n, time.Minute, nil)

	result := request(g, context.Background(), Question{Kind: KindYesNo, Description: "Proceed? (y/n)"})
	p := <-n.shown

	if p.Description != "Proceed? (y/n)" {
		t.Errorf("Expected description to be passed through, got %q", p.Description)
	}
	if _, err := g.Resolve(p.ID, Approve()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	d := <-result
	if d.Outcome != OutcomeApproved {
		t.Errorf("Expected approved, got %s", d.Outcome)
	}
	if d.PromptID != p.ID {
		t.Errorf("Expected prompt id %s, got %s", p.ID, d.PromptID)
	}
	if len(g.Pending()) != 0 {
		t.Errorf("Expected no pending prompts after resolution")
	}
}

func TestResolveTwiceIsExpired(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGateway(n, time.Minute, nil)

	result := request(g, context.Background(), Question{Kind: KindYesNo})
	p := <-n.shown

	if _, err := g.Resolve(p.ID, Deny()); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if _, err := g.Resolve(p.ID, Approve()); !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired on second resolve, got %v", err)
	}
	if d := <-result; d.Outcome != OutcomeDenied {
		t.Errorf("Expected the first answer to stand, got %s", d.Outcome)
	}
}

func TestUnknownIDIsExpired(t *testing.T) {
	g := NewGateway(nil, time.Minute, nil)
	if _, err := g.Resolve("does-not-exist", Approve()); !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
}

func TestDeadlineTimesOut(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGateway(n, time.Minute, nil)

	start := time.Now()
	result := request(g, context.Background(), Question{
		Kind:     KindYesNo,
		Deadline: time.Now().Add(50 * time.Millisecond),
	})
	p := <-n.shown

	select {
	case d := <-result:
		if d.Outcome != OutcomeTimedOut {
			t.Errorf("Expected timed_out, got %s", d.Outcome)
		}
		if !d.Negative() {
			t.Errorf("Expected a timed out decision to be negative")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestDecision did not return after its deadline")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Errorf("Returned before the deadline")
	}
	if _, err := g.Resolve(p.ID, Approve()); !errors.Is(err, ErrExpired) {
		t.Errorf("Expected late resolve to be rejected, got %v", err)
	}
	if got := n.expiredOutcomes(); len(got) != 1 || got[0] != OutcomeTimedOut {
		t.Errorf("Expected one timed_out expiry notification, got %v", got)
	}
}

func TestCancelIsDistinctFromTimeout(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGateway(n, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())

	result := request(g, ctx, Question{Kind: KindYesNo})
	<-n.shown
	cancel()

	select {
	case d := <-result:
		if d.Outcome != OutcomeCancelled {
			t.Errorf("Expected cancelled, got %s", d.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestDecision did not return after cancel")
	}
}

func TestMenuChoice(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGateway(n, time.Minute, nil)
	opts := []MenuOption{{Number: "1", Label: "Yes"}, {Number: "2", Label: "No"}}

	result := request(g, context.Background(), Question{Kind: KindMenu, Options: opts})
	p := <-n.shown

	if _, err := g.Resolve(p.ID, Choose("7")); !errors.Is(err, ErrInvalidAnswer) {
		t.Errorf("Expected ErrInvalidAnswer for unknown option, got %v", err)
	}
	if _, ok := g.Get(p.ID); !ok {
		t.Fatalf("Expected prompt to stay pending after an invalid answer")
	}
	if _, err := g.Resolve(p.ID, Choose("2")); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	d := <-result
	if d.Outcome != OutcomeChoice || d.Choice != "2" {
		t.Errorf("Expected choice 2, got %s %q", d.Outcome, d.Choice)
	}
}

func TestPresentFailureDenies(t *testing.T) {
	n := newRecordingNotifier()
	n.fail = errors.New("chat unreachable")
	g := NewGateway(n, time.Minute, nil)

	d, err := g.RequestDecision(context.Background(), Question{Kind: KindYesNo})
	if err == nil {
		t.Fatal("Expected an error when the prompt cannot be shown")
	}
	if d.Outcome != OutcomeDenied {
		t.Errorf("Expected denied, got %s", d.Outcome)
	}
	if len(g.Pending()) != 0 {
		t.Errorf("Expected the failed prompt to be dropped")
	}
}

func TestIDsAreUnique(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGateway(n, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	request(g, ctx, Question{Kind: KindYesNo})
	request(g, ctx, Question{Kind: KindYesNo})
	a, b := <-n.shown, <-n.shown
	if a.ID == b.ID {
		t.Errorf("Expected distinct prompt ids, got %s twice", a.ID)
	}
	if got := len(g.Pending()); got != 2 {
		t.Errorf("Expected 2 pending prompts, got %d", got)
	}
}

func TestCloseCancelsPending(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGateway(n, time.Minute, nil)

	result := request(g, context.Background(), Question{Kind: KindYesNo, Description: "Proceed? (y/n)"})
	p := <-n.shown

	g.Close()

	d := <-result
	if d.Outcome != OutcomeCancelled {
		t.Errorf("Expected cancelled outcome, got %s", d.Outcome)
	}
	if _, err := g.Resolve(p.ID, Approve()); !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired after close, got %v", err)
	}
	if got := n.expiredOutcomes(); len(got) != 1 || got[0] != OutcomeCancelled {
		t.Errorf("Expected one cancelled expiry, got %v", got)
	}

	d, err := g.RequestDecision(context.Background(), Question{Kind: KindYesNo})
	if !errors.Is(err, ErrClosed) || d.Outcome != OutcomeCancelled {
		t.Errorf("Expected ErrClosed and cancelled outcome, got %v %s", err, d.Outcome)
	}
}
