// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

// Package approval correlates prompts raised by terminal sessions with
// decisions made by a remote human.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout applies when a question carries no deadline.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrExpired is returned when resolving a prompt that was already
	// resolved, timed out, cancelled, or never existed.
	ErrExpired = errors.New("prompt expired")
	// ErrInvalidAnswer is returned for a choice that is not one of the
	// prompt's options.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrClosed is returned by RequestDecision after Close.
	ErrClosed = errors.New("gateway closed")
)

// Notifier shows a prompt to a human. Present must not block until the
// human answers; the answer arrives later through Gateway.Resolve.
type Notifier interface {
	Present(ctx context.Context, p Prompt) error
}

// ExpiryNotifier is implemented by notifiers that want to know when a
// prompt ended without an answer.
type ExpiryNotifier interface {
	Expire(ctx context.Context, p Prompt, outcome Outcome)
}

type pending struct {
	prompt Prompt
	done   chan Decision
}

// Gateway tracks outstanding prompts. Each prompt yields exactly one
// Decision.
type Gateway struct {
	notifier Notifier
	timeout  time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
}

func NewGateway(n Notifier, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		notifier: n,
		timeout:  timeout,
		log:      logger.With("component", "approval"),
		pending:  make(map[string]*pending),
	}
}

// RequestDecision presents q and blocks until it is resolved, its deadline
// passes, or ctx ends. Timeouts and cancellation are reported through the
// Decision outcome, not as errors. An error means the prompt could not be
// presented; the decision is then a denial.
func (g *Gateway) RequestDecision(ctx context.Context, q Question) (Decision, error) {
	if q.Deadline.IsZero() {
		q.Deadline = time.Now().Add(g.timeout)
	}
	p := &pending{
		prompt: Prompt{ID: uuid.New().String(), Question: q, CreatedAt: time.Now()},
		done:   make(chan Decision, 1),
	}
	id := p.prompt.ID

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Decision{PromptID: id, Outcome: OutcomeCancelled}, ErrClosed
	}
	g.pending[id] = p
	g.mu.Unlock()

	if g.notifier != nil {
		if err := g.notifier.Present(ctx, p.prompt); err != nil {
			g.remove(id)
			g.log.Error("failed to present prompt", "prompt", id, "error", err)
			return Decision{PromptID: id, Outcome: OutcomeDenied}, fmt.Errorf("failed to present prompt: %w", err)
		}
	}
	g.log.Info("prompt pending", "prompt", id, "kind", q.Kind, "deadline", q.Deadline.Format(time.RFC3339))

	timer := time.NewTimer(time.Until(q.Deadline))
	defer timer.Stop()

	select {
	case d := <-p.done:
		return d, nil
	case <-timer.C:
		return g.expire(ctx, p, OutcomeTimedOut), nil
	case <-ctx.Done():
		// A caller deadline that matches the prompt's is still a timeout.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return g.expire(ctx, p, OutcomeTimedOut), nil
		}
		return g.expire(ctx, p, OutcomeCancelled), nil
	}
}

// expire ends p with outcome unless a resolution won the race, in which
// case that resolution is returned.
func (g *Gateway) expire(ctx context.Context, p *pending, outcome Outcome) Decision {
	if !g.remove(p.prompt.ID) {
		return <-p.done
	}
	g.log.Info("prompt expired", "prompt", p.prompt.ID, "outcome", outcome)
	if en, ok := g.notifier.(ExpiryNotifier); ok {
		en.Expire(context.WithoutCancel(ctx), p.prompt, outcome)
	}
	return Decision{PromptID: p.prompt.ID, Outcome: outcome}
}

func (g *Gateway) remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; !ok {
		return false
	}
	delete(g.pending, id)
	return true
}

// Resolve records a human's answer. It returns ErrExpired if the prompt is
// no longer pending.
func (g *Gateway) Resolve(id string, a Answer) (Decision, error) {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return Decision{}, ErrExpired
	}
	d, err := decide(p.prompt, a)
	if err != nil {
		g.mu.Unlock()
		return Decision{}, err
	}
	delete(g.pending, id)
	g.mu.Unlock()

	p.done <- d
	g.log.Info("prompt resolved", "prompt", id, "outcome", d.Outcome, "choice", d.Choice)
	return d, nil
}

func decide(p Prompt, a Answer) (Decision, error) {
	d := Decision{PromptID: p.ID, Outcome: a.Outcome}
	switch a.Outcome {
	case OutcomeApproved, OutcomeDenied:
		return d, nil
	case OutcomeChoice:
		if p.Kind != KindMenu {
			return Decision{}, fmt.Errorf("%w: choice on %s prompt", ErrInvalidAnswer, p.Kind)
		}
		for _, o := range p.Options {
			if o.Number == a.Choice {
				d.Choice = a.Choice
				return d, nil
			}
		}
		return Decision{}, fmt.Errorf("%w: no option %q", ErrInvalidAnswer, a.Choice)
	}
	return Decision{}, fmt.Errorf("%w: outcome %q", ErrInvalidAnswer, a.Outcome)
}

// Close cancels every pending prompt and refuses new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	ps := g.pending
	g.pending = make(map[string]*pending)
	g.mu.Unlock()

	en, _ := g.notifier.(ExpiryNotifier)
	for id, p := range ps {
		p.done <- Decision{PromptID: id, Outcome: OutcomeCancelled}
		if en != nil {
			en.Expire(context.Background(), p.prompt, OutcomeCancelled)
		}
	}
	if len(ps) > 0 {
		g.log.Info("gateway closed", "cancelled", len(ps))
	}
}

// Get returns a pending prompt by ID.
func (g *Gateway) Get(id string) (Prompt, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return Prompt{}, false
	}
	return p.prompt, true
}

// Pending lists outstanding prompts, oldest first.
func (g *Gateway) Pending() []Prompt {
	g.mu.Lock()
	out := make([]Prompt, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.prompt)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
