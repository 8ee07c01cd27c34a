// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package codeagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentgram/approval"
	"agentgram/metrics"
	"agentgram/ptybridge"
)

// AgentStatus represents the current state of an agent
type AgentStatus string

const (
	StatusPending          AgentStatus = "pending"
	StatusQueued           AgentStatus = "queued"
	StatusRunning          AgentStatus = "running"
	StatusAwaitingDecision AgentStatus = "awaiting_decision"
	StatusFinished         AgentStatus = "finished"
	StatusFailed           AgentStatus = "failed"
	StatusKilled           AgentStatus = "killed"
	StatusTimedOut         AgentStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusKilled, StatusTimedOut:
		return true
	}
	return false
}

// Agent is one CLI run.
type Agent struct {
	ID        string
	Key       string
	Folder    string
	Prompt    string
	Backend   Backend
	Model     string
	Bypass    bool
	Status    AgentStatus
	Output    string
	Error     string
	ErrorKind ptybridge.ErrorKind
	ExitCode  *int
	Prompts   []ptybridge.PromptRecord
	StartTime time.Time
	EndTime   time.Time

	mu     sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}

	subMu       sync.RWMutex
	subscribers map[string]chan ptybridge.Update
	finished    bool // guarded by subMu
}

// NewAgent creates a new agent instance
func NewAgent(id string, req Request) *Agent {
	return &Agent{
		ID:          id,
		Key:         req.Key,
		Folder:      req.Folder,
		Prompt:      req.Instruction,
		Backend:     req.Backend,
		Model:       req.Model,
		Bypass:      req.Bypass,
		Status:      StatusPending,
		done:        make(chan struct{}),
		subscribers: make(map[string]chan ptybridge.Update),
	}
}

func (a *Agent) setStatus(s AgentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.Status.Terminal() {
		a.Status = s
	}
}

// swapStatus moves from one status to another only if the agent is still
// in the first one.
func (a *Agent) swapStatus(from, to AgentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Status == from {
		a.Status = to
	}
}

func (a *Agent) start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Status = StatusRunning
	a.StartTime = time.Now()
}

func (a *Agent) finish(res ptybridge.Result) {
	a.mu.Lock()
	a.Output = res.Output
	a.Error = res.Error
	a.ErrorKind = res.Kind
	a.ExitCode = res.ExitCode
	a.Prompts = res.Prompts
	a.EndTime = time.Now()
	if a.StartTime.IsZero() {
		a.StartTime = a.EndTime
	}
	switch {
	case res.Success:
		a.Status = StatusFinished
	case res.Kind == ptybridge.Cancelled:
		a.Status = StatusKilled
	case res.Kind == ptybridge.ExecutionTimeout:
		a.Status = StatusTimedOut
	default:
		a.Status = StatusFailed
	}
	a.mu.Unlock()

	a.subMu.Lock()
	a.finished = true
	for id, ch := range a.subscribers {
		close(ch)
		delete(a.subscribers, id)
	}
	a.subMu.Unlock()
	close(a.done)
}

// Kill cancels the run. A queued agent leaves the queue.
func (a *Agent) Kill() error {
	a.mu.RLock()
	status, cancel := a.Status, a.cancel
	a.mu.RUnlock()

	if status.Terminal() {
		return fmt.Errorf("agent %s is not running", a.ID)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Done is closed when the agent reaches a terminal status.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// publish records the latest outward text and fans it out. Slow
// subscribers miss updates rather than stall the run.
func (a *Agent) publish(u ptybridge.Update) {
	a.mu.Lock()
	a.Output = u.Text
	a.mu.Unlock()

	a.subMu.RLock()
	defer a.subMu.RUnlock()
	for _, ch := range a.subscribers {
		select {
		case ch <- u:
		default:
		}
	}
}

// Subscribe returns a channel of live updates, primed with the latest text.
// The channel is closed when the run ends.
func (a *Agent) Subscribe() (string, <-chan ptybridge.Update) {
	subID := uuid.New().String()[:8]
	ch := make(chan ptybridge.Update, 16)

	a.mu.RLock()
	current := a.Output
	a.mu.RUnlock()
	if current != "" {
		ch <- ptybridge.Update{Text: current, At: time.Now()}
	}

	a.subMu.Lock()
	defer a.subMu.Unlock()
	if a.finished {
		close(ch)
		return subID, ch
	}
	a.subscribers[subID] = ch
	return subID, ch
}

// Unsubscribe removes a subscription
func (a *Agent) Unsubscribe(subID string) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if ch, ok := a.subscribers[subID]; ok {
		close(ch)
		delete(a.subscribers, subID)
	}
}

// GetStatus returns the current status of the agent
func (a *Agent) GetStatus() AgentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Status
}

// GetOutput returns the output of the agent
func (a *Agent) GetOutput() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Output
}

// GetError returns any error from the agent execution
func (a *Agent) GetError() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Error
}

// GetDuration returns how long the agent has been running or ran
func (a *Agent) GetDuration() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.duration()
}

func (a *Agent) duration() time.Duration {
	if a.StartTime.IsZero() {
		return 0
	}
	if a.EndTime.IsZero() {
		return time.Since(a.StartTime)
	}
	return a.EndTime.Sub(a.StartTime)
}

// ToInfo returns a snapshot of the agent's current state
func (a *Agent) ToInfo() AgentInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return AgentInfo{
		ID:        a.ID,
		Key:       a.Key,
		Folder:    a.Folder,
		Prompt:    a.Prompt,
		Backend:   a.Backend,
		Model:     a.Model,
		Bypass:    a.Bypass,
		Status:    a.Status,
		Output:    a.Output,
		Error:     a.Error,
		ErrorKind: a.ErrorKind,
		Prompts:   len(a.Prompts),
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Duration:  a.duration(),
	}
}

// AgentInfo is a snapshot of an agent's state
type AgentInfo struct {
	ID        string
	Key       string
	Folder    string
	Prompt    string
	Backend   Backend
	Model     string
	Bypass    bool
	Status    AgentStatus
	Output    string
	Error     string
	ErrorKind ptybridge.ErrorKind
	Prompts   int
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// statusDecider marks the agent as waiting while a prompt is with the
// approver.
type statusDecider struct {
	agent *Agent
	next  ptybridge.Decider
}

func (d statusDecider) RequestDecision(ctx context.Context, q approval.Question) (approval.Decision, error) {
	if d.next == nil {
		return approval.Decision{Outcome: approval.OutcomeDenied}, fmt.Errorf("no approver configured")
	}
	d.agent.swapStatus(StatusRunning, StatusAwaitingDecision)
	defer d.agent.swapStatus(StatusAwaitingDecision, StatusRunning)

	metrics.PromptsPending.Inc()
	defer metrics.PromptsPending.Dec()
	start := time.Now()
	dec, err := d.next.RequestDecision(ctx, q)
	metrics.DecisionLatency.Observe(time.Since(start).Seconds())
	return dec, err
}
