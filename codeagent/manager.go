// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package codeagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"agentgram/metrics"
	"agentgram/ptybridge"
)

// DefaultModel is passed to claude when a request names none.
const DefaultModel = "sonnet"

// ErrBusy is returned when the key already has an active run.
var ErrBusy = errors.New("a run is already active for this key")

// Request describes one run.
type Request struct {
	// Key identifies the requester; one active run per key.
	Key string
	// Route is copied onto every approval question.
	Route       string
	Instruction string
	Folder      string
	Backend     Backend
	Model       string
	Continue    bool
	Bypass      bool
	Env         map[string]string
}

// Options configures a Manager. Zero durations use the ptybridge defaults.
type Options struct {
	CLIs          map[Backend]CLI
	Decider       ptybridge.Decider
	Profiles      map[string]*ptybridge.Profile
	Timeout       time.Duration
	PromptTimeout time.Duration
	IdleThreshold time.Duration
	FlushInterval time.Duration
	DedupTTL      time.Duration
	Logger        *slog.Logger
}

// AgentStartCallback is called when a queued agent starts
type AgentStartCallback func(agentID string, folder string, prompt string, key string)

type waiter struct {
	agentID string
	ready   chan struct{}
}

// Manager manages multiple code agents
type Manager struct {
	opts Options
	log  *slog.Logger

	agents       map[string]*Agent
	active       map[string]*Agent // by request key
	mu           sync.RWMutex
	nextID       int
	availableIDs []int // Pool of reusable IDs from cleaned up agents

	folderQueues     map[string][]*waiter // FIFO of agents waiting per folder
	runningPerFolder map[string]string    // folder -> running agent ID
	queueMu          sync.Mutex
	startCallback    AgentStartCallback
}

// NewManager creates a new agent manager
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Profiles == nil {
		opts.Profiles = ptybridge.DefaultProfiles()
	}
	return &Manager{
		opts:             opts,
		log:              logger.With("component", "codeagent"),
		agents:           make(map[string]*Agent),
		active:           make(map[string]*Agent),
		nextID:           1,
		folderQueues:     make(map[string][]*waiter),
		runningPerFolder: make(map[string]string),
	}
}

// SetAgentStartCallback sets the callback for when queued agents start
func (m *Manager) SetAgentStartCallback(callback AgentStartCallback) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.startCallback = callback
}

// Execute runs req to completion. onUpdate, if set, receives every outward
// update in order; it is called from a single goroutine.
//
// The returned error is only set when the run could not be admitted
// (ErrBusy, ErrUnavailable, ErrBypassUnsupported or an unusable folder).
// Everything after admission is reported through the Result.
func (m *Manager) Execute(ctx context.Context, req Request, onUpdate func(ptybridge.Update)) (*Agent, ptybridge.Result, error) {
	if req.Backend == "" {
		req.Backend = BackendClaude
	}
	cli, ok := m.opts.CLIs[req.Backend]
	if !ok {
		return nil, ptybridge.Result{}, fmt.Errorf("%w: %s", ErrUnavailable, req.Backend)
	}
	if req.Bypass && req.Backend != BackendClaude {
		return nil, ptybridge.Result{}, fmt.Errorf("%w: %s", ErrBypassUnsupported, req.Backend)
	}
	if req.Folder == "" {
		return nil, ptybridge.Result{}, fmt.Errorf("no working folder")
	}
	folder, err := filepath.Abs(req.Folder)
	if err != nil {
		return nil, ptybridge.Result{}, fmt.Errorf("resolve folder: %w", err)
	}
	req.Folder = folder
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, ptybridge.Result{}, fmt.Errorf("create folder: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if req.Key != "" {
		if _, busy := m.active[req.Key]; busy {
			m.mu.Unlock()
			return nil, ptybridge.Result{}, ErrBusy
		}
	}
	agent := NewAgent(m.allocateID(), req)
	agent.cancel = cancel
	m.agents[agent.ID] = agent
	if req.Key != "" {
		m.active[req.Key] = agent
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.active[req.Key] == agent {
			delete(m.active, req.Key)
		}
		m.mu.Unlock()
	}()

	queued, err := m.acquireFolder(runCtx, agent)
	if err != nil {
		res := ptybridge.Result{Kind: ptybridge.Cancelled, Error: "cancelled while queued"}
		agent.finish(res)
		metrics.ObserveSession(string(req.Backend), resultLabel(res), 0)
		return agent, res, nil
	}
	defer m.releaseFolder(folder)

	if queued {
		m.queueMu.Lock()
		cb := m.startCallback
		m.queueMu.Unlock()
		if cb != nil {
			cb(agent.ID, folder, req.Instruction, req.Key)
		}
	}

	return agent, m.run(runCtx, agent, cli, req, onUpdate), nil
}

func (m *Manager) run(ctx context.Context, agent *Agent, cli CLI, req Request, onUpdate func(ptybridge.Update)) ptybridge.Result {
	log := m.log.With("agent", agent.ID, "backend", string(req.Backend))
	agent.start()
	log.Info("run started", "folder", req.Folder, "bypass", req.Bypass)

	active := metrics.SessionsActive.WithLabelValues(string(req.Backend))
	active.Inc()
	defer active.Dec()

	updates := make(chan ptybridge.Update)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for u := range updates {
			agent.publish(u)
			metrics.OutwardUpdatesTotal.WithLabelValues(string(req.Backend)).Inc()
			if onUpdate != nil {
				onUpdate(u)
			}
		}
	}()

	var res ptybridge.Result
	if req.Bypass {
		argv, err := cli.StreamCommand(req)
		if err != nil {
			close(updates)
			res = ptybridge.Result{Kind: ptybridge.SpawnFailure, Error: err.Error()}
		} else {
			res = runStream(ctx, streamConfig{
				Argv:          argv,
				Dir:           req.Folder,
				Env:           req.Env,
				Timeout:       m.opts.Timeout,
				FlushInterval: m.opts.FlushInterval,
				DedupTTL:      m.opts.DedupTTL,
				Updates:       updates,
				Logger:        log,
			})
		}
	} else {
		res = ptybridge.Run(ctx, ptybridge.Config{
			Argv:          cli.Command(req),
			Dir:           req.Folder,
			Env:           req.Env,
			Timeout:       m.opts.Timeout,
			PromptTimeout: m.opts.PromptTimeout,
			IdleThreshold: m.opts.IdleThreshold,
			FlushInterval: m.opts.FlushInterval,
			DedupTTL:      m.opts.DedupTTL,
			Profile:       cli.Profile(m.opts.Profiles),
			Decider:       statusDecider{agent: agent, next: m.opts.Decider},
			Updates:       updates,
			Route:         req.Route,
			Owner:         req.Key,
			Logger:        log,
		})
	}
	<-forwarded

	agent.finish(res)
	for _, p := range res.Prompts {
		metrics.PromptsTotal.WithLabelValues(string(p.Shape), string(p.Outcome)).Inc()
	}
	metrics.ObserveSession(string(req.Backend), resultLabel(res), res.Duration)
	log.Info("run finished", "success", res.Success, "kind", string(res.Kind), "duration", res.Duration)
	return res
}

func resultLabel(res ptybridge.Result) string {
	if res.Success {
		return "success"
	}
	return string(res.Kind)
}

func (m *Manager) allocateID() string {
	if n := len(m.availableIDs); n > 0 {
		sort.Ints(m.availableIDs)
		id := m.availableIDs[0]
		m.availableIDs = m.availableIDs[1:]
		return strconv.Itoa(id)
	}
	id := m.nextID
	m.nextID++
	return strconv.Itoa(id)
}

// acquireFolder blocks until agent owns its folder. queued reports whether
// it had to wait.
func (m *Manager) acquireFolder(ctx context.Context, agent *Agent) (queued bool, err error) {
	folder := agent.Folder

	m.queueMu.Lock()
	if _, busy := m.runningPerFolder[folder]; !busy {
		m.runningPerFolder[folder] = agent.ID
		m.queueMu.Unlock()
		return false, nil
	}
	w := &waiter{agentID: agent.ID, ready: make(chan struct{})}
	m.folderQueues[folder] = append(m.folderQueues[folder], w)
	pos := len(m.folderQueues[folder])
	m.queueMu.Unlock()

	agent.setStatus(StatusQueued)
	metrics.SessionsQueued.Inc()
	defer metrics.SessionsQueued.Dec()
	m.log.Info("run queued", "agent", agent.ID, "folder", folder, "position", pos)

	select {
	case <-w.ready:
		return true, nil
	case <-ctx.Done():
	}

	m.queueMu.Lock()
	removed := false
	queue := m.folderQueues[folder]
	for i, q := range queue {
		if q == w {
			m.folderQueues[folder] = append(queue[:i:i], queue[i+1:]...)
			if len(m.folderQueues[folder]) == 0 {
				delete(m.folderQueues, folder)
			}
			removed = true
			break
		}
	}
	m.queueMu.Unlock()
	if !removed {
		// Handed the folder just as we gave up; pass it on.
		m.releaseFolder(folder)
	}
	return false, ctx.Err()
}

func (m *Manager) releaseFolder(folder string) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	queue := m.folderQueues[folder]
	if len(queue) == 0 {
		delete(m.runningPerFolder, folder)
		delete(m.folderQueues, folder)
		return
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(m.folderQueues, folder)
	} else {
		m.folderQueues[folder] = queue[1:]
	}
	m.runningPerFolder[folder] = next.agentID
	close(next.ready)
}

// Cancel stops the active run for key. It reports whether there was one.
func (m *Manager) Cancel(key string) bool {
	agent := m.Active(key)
	if agent == nil {
		return false
	}
	return agent.Kill() == nil
}

// Active returns the active run for key, or nil.
func (m *Manager) Active(key string) *Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[key]
}

// GetAgent returns an agent by ID
func (m *Manager) GetAgent(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, exists := m.agents[id]
	if !exists {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	return agent, nil
}

// ListAgents returns information about all agents, newest first
func (m *Manager) ListAgents() []AgentInfo {
	m.mu.RLock()
	infos := make([]AgentInfo, 0, len(m.agents))
	for _, agent := range m.agents {
		infos = append(infos, agent.ToInfo())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartTime.Equal(infos[j].StartTime) {
			return infos[i].ID > infos[j].ID
		}
		return infos[i].StartTime.After(infos[j].StartTime)
	})
	return infos
}

// KillAgent terminates a running or queued agent
func (m *Manager) KillAgent(id string) error {
	agent, err := m.GetAgent(id)
	if err != nil {
		return err
	}
	return agent.Kill()
}

// RemoveAgent forgets a finished agent.
func (m *Manager) RemoveAgent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	if !agent.GetStatus().Terminal() {
		return fmt.Errorf("agent %s is still running", id)
	}
	delete(m.agents, id)
	if n, err := strconv.Atoi(id); err == nil {
		m.availableIDs = append(m.availableIDs, n)
	}
	return nil
}

// CleanupFinishedAgents removes agents that ended more than maxAge ago.
// A zero maxAge removes every finished agent.
func (m *Manager) CleanupFinishedAgents(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, agent := range m.agents {
		info := agent.ToInfo()
		if !info.Status.Terminal() || time.Since(info.EndTime) < maxAge {
			continue
		}
		delete(m.agents, id)
		count++
		if n, err := strconv.Atoi(id); err == nil {
			m.availableIDs = append(m.availableIDs, n)
		}
	}
	return count
}

// GetRunningCount returns the number of agents holding a folder
func (m *Manager) GetRunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, agent := range m.agents {
		switch agent.GetStatus() {
		case StatusRunning, StatusAwaitingDecision:
			count++
		}
	}
	return count
}

// GetQueueStatus returns the number of waiting runs per folder
func (m *Manager) GetQueueStatus() map[string]int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	status := make(map[string]int, len(m.folderQueues))
	for folder, queue := range m.folderQueues {
		status[folder] = len(queue)
	}
	return status
}

// IsAgentRunningInFolder checks if an agent is currently running in the specified folder
func (m *Manager) IsAgentRunningInFolder(folder string) (bool, string) {
	if abs, err := filepath.Abs(folder); err == nil {
		folder = abs
	}
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	agentID, exists := m.runningPerFolder[folder]
	return exists, agentID
}
