// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"agentgram/approval"
)

const (
	DefaultTimeout       = 30 * time.Minute
	DefaultPromptTimeout = 5 * time.Minute
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultKillGrace     = 3 * time.Second
	DefaultRows          = 40
	DefaultCols          = 120

	readBufferSize = 4096
	maxRawBuffer   = 1 << 20
	exitDrainWait  = 500 * time.Millisecond
)

// Decider obtains a human decision for a prompt. *approval.Gateway is the
// production implementation.
type Decider interface {
	RequestDecision(ctx context.Context, q approval.Question) (approval.Decision, error)
}

// State is the lifecycle position of a session.
type State string

const (
	StateSpawning         State = "spawning"
	StateRunning          State = "running"
	StateAwaitingDecision State = "awaiting_decision"
	StateCompleted        State = "completed"
	StateTimedOut         State = "timed_out"
	StateCancelled        State = "cancelled"
	StateFailed           State = "failed"
)

// Config describes one CLI invocation.
type Config struct {
	Argv []string
	Dir  string
	// Env is merged over the inherited environment.
	Env map[string]string

	Timeout       time.Duration
	PromptTimeout time.Duration
	PollInterval  time.Duration
	IdleThreshold time.Duration
	FlushInterval time.Duration
	DedupTTL      time.Duration
	KillGrace     time.Duration
	Rows, Cols    uint16

	Profile *Profile
	Decider Decider
	// Updates receives the outward stream and is closed when Run returns.
	// The last update delivered before the close carries the complete text.
	Updates chan<- Update
	// Route and Owner are copied into every approval question.
	Route string
	Owner string

	Clock  Clock
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = DefaultPromptTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = DefaultDedupTTL
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.Rows == 0 {
		c.Rows = DefaultRows
	}
	if c.Cols == 0 {
		c.Cols = DefaultCols
	}
	if c.Profile == nil {
		c.Profile = ClaudeProfile()
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Frame is the per-iteration view of the visible buffer.
type Frame struct {
	Text        string
	IsAnimation bool
	IsPrompt    bool
	Idle        time.Duration
}

type pendingPrompt struct {
	class  Classification
	text   string
	cancel context.CancelFunc
}

type decisionResult struct {
	decision approval.Decision
	err      error
}

type session struct {
	cfg      Config
	log      *slog.Logger
	clock    Clock
	detector *Detector
	filter   *RelevanceFilter
	flusher  *flusher
	out      *outbox

	cmd     *exec.Cmd
	ptmx    *os.File
	exited  chan struct{}
	waitErr error
	done    chan struct{}

	raw        []byte
	visible    string
	history    []string
	lastOutput time.Time
	state      State
	pending    *pendingPrompt
	prompts    []PromptRecord
}

// Run spawns cfg.Argv under a pseudo-terminal and services it until the
// child exits, the timeout passes, ctx is cancelled, or the terminal fails.
// The child and the terminal are released before Run returns.
func Run(ctx context.Context, cfg Config) Result {
	cfg.setDefaults()
	s := &session{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "ptybridge"),
		clock:    cfg.Clock,
		detector: NewDetector(cfg.Profile, cfg.IdleThreshold),
		filter:   NewRelevanceFilter(cfg.Profile),
		flusher:  newFlusher(cfg.Clock, cfg.FlushInterval, cfg.DedupTTL),
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateSpawning,
	}
	if cfg.Updates != nil {
		s.out = newOutbox(cfg.Updates)
	}

	start := s.clock.Now()
	res := s.run(ctx)
	res.Duration = s.clock.Now().Sub(start)
	return res
}

func (s *session) run(ctx context.Context) Result {
	if err := s.spawn(); err != nil {
		s.setState(StateFailed)
		s.closeOutbox()
		s.log.Error("spawn failed", "argv", s.cfg.Argv, "error", err)
		return Result{Kind: SpawnFailure, Error: err.Error()}
	}

	kind, msg := s.loop(ctx)
	s.terminate()
	s.flush(s.frame(), true)
	s.closeOutbox()
	return s.result(kind, msg)
}

func (s *session) spawn() error {
	if len(s.cfg.Argv) == 0 {
		return errors.New("empty command")
	}
	path, err := exec.LookPath(s.cfg.Argv[0])
	if err != nil {
		return fmt.Errorf("command %q not found: %w", s.cfg.Argv[0], err)
	}

	env := map[string]string{"TERM": "xterm-256color"}
	for k, v := range s.cfg.Env {
		env[k] = v
	}

	cmd := exec.Command(path, s.cfg.Argv[1:]...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: s.cfg.Rows, Cols: s.cfg.Cols})
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", path, err)
	}
	s.cmd = cmd
	s.ptmx = ptmx
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	s.lastOutput = s.clock.Now()
	s.log.Info("process started", "pid", cmd.Process.Pid, "dir", s.cfg.Dir)
	s.setState(StateRunning)
	return nil
}

func (s *session) read(chunks chan<- []byte, errs chan<- error) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case errs <- err:
			case <-s.done:
			}
			return
		}
	}
}

// loop is the per-session event loop. It returns an empty kind when the
// child exits on its own.
func (s *session) loop(ctx context.Context) (ErrorKind, string) {
	chunks := make(chan []byte, 16)
	readErrs := make(chan error, 1)
	decisions := make(chan decisionResult, 1)
	go s.read(chunks, readErrs)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.cfg.Timeout)
	defer deadline.Stop()
	streamClosed := false

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.setState(StateTimedOut)
				return ExecutionTimeout, "deadline exceeded"
			}
			s.setState(StateCancelled)
			return Cancelled, "cancelled"

		case <-deadline.C:
			s.setState(StateTimedOut)
			return ExecutionTimeout, fmt.Sprintf("timed out after %s", s.cfg.Timeout)

		case chunk := <-chunks:
			s.ingest(chunk)

		case err := <-readErrs:
			if isStreamClosed(err) {
				readErrs = nil
				streamClosed = true
				continue
			}
			s.setState(StateFailed)
			return IOFailure, fmt.Sprintf("failed to read from terminal: %v", err)

		case <-s.exited:
			s.drain(chunks, readErrs, streamClosed)
			s.setState(StateCompleted)
			return "", ""

		case res := <-decisions:
			if err := s.answer(res); err != nil {
				s.setState(StateFailed)
				return IOFailure, err.Error()
			}

		case <-ticker.C:
			if err := s.tick(ctx, decisions); err != nil {
				s.setState(StateFailed)
				return IOFailure, err.Error()
			}
		}
	}
}

// drain collects output still buffered in the terminal after the child
// exited.
func (s *session) drain(chunks <-chan []byte, errs <-chan error, closed bool) {
	if !closed {
		t := time.NewTimer(exitDrainWait)
		defer t.Stop()
	wait:
		for {
			select {
			case c := <-chunks:
				s.ingest(c)
			case <-errs:
				break wait
			case <-t.C:
				break wait
			}
		}
	}
	for {
		select {
		case c := <-chunks:
			s.ingest(c)
		default:
			return
		}
	}
}

func (s *session) ingest(chunk []byte) {
	s.raw = append(s.raw, chunk...)
	if len(s.raw) > maxRawBuffer {
		s.compact()
	}
	s.visible = Normalize(s.raw)
	s.lastOutput = s.clock.Now()
}

// compact moves every complete line of an oversized raw buffer into the
// history so normalization cost stays bounded.
func (s *session) compact() {
	i := bytes.LastIndexByte(s.raw[:len(s.raw)-1], '\n')
	if i < 0 {
		return
	}
	s.commit(Normalize(s.raw[:i+1]))
	s.raw = append([]byte(nil), s.raw[i+1:]...)
}

func (s *session) frame() Frame {
	idle := s.clock.Now().Sub(s.lastOutput)
	f := Frame{
		Text:        s.visible,
		Idle:        idle,
		IsAnimation: IsAnimationFrame(s.visible),
	}
	if s.state == StateRunning {
		f.IsPrompt = s.detector.IsPrompt(s.visible, idle)
	}
	return f
}

func (s *session) tick(ctx context.Context, decisions chan<- decisionResult) error {
	f := s.frame()
	s.flush(f, false)
	if !f.IsPrompt {
		return nil
	}
	return s.prompt(ctx, f, decisions)
}

func (s *session) flush(f Frame, force bool) {
	if s.out == nil || f.IsAnimation {
		return
	}
	if u, ok := s.flusher.offer(s.filter.Filter(f.Text), force); ok {
		s.out.push(u)
	}
}

func (s *session) prompt(ctx context.Context, f Frame, decisions chan<- decisionResult) error {
	c := s.detector.Classify(f.Text, f.Idle)
	switch c.Shape {
	case NotAPrompt:
		return nil
	case Trust:
		s.log.Info("answering trust prompt")
		return s.respond(c, f.Text, approval.Decision{Outcome: approval.OutcomeApproved}, "")
	case Unrecognized:
		s.log.Warn("unrecognized prompt, denying", "screen", tail(f.Text, 600))
		return s.respond(c, f.Text, approval.Decision{Outcome: approval.OutcomeDenied}, UnrecognizedPrompt)
	}

	kind := approval.KindYesNo
	if c.Shape == Menu {
		kind = approval.KindMenu
	}
	q := approval.Question{
		Kind:        kind,
		Description: f.Text,
		Options:     c.Options,
		Deadline:    s.clock.Now().Add(s.cfg.PromptTimeout),
		Route:       s.cfg.Route,
		Owner:       s.cfg.Owner,
	}
	pctx, cancel := context.WithDeadline(ctx, q.Deadline)
	s.pending = &pendingPrompt{class: c, text: f.Text, cancel: cancel}
	s.setState(StateAwaitingDecision)

	go func() {
		d, err := s.requestDecision(pctx, q)
		decisions <- decisionResult{decision: d, err: err}
	}()
	return nil
}

func (s *session) requestDecision(ctx context.Context, q approval.Question) (approval.Decision, error) {
	if s.cfg.Decider == nil {
		return approval.Decision{Outcome: approval.OutcomeDenied}, errors.New("no decider configured")
	}
	d, err := s.cfg.Decider.RequestDecision(ctx, q)
	if err != nil && d.Outcome == "" {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			d.Outcome = approval.OutcomeTimedOut
		case ctx.Err() != nil:
			d.Outcome = approval.OutcomeCancelled
		default:
			d.Outcome = approval.OutcomeDenied
		}
	}
	return d, err
}

func (s *session) answer(res decisionResult) error {
	p := s.pending
	if p == nil {
		return nil
	}
	s.pending = nil
	p.cancel()

	if res.err != nil {
		s.log.Warn("decision request failed", "outcome", res.decision.Outcome, "error", res.err)
	}
	var kind ErrorKind
	if res.decision.Outcome == approval.OutcomeTimedOut {
		kind = PromptTimeout
	}
	return s.respond(p.class, p.text, res.decision, kind)
}

// respond writes the answer to the child and forgets everything on screen
// so the answered prompt cannot be classified again.
func (s *session) respond(c Classification, text string, d approval.Decision, kind ErrorKind) error {
	input := terminalInput(c, d)
	s.prompts = append(s.prompts, PromptRecord{
		ID:       d.PromptID,
		Shape:    c.Shape,
		Outcome:  d.Outcome,
		Kind:     kind,
		Response: input,
		Text:     text,
		At:       s.clock.Now(),
	})
	s.log.Info("answering prompt", "prompt", d.PromptID, "shape", c.Shape, "outcome", d.Outcome, "input", strings.TrimSpace(input))

	if _, err := s.ptmx.Write([]byte(input)); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	s.commit(s.visible)
	s.raw = nil
	s.visible = ""
	s.lastOutput = s.clock.Now()
	s.flusher.reset()
	s.setState(StateRunning)
	return nil
}

func (s *session) commit(text string) {
	if text = strings.TrimSpace(text); text != "" {
		s.history = append(s.history, text)
	}
}

// terminate makes sure the child's process group is gone and releases the
// terminal. SIGTERM first, SIGKILL after KillGrace.
func (s *session) terminate() {
	if p := s.pending; p != nil {
		s.pending = nil
		p.cancel()
		s.prompts = append(s.prompts, PromptRecord{
			Shape:   p.class.Shape,
			Outcome: approval.OutcomeCancelled,
			Text:    p.text,
			At:      s.clock.Now(),
		})
	}

	select {
	case <-s.exited:
	default:
		if err := signalGroup(s.cmd, syscall.SIGTERM); err != nil {
			s.log.Warn("failed to signal process group", "error", err)
		}
		if !s.waitExit(s.cfg.KillGrace) {
			s.log.Warn("process ignored SIGTERM, killing", "pid", s.cmd.Process.Pid)
			_ = signalGroup(s.cmd, syscall.SIGKILL)
			_ = s.cmd.Process.Kill()
			if !s.waitExit(s.cfg.KillGrace) {
				s.log.Error("process did not exit after SIGKILL", "pid", s.cmd.Process.Pid)
			}
		}
	}

	close(s.done)
	if err := s.ptmx.Close(); err != nil {
		s.log.Debug("failed to close terminal", "error", err)
	}
}

func (s *session) waitExit(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.exited:
		return true
	case <-t.C:
		return false
	}
}

func (s *session) closeOutbox() {
	if s.out != nil {
		s.out.close()
	}
}

func (s *session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("state change", "from", s.state, "to", st)
	s.state = st
}

func (s *session) result(kind ErrorKind, msg string) Result {
	segments := append(append([]string(nil), s.history...), strings.TrimSpace(s.visible))
	res := Result{
		Output:  strings.TrimSpace(strings.Join(segments, "\n")),
		Kind:    kind,
		Error:   msg,
		Prompts: s.prompts,
	}

	select {
	case <-s.exited:
		var exitErr *exec.ExitError
		code := 0
		if errors.As(s.waitErr, &exitErr) {
			code = exitErr.ExitCode()
		} else if s.waitErr != nil {
			code = -1
		}
		if code >= 0 {
			res.ExitCode = &code
		}
		if kind == "" && code != 0 {
			res.Kind = ProcessFailure
			res.Error = fmt.Sprintf("command exited with code %d", code)
		}
	default:
	}
	res.Success = res.Kind == ""
	return res
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
