// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package codeagent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"agentgram/ptybridge"
)

const (
	maxStreamLine   = 16 << 20
	streamWaitDelay = 3 * time.Second
)

type streamConfig struct {
	Argv          []string
	Dir           string
	Env           map[string]string
	Timeout       time.Duration
	FlushInterval time.Duration
	DedupTTL      time.Duration
	Updates       chan<- ptybridge.Update
	Logger        *slog.Logger
}

// runStream runs a print-mode CLI over plain pipes. Nothing is asked of
// the approver; the result has the same shape as a terminal session's.
func runStream(ctx context.Context, cfg streamConfig) ptybridge.Result {
	start := time.Now()
	log := cfg.Logger.With("component", "stream")
	stream := ptybridge.NewStream(cfg.Updates, cfg.FlushInterval, cfg.DedupTTL)
	parser := NewClaudeParser()

	result := func(kind ptybridge.ErrorKind, msg string, code *int) ptybridge.Result {
		out := parser.Text()
		stream.Close(out)
		return ptybridge.Result{
			Success:  kind == "",
			Output:   out,
			ExitCode: code,
			Kind:     kind,
			Error:    msg,
			Duration: time.Since(start),
		}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = ptybridge.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, cfg.Argv[0], cfg.Argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = streamWaitDelay

	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return result(ptybridge.SpawnFailure, err.Error(), nil)
	}
	if err := cmd.Start(); err != nil {
		log.Error("spawn failed", "argv0", cfg.Argv[0], "error", err)
		return result(ptybridge.SpawnFailure, err.Error(), nil)
	}
	log.Info("process started", "pid", cmd.Process.Pid, "dir", cfg.Dir)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	for scanner.Scan() {
		parser.ParseLine(scanner.Text())
		stream.Offer(parser.Text())
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if s := strings.TrimSpace(stderr.String()); s != "" {
		log.Warn("cli stderr", "stderr", truncate(s, 2000))
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return result(ptybridge.ExecutionTimeout, fmt.Sprintf("timed out after %s", cfg.Timeout), nil)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return result(ptybridge.ExecutionTimeout, "deadline exceeded", nil)
	case ctx.Err() != nil:
		return result(ptybridge.Cancelled, "cancelled", nil)
	case scanErr != nil:
		return result(ptybridge.IOFailure, fmt.Sprintf("failed to read output: %v", scanErr), nil)
	}

	code := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
	} else if waitErr != nil {
		return result(ptybridge.IOFailure, waitErr.Error(), nil)
	}
	if code != 0 {
		return result(ptybridge.ProcessFailure, fmt.Sprintf("command exited with code %d", code), &code)
	}
	if parser.Failed() {
		return result(ptybridge.ProcessFailure, "cli reported an error result", &code)
	}
	return result("", "", &code)
}
