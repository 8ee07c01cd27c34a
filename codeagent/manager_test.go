// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package codeagent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentgram/ptybridge"
)

// fakeCLI writes a script that evaluates its last argument, so the
// instruction is the shell snippet to run.
func fakeCLI(t *testing.T) CLI {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	script := "#!/bin/sh\nfor last; do :; done\neval \"$last\"\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return CLI{Backend: BackendClaude, Path: path}
}

func newTestManager(t *testing.T) *Manager {
	return NewManager(Options{
		CLIs:          map[Backend]CLI{BackendClaude: fakeCLI(t)},
		Timeout:       20 * time.Second,
		FlushInterval: 50 * time.Millisecond,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestExecuteSuccess(t *testing.T) {
	m := newTestManager(t)
	folder := filepath.Join(t.TempDir(), "work")

	agent, res, err := m.Execute(context.Background(), Request{
		Key:         "1",
		Folder:      folder,
		Instruction: "echo hello-agent",
	}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected success, got %s: %s", res.Kind, res.Error)
	}
	if !strings.Contains(res.Output, "hello-agent") {
		t.Errorf("Expected output to contain hello-agent, got %q", res.Output)
	}
	if agent.GetStatus() != StatusFinished {
		t.Errorf("Expected status finished, got %s", agent.GetStatus())
	}
	if _, err := os.Stat(folder); err != nil {
		t.Errorf("Expected folder to be created: %v", err)
	}
	if m.Active("1") != nil {
		t.Error("Expected no active run after completion")
	}
}

func TestExecuteBusyAndCancel(t *testing.T) {
	m := newTestManager(t)
	folder := t.TempDir()

	type outcome struct {
		agent *Agent
		res   ptybridge.Result
	}
	first := make(chan outcome, 1)
	go func() {
		a, res, _ := m.Execute(context.Background(), Request{Key: "k", Folder: folder, Instruction: "sleep 30"}, nil)
		first <- outcome{a, res}
	}()
	waitFor(t, "active run", func() bool {
		a := m.Active("k")
		return a != nil && a.GetStatus() == StatusRunning
	})

	_, _, err := m.Execute(context.Background(), Request{Key: "k", Folder: folder, Instruction: "true"}, nil)
	if !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	if !m.Cancel("k") {
		t.Fatal("Expected Cancel to find the active run")
	}

	select {
	case o := <-first:
		if o.res.Kind != ptybridge.Cancelled {
			t.Errorf("Expected Cancelled, got %s", o.res.Kind)
		}
		if o.agent.GetStatus() != StatusKilled {
			t.Errorf("Expected status killed, got %s", o.agent.GetStatus())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled run did not return")
	}

	if m.Cancel("k") {
		t.Error("Expected nothing left to cancel")
	}
}

func TestFolderQueueOrder(t *testing.T) {
	m := newTestManager(t)
	folder := t.TempDir()
	logFile := filepath.Join(folder, "order.log")

	var (
		mu      sync.Mutex
		started []string
	)
	m.SetAgentStartCallback(func(agentID, folder, prompt, key string) {
		mu.Lock()
		started = append(started, key)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	launch := func(key, instruction string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := m.Execute(context.Background(), Request{Key: key, Folder: folder, Instruction: instruction}, nil); err != nil {
				t.Errorf("Execute %s failed: %v", key, err)
			}
		}()
	}

	launch("a", "sleep 0.5; echo a >> order.log")
	waitFor(t, "first run to hold the folder", func() bool {
		running, _ := m.IsAgentRunningInFolder(folder)
		return running
	})
	launch("b", "echo b >> order.log")
	waitFor(t, "second run to queue", func() bool { return m.GetQueueStatus()[folder] == 1 })
	launch("c", "echo c >> order.log")
	waitFor(t, "third run to queue", func() bool { return m.GetQueueStatus()[folder] == 2 })

	wg.Wait()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if got := string(data); got != "a\nb\nc\n" {
		t.Errorf("Expected runs in arrival order, got %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(started, ",") != "b,c" {
		t.Errorf("Expected start callbacks for b,c, got %v", started)
	}
	if running, _ := m.IsAgentRunningInFolder(folder); running {
		t.Error("Expected folder to be free")
	}
}

func TestCancelWhileQueued(t *testing.T) {
	m := newTestManager(t)
	folder := t.TempDir()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Execute(context.Background(), Request{Key: "holder", Folder: folder, Instruction: "sleep 30"}, nil)
	}()
	waitFor(t, "holder to run", func() bool {
		running, _ := m.IsAgentRunningInFolder(folder)
		return running
	})

	queued := make(chan ptybridge.Result, 1)
	go func() {
		_, res, _ := m.Execute(context.Background(), Request{Key: "waiter", Folder: folder, Instruction: "true"}, nil)
		queued <- res
	}()
	waitFor(t, "waiter to queue", func() bool {
		a := m.Active("waiter")
		return a != nil && a.GetStatus() == StatusQueued
	})

	m.Cancel("waiter")
	select {
	case res := <-queued:
		if res.Kind != ptybridge.Cancelled {
			t.Errorf("Expected Cancelled, got %s", res.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued run did not return")
	}
	if n := m.GetQueueStatus()[folder]; n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}

	m.Cancel("holder")
	<-done
}

func TestExecuteRejections(t *testing.T) {
	m := newTestManager(t)

	if _, _, err := m.Execute(context.Background(), Request{Backend: BackendOpenCode, Folder: t.TempDir(), Instruction: "x"}, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}

	m.opts.CLIs[BackendOpenCode] = CLI{Backend: BackendOpenCode}
	if _, _, err := m.Execute(context.Background(), Request{Backend: BackendOpenCode, Bypass: true, Folder: t.TempDir(), Instruction: "x"}, nil); !errors.Is(err, ErrBypassUnsupported) {
		t.Errorf("Expected ErrBypassUnsupported, got %v", err)
	}
}

func TestSubscribeAndCleanup(t *testing.T) {
	m := newTestManager(t)

	var (
		mu      sync.Mutex
		updates []ptybridge.Update
	)
	agent, res, err := m.Execute(context.Background(), Request{
		Key:         "s",
		Folder:      t.TempDir(),
		Instruction: "echo '● Working on it'",
	}, func(u ptybridge.Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})
	if err != nil || !res.Success {
		t.Fatalf("Execute failed: %v %s", err, res.Error)
	}

	mu.Lock()
	if len(updates) == 0 || !strings.Contains(updates[len(updates)-1].Text, "Working on it") {
		t.Errorf("Expected narration update, got %+v", updates)
	}
	mu.Unlock()

	// A finished agent hands out its last text and a closed channel.
	_, ch := agent.Subscribe()
	var got []ptybridge.Update
	for u := range ch {
		got = append(got, u)
	}
	if len(got) != 1 {
		t.Errorf("Expected one replayed update, got %d", len(got))
	}

	if len(m.ListAgents()) != 1 {
		t.Errorf("Expected one agent listed")
	}
	if n := m.CleanupFinishedAgents(0); n != 1 {
		t.Errorf("Expected 1 agent cleaned up, got %d", n)
	}
	if _, err := m.GetAgent(agent.ID); err == nil {
		t.Error("Expected agent to be gone")
	}
}

func TestBypassStream(t *testing.T) {
	cli := fakeCLI(t)
	m := NewManager(Options{CLIs: map[Backend]CLI{BackendClaude: cli}, Timeout: 10 * time.Second})

	instruction := `printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"streamed"}]}}' '{"type":"result","result":"streamed"}'`
	_, res, err := m.Execute(context.Background(), Request{Folder: t.TempDir(), Instruction: instruction, Bypass: true}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected success, got %s: %s", res.Kind, res.Error)
	}
	if res.Output != "streamed" {
		t.Errorf("Expected parsed output, got %q", res.Output)
	}
	if len(res.Prompts) != 0 {
		t.Errorf("Expected no prompts in bypass mode, got %d", len(res.Prompts))
	}
}

func TestRemoveAgentReusesID(t *testing.T) {
	m := newTestManager(t)
	first, _, err := m.Execute(context.Background(), Request{Key: "r", Folder: t.TempDir(), Instruction: "true"}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := m.RemoveAgent(first.ID); err != nil {
		t.Fatalf("RemoveAgent failed: %v", err)
	}
	if err := m.RemoveAgent(first.ID); err == nil {
		t.Error("Expected removing an unknown agent to fail")
	}
	second, _, _ := m.Execute(context.Background(), Request{Key: "r", Folder: t.TempDir(), Instruction: "true"}, nil)
	if second.ID != first.ID {
		t.Errorf("Expected ID %s to be reused, got %s", first.ID, second.ID)
	}
}
