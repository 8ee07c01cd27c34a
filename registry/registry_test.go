// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db", "test.db"), filepath.Join(dir, "work"), Defaults{Model: "opus"})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreate(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Get(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	sess, err := s.GetOrCreate(7)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if sess.Model != "opus" || sess.Backend != "claude" {
		t.Errorf("Expected defaults opus/claude, got %s/%s", sess.Model, sess.Backend)
	}
	if !strings.Contains(sess.WorkDir, "user_7") {
		t.Errorf("Expected per-user work dir, got %s", sess.WorkDir)
	}
	if _, err := os.Stat(sess.WorkDir); err != nil {
		t.Errorf("Expected work dir to exist: %v", err)
	}

	again, err := s.GetOrCreate(7)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if again.SessionID != sess.SessionID {
		t.Errorf("Expected same session, got %s and %s", sess.SessionID, again.SessionID)
	}
}

func TestUpdateAndTouch(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Update(1, func(sess *Session) error {
		sess.Model = "haiku"
		sess.Backend = "opencode"
		sess.Bypass = true
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	sess, err := s.Touch(1)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if sess.MessageCount != 1 || !sess.ContinueConversation() {
		t.Errorf("Expected one message and continue, got %d %v", sess.MessageCount, sess.ContinueConversation())
	}

	got, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Model != "haiku" || got.Backend != "opencode" || !got.Bypass {
		t.Errorf("Expected stored settings, got %+v", got)
	}

	fresh, err := s.Create(1)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if fresh.SessionID == got.SessionID {
		t.Error("Expected a new session ID")
	}
	if fresh.MessageCount != 0 || fresh.ContinueConversation() {
		t.Errorf("Expected a fresh conversation, got %+v", fresh)
	}
	if fresh.Model != "haiku" || !fresh.Bypass {
		t.Errorf("Expected settings to carry over, got %+v", fresh)
	}
}

func TestUpdateError(t *testing.T) {
	s := openTestStore(t)
	boom := errors.New("boom")
	if _, err := s.Update(1, func(*Session) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Expected callback error, got %v", err)
	}
}

func TestSetWorkDir(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()

	sess, err := s.SetWorkDir(3, dir)
	if err != nil {
		t.Fatalf("SetWorkDir failed: %v", err)
	}
	if sess.WorkDir != dir {
		t.Errorf("Expected %s, got %s", dir, sess.WorkDir)
	}

	if _, err := s.SetWorkDir(3, filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for missing directory")
	}
	file := filepath.Join(dir, "f")
	os.WriteFile(file, nil, 0644)
	if _, err := s.SetWorkDir(3, file); err == nil {
		t.Error("Expected error for a file")
	}
}

func TestCleanup(t *testing.T) {
	s := openTestStore(t)

	old, _ := s.GetOrCreate(1)
	old.LastUsed = time.Now().Add(-48 * time.Hour)
	if err := s.Save(old); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.GetOrCreate(2)
	s.RecordPrompt(PromptEntry{ID: "p1", UserID: 1, Kind: "yes_no", Outcome: "approved", AskedAt: time.Now()})

	n, err := s.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 session removed, got %d", n)
	}
	if _, err := s.Get(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected user 1 gone, got %v", err)
	}
	if _, err := s.Get(2); err != nil {
		t.Errorf("Expected user 2 kept, got %v", err)
	}
	if entries, _ := s.RecentPrompts(1, 10); len(entries) != 0 {
		t.Errorf("Expected prompt history removed, got %d", len(entries))
	}
}

func TestRecentPrompts(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		err := s.RecordPrompt(PromptEntry{
			ID:          fmt.Sprintf("p%d", i),
			UserID:      9,
			SessionID:   "s",
			Kind:        "yes_no",
			Outcome:     "denied",
			Response:    "n",
			Description: "Proceed? (y/n)",
			AskedAt:     base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordPrompt failed: %v", err)
		}
	}
	s.RecordPrompt(PromptEntry{ID: "other", UserID: 10, AskedAt: time.Now()})

	entries, err := s.RecentPrompts(9, 3)
	if err != nil {
		t.Fatalf("RecentPrompts failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].ID != "p4" || entries[2].ID != "p2" {
		t.Errorf("Expected newest first, got %s..%s", entries[0].ID, entries[2].ID)
	}
}

func TestTranscripts(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LastTranscript(5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	output := strings.Repeat("● Reading file config.py\n", 200)
	for i := 0; i < keptTranscripts+3; i++ {
		err := s.SaveTranscript(Transcript{
			UserID:      5,
			SessionID:   "s",
			Instruction: fmt.Sprintf("run %d", i),
			Success:     true,
			Output:      output,
		})
		if err != nil {
			t.Fatalf("SaveTranscript failed: %v", err)
		}
	}

	last, err := s.LastTranscript(5)
	if err != nil {
		t.Fatalf("LastTranscript failed: %v", err)
	}
	if last.Output != output {
		t.Errorf("Expected output to round-trip, got %d bytes", len(last.Output))
	}
	if last.Instruction != fmt.Sprintf("run %d", keptTranscripts+2) {
		t.Errorf("Expected the latest run, got %q", last.Instruction)
	}

	var count int
	s.db.QueryRow(`SELECT COUNT(*) FROM transcripts WHERE user_id = 5`).Scan(&count)
	if count != keptTranscripts {
		t.Errorf("Expected %d transcripts kept, got %d", keptTranscripts, count)
	}

	if err := s.SaveTranscript(Transcript{UserID: 6, ErrorKind: "SpawnFailure"}); err != nil {
		t.Fatalf("SaveTranscript failed: %v", err)
	}
	empty, err := s.LastTranscript(6)
	if err != nil {
		t.Fatalf("LastTranscript failed: %v", err)
	}
	if empty.Output != "" || empty.Success {
		t.Errorf("Expected empty failed transcript, got %+v", empty)
	}
}
