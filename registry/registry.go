// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

// Package registry persists per-user sessions, the history of answered
// prompts, and the output of past runs in SQLite.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a user has no stored session.
var ErrNotFound = errors.New("session not found")

// Session is one user's working context.
type Session struct {
	UserID       int64
	SessionID    string
	WorkDir      string
	Model        string
	Backend      string
	Bypass       bool
	Continue     bool
	MessageCount int
	CreatedAt    time.Time
	LastUsed     time.Time
}

// ContinueConversation reports whether the next run should resume the
// CLI's previous conversation.
func (s *Session) ContinueConversation() bool {
	return s.Continue && s.MessageCount > 0
}

// Defaults seed new sessions.
type Defaults struct {
	Model   string
	Backend string
}

// Store manages sessions in a SQLite database
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	workBase string
	defaults Defaults
}

// Open opens or creates the database at dbPath. New sessions get a
// working directory under workBase.
func Open(dbPath, workBase string, defaults Defaults) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if defaults.Model == "" {
		defaults.Model = "sonnet"
	}
	if defaults.Backend == "" {
		defaults.Backend = "claude"
	}
	store := &Store{db: db, workBase: workBase, defaults: defaults}

	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		user_id INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL,
		work_dir TEXT NOT NULL,
		model TEXT NOT NULL,
		backend TEXT NOT NULL,
		bypass INTEGER NOT NULL DEFAULT 0,
		continue_conversation INTEGER NOT NULL DEFAULT 1,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_used TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prompts (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		response TEXT NOT NULL,
		description TEXT NOT NULL,
		asked_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prompts_user ON prompts(user_id, asked_at);

	CREATE TABLE IF NOT EXISTS transcripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		instruction TEXT NOT NULL,
		success INTEGER NOT NULL,
		error_kind TEXT NOT NULL,
		size INTEGER NOT NULL,
		output BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcripts_user ON transcripts(user_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const sessionColumns = `user_id, session_id, work_dir, model, backend, bypass, continue_conversation, message_count, created_at, last_used`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	sess := &Session{}
	err := row.Scan(
		&sess.UserID,
		&sess.SessionID,
		&sess.WorkDir,
		&sess.Model,
		&sess.Backend,
		&sess.Bypass,
		&sess.Continue,
		&sess.MessageCount,
		&sess.CreatedAt,
		&sess.LastUsed,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the stored session for userID.
func (s *Store) Get(userID int64) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?`, userID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// Create starts a fresh session for userID, replacing any existing one.
// Model, backend and bypass carry over from the previous session.
func (s *Store) Create(userID int64) (*Session, error) {
	prev, err := s.Get(userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		UserID:    userID,
		SessionID: uuid.New().String(),
		Model:     s.defaults.Model,
		Backend:   s.defaults.Backend,
		Continue:  true,
		CreatedAt: now,
		LastUsed:  now,
	}
	if prev != nil {
		sess.Model = prev.Model
		sess.Backend = prev.Backend
		sess.Bypass = prev.Bypass
		sess.Continue = prev.Continue
	}
	sess.WorkDir = filepath.Join(s.workBase, "user_"+strconv.FormatInt(userID, 10), sess.SessionID)
	if err := os.MkdirAll(sess.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR REPLACE INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query,
		sess.UserID,
		sess.SessionID,
		sess.WorkDir,
		sess.Model,
		sess.Backend,
		sess.Bypass,
		sess.Continue,
		sess.MessageCount,
		sess.CreatedAt,
		sess.LastUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetOrCreate returns the user's session, creating one if needed.
func (s *Store) GetOrCreate(userID int64) (*Session, error) {
	sess, err := s.Get(userID)
	if errors.Is(err, ErrNotFound) {
		return s.Create(userID)
	}
	return sess, err
}

// Save writes every mutable field of sess.
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	UPDATE sessions
	SET session_id = ?, work_dir = ?, model = ?, backend = ?, bypass = ?,
	    continue_conversation = ?, message_count = ?, last_used = ?
	WHERE user_id = ?
	`
	result, err := s.db.Exec(query,
		sess.SessionID,
		sess.WorkDir,
		sess.Model,
		sess.Backend,
		sess.Bypass,
		sess.Continue,
		sess.MessageCount,
		sess.LastUsed,
		sess.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Update loads the user's session, applies fn and saves it.
func (s *Store) Update(userID int64, fn func(*Session) error) (*Session, error) {
	sess, err := s.GetOrCreate(userID)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.LastUsed = time.Now()
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SetWorkDir points the session at an existing directory.
func (s *Store) SetWorkDir(userID int64, dir string) (*Session, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("directory %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	return s.Update(userID, func(sess *Session) error {
		sess.WorkDir = abs
		return nil
	})
}

// Touch counts one more message and marks the session used.
func (s *Store) Touch(userID int64) (*Session, error) {
	return s.Update(userID, func(sess *Session) error {
		sess.MessageCount++
		return nil
	})
}

// Delete removes the user's session and its history.
func (s *Store) Delete(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM prompts WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete prompts: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM transcripts WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete transcripts: %w", err)
	}
	return tx.Commit()
}

// Cleanup deletes sessions unused for longer than maxAge and returns how
// many were removed.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	s.mu.RLock()
	rows, err := s.db.Query(`SELECT user_id FROM sessions WHERE last_used < ?`, cutoff)
	if err != nil {
		s.mu.RUnlock()
		return 0, fmt.Errorf("failed to list old sessions: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return 0, fmt.Errorf("failed to scan session: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	s.mu.RUnlock()

	count := 0
	for _, id := range ids {
		if err := s.Delete(id); err != nil && !errors.Is(err, ErrNotFound) {
			return count, err
		}
		count++
	}
	return count, nil
}
