// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package registry

import (
	"fmt"
	"time"
)

// PromptEntry is one answered (or unanswered) prompt.
type PromptEntry struct {
	ID          string
	UserID      int64
	SessionID   string
	Kind        string
	Outcome     string
	Response    string
	Description string
	AskedAt     time.Time
}

// RecordPrompt stores e. Recording the same ID twice keeps the latest.
func (s *Store) RecordPrompt(e PromptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT OR REPLACE INTO prompts (id, user_id, session_id, kind, outcome, response, description, asked_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, e.ID, e.UserID, e.SessionID, e.Kind, e.Outcome, e.Response, e.Description, e.AskedAt)
	if err != nil {
		return fmt.Errorf("failed to record prompt: %w", err)
	}
	return nil
}

// RecentPrompts returns up to limit entries for userID, newest first.
func (s *Store) RecentPrompts(userID int64, limit int) ([]PromptEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, user_id, session_id, kind, outcome, response, description, asked_at
	FROM prompts
	WHERE user_id = ?
	ORDER BY asked_at DESC
	LIMIT ?
	`
	rows, err := s.db.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var entries []PromptEntry
	for rows.Next() {
		var e PromptEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.Kind, &e.Outcome, &e.Response, &e.Description, &e.AskedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
