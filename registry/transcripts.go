// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// keptTranscripts is how many transcripts are retained per user.
const keptTranscripts = 20

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("registry: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("registry: zstd decoder initialization failed: " + err.Error())
	}
}

// Transcript is the final output of one run.
type Transcript struct {
	ID          int64
	UserID      int64
	SessionID   string
	Instruction string
	Success     bool
	ErrorKind   string
	Output      string
	CreatedAt   time.Time
}

// SaveTranscript stores t compressed and trims old transcripts of the
// same user.
func (s *Store) SaveTranscript(t Transcript) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	compressed := zstdEncoder.EncodeAll([]byte(t.Output), make([]byte, 0, len(t.Output)/2+16))

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transcript save: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO transcripts (user_id, session_id, instruction, success, error_kind, size, output, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.Exec(query, t.UserID, t.SessionID, t.Instruction, t.Success, t.ErrorKind, len(t.Output), compressed, t.CreatedAt); err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}

	trim := `
	DELETE FROM transcripts
	WHERE user_id = ? AND id NOT IN (
		SELECT id FROM transcripts WHERE user_id = ? ORDER BY id DESC LIMIT ?
	)
	`
	if _, err := tx.Exec(trim, t.UserID, t.UserID, keptTranscripts); err != nil {
		return fmt.Errorf("failed to trim transcripts: %w", err)
	}
	return tx.Commit()
}

// LastTranscript returns the user's most recent transcript.
func (s *Store) LastTranscript(userID int64) (*Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, user_id, session_id, instruction, success, error_kind, size, output, created_at
	FROM transcripts
	WHERE user_id = ?
	ORDER BY id DESC
	LIMIT 1
	`
	t := &Transcript{}
	var (
		size       int
		compressed []byte
	)
	err := s.db.QueryRow(query, userID).Scan(&t.ID, &t.UserID, &t.SessionID, &t.Instruction, &t.Success, &t.ErrorKind, &size, &compressed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}

	if size == 0 {
		return t, nil
	}
	out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	t.Output = string(out)
	return t, nil
}
