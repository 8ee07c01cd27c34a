// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const (
	maxMessageLength = 4000 // Telegram's limit is 4096, leave some buffer
	// Beyond this many parts the text goes out as a file instead.
	maxMessageParts = 5
)

// Sender is the part of the Bot API the chat layer uses.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error)
}

// SendMessage sends plain text, logging failures.
func SendMessage(ctx context.Context, api Sender, log *slog.Logger, chatID int64, text string) {
	_, err := api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		log.Error("failed to send message", "chat", chatID, "error", err)
	}
}

// SendLongMessage sends text that may exceed Telegram's limit, in parts
// or as a document when there would be too many parts.
func SendLongMessage(ctx context.Context, api Sender, log *slog.Logger, chatID int64, text, filename string) {
	parts := SplitMessage(text, maxMessageLength)
	if len(parts) > maxMessageParts {
		_, err := api.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID: chatID,
			Document: &models.InputFileUpload{
				Filename: filename,
				Data:     strings.NewReader(text),
			},
			Caption: fmt.Sprintf("📄 Output (%d characters)", len([]rune(text))),
		})
		if err != nil {
			log.Error("failed to send document", "chat", chatID, "error", err)
		}
		return
	}

	for i, part := range parts {
		if i > 0 {
			// Add a small delay between messages to avoid rate limiting
			time.Sleep(100 * time.Millisecond)
		}
		if len(parts) > 1 {
			part = fmt.Sprintf("📄 Part %d/%d\n\n%s", i+1, len(parts), part)
		}
		SendMessage(ctx, api, log, chatID, part)
	}
}

// SplitMessage splits text into parts of at most maxLength runes,
// preferring line and then word boundaries.
func SplitMessage(text string, maxLength int) []string {
	if len([]rune(text)) <= maxLength {
		return []string{text}
	}

	var parts []string
	var current []rune

	flush := func() {
		if s := strings.TrimSpace(string(current)); s != "" {
			parts = append(parts, s)
		}
		current = current[:0]
	}
	add := func(sep string, piece []rune) {
		if len(current) > 0 && len(current)+len(sep)+len(piece) > maxLength {
			flush()
		}
		if len(current) > 0 {
			current = append(current, []rune(sep)...)
		}
		current = append(current, piece...)
	}

	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		if len(runes) <= maxLength {
			add("\n", runes)
			continue
		}
		// If a single line is too long, split it at words
		for _, word := range strings.Fields(line) {
			w := []rune(word)
			for len(w) > maxLength {
				flush()
				parts = append(parts, string(w[:maxLength]))
				w = w[maxLength:]
			}
			add(" ", w)
		}
	}
	flush()
	return parts
}

// tail keeps the last n runes of s, marking the cut.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…[truncated]\n\n" + string(r[len(r)-n:])
}

// ResolvePath resolves a path relative to the user's home directory
// It handles:
// - Paths starting with ~ (replaced with home directory)
// - Relative paths (resolved from base, or the home directory when base is empty)
// - Absolute paths (returned cleaned)
func ResolvePath(path, base string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch {
	case path == "~":
		return homeDir, nil
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(homeDir, path[2:]), nil
	case filepath.IsAbs(path):
		return filepath.Clean(path), nil
	case base != "":
		return filepath.Join(base, path), nil
	}
	return filepath.Join(homeDir, path), nil
}
