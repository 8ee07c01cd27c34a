// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package telegram

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
)

// maxStatusBody is how much of the live output a status message shows.
const maxStatusBody = 3500

// statusMessage is one chat message edited in place as a run progresses.
type statusMessage struct {
	api    Sender
	log    *slog.Logger
	chatID int64

	mu     sync.Mutex
	msgID  int
	header string
	body   string
	last   string
}

func newStatusMessage(api Sender, log *slog.Logger, chatID int64) *statusMessage {
	return &statusMessage{api: api, log: log, chatID: chatID}
}

func (s *statusMessage) render() string {
	if s.body == "" {
		return s.header
	}
	return s.header + "\n\n" + tail(s.body, maxStatusBody)
}

// setHeader replaces the first line of the message.
func (s *statusMessage) setHeader(ctx context.Context, header string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header = header
	s.publish(ctx)
}

// update replaces the body with the cumulative outward text.
func (s *statusMessage) update(ctx context.Context, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = strings.TrimSpace(body)
	s.publish(ctx)
}

func (s *statusMessage) publish(ctx context.Context) {
	text := s.render()
	if text == s.last {
		return
	}

	if s.msgID == 0 {
		msg, err := s.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: s.chatID, Text: text})
		if err != nil {
			s.log.Error("failed to send status message", "chat", s.chatID, "error", err)
			return
		}
		s.msgID = msg.ID
		s.last = text
		return
	}

	_, err := s.api.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    s.chatID,
		MessageID: s.msgID,
		Text:      text,
	})
	if err != nil && !isNotModified(err) {
		s.log.Debug("status edit failed", "chat", s.chatID, "error", err)
		return
	}
	s.last = text
}

func isNotModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
