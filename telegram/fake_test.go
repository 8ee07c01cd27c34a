// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package telegram

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type fakeSender struct {
	mu      sync.Mutex
	nextID  int
	sent    []*bot.SendMessageParams
	edits   []*bot.EditMessageTextParams
	answers []*bot.AnswerCallbackQueryParams
	docs    []string
	editErr error
	sendErr error
}

func (f *fakeSender) SendMessage(ctx context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, p)
	return &models.Message{ID: f.nextID, Text: p.Text}, nil
}

func (f *fakeSender) EditMessageText(ctx context.Context, p *bot.EditMessageTextParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, p)
	if f.editErr != nil {
		return nil, f.editErr
	}
	return &models.Message{ID: p.MessageID, Text: p.Text}, nil
}

func (f *fakeSender) AnswerCallbackQuery(ctx context.Context, p *bot.AnswerCallbackQueryParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, p)
	return true, nil
}

func (f *fakeSender) SendDocument(ctx context.Context, p *bot.SendDocumentParams) (*models.Message, error) {
	upload, ok := p.Document.(*models.InputFileUpload)
	if !ok {
		return nil, errors.New("unexpected document type")
	}
	data, _ := io.ReadAll(upload.Data)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, string(data))
	f.nextID++
	return &models.Message{ID: f.nextID}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, p := range f.sent {
		out[i] = p.Text
	}
	return out
}

func (f *fakeSender) lastText() string {
	t := f.texts()
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

func (f *fakeSender) editTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.edits))
	for i, p := range f.edits {
		out[i] = p.Text
	}
	return out
}
