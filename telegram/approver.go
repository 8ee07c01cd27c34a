// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"agentgram/approval"
)

const (
	callbackPrefix     = "perm_"
	maxDescription     = 3000
	maxOptionLabel     = 50
	truncatedSuffix    = "\n... [Truncated]"
	expiredAnswerText  = "⏱️ This permission request has expired."
	notOwnerAnswerText = "❌ Only the user who started this run can answer."
)

type sentPrompt struct {
	chatID int64
	msgID  int
	text   string
	owner  string
}

// Approver shows prompts as chat messages with answer buttons and feeds
// button presses back into the gateway.
type Approver struct {
	log *slog.Logger

	mu      sync.Mutex
	api     Sender
	gateway *approval.Gateway
	sent    map[string]sentPrompt
}

func NewApprover(logger *slog.Logger) *Approver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Approver{
		log:  logger.With("component", "approver"),
		sent: make(map[string]sentPrompt),
	}
}

// Bind connects the approver to the chat API and the gateway it answers.
func (a *Approver) Bind(api Sender, gw *approval.Gateway) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.api = api
	a.gateway = gw
}

// Present sends the prompt to the chat named by its route.
func (a *Approver) Present(ctx context.Context, p approval.Prompt) error {
	chatID, err := strconv.ParseInt(p.Route, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat route %q: %w", p.Route, err)
	}
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()
	if api == nil {
		return errors.New("approver is not bound to a chat")
	}

	text := FormatPrompt(p)
	msg, err := api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: Keyboard(p),
	})
	if err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}

	a.mu.Lock()
	a.sent[p.ID] = sentPrompt{chatID: chatID, msgID: msg.ID, text: text, owner: p.Owner}
	a.mu.Unlock()
	return nil
}

// Expire rewrites the prompt message once nobody can answer it.
func (a *Approver) Expire(ctx context.Context, p approval.Prompt, outcome approval.Outcome) {
	sp, ok := a.forget(p.ID)
	if !ok {
		return
	}
	note := "⏱️ Timed out, denied by default."
	if outcome == approval.OutcomeCancelled {
		note = "🚫 Cancelled, the run ended."
	}
	a.edit(ctx, sp, note)
}

func (a *Approver) forget(id string) (sentPrompt, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sp, ok := a.sent[id]
	delete(a.sent, id)
	return sp, ok
}

func (a *Approver) edit(ctx context.Context, sp sentPrompt, note string) {
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()
	_, err := api.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    sp.chatID,
		MessageID: sp.msgID,
		Text:      sp.text + "\n\n" + note,
	})
	if err != nil && !isNotModified(err) {
		a.log.Warn("failed to edit prompt message", "chat", sp.chatID, "error", err)
	}
}

// HandleCallback answers a permission button press.
func (a *Approver) HandleCallback(ctx context.Context, _ *bot.Bot, update *models.Update) {
	q := update.CallbackQuery
	if q == nil {
		return
	}
	a.mu.Lock()
	api, gw := a.api, a.gateway
	a.mu.Unlock()

	answer := func(text string) {
		_, err := api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: q.ID,
			Text:            text,
		})
		if err != nil {
			a.log.Debug("failed to answer callback", "error", err)
		}
	}

	id, ans, err := ParseCallbackData(q.Data)
	if err != nil {
		answer("❌ Invalid permission data")
		return
	}

	a.mu.Lock()
	sp, known := a.sent[id]
	a.mu.Unlock()
	if known && sp.owner != "" && sp.owner != strconv.FormatInt(q.From.ID, 10) {
		a.log.Warn("prompt answered by another user", "prompt", id, "user", q.From.ID, "owner", sp.owner)
		answer(notOwnerAnswerText)
		return
	}

	d, err := gw.Resolve(id, ans)
	switch {
	case errors.Is(err, approval.ErrExpired):
		answer(expiredAnswerText)
		if msg := q.Message.Message; msg != nil {
			a.edit(ctx, sentPrompt{chatID: msg.Chat.ID, msgID: msg.ID, text: msg.Text}, expiredAnswerText)
		}
		return
	case err != nil:
		answer("❌ " + err.Error())
		return
	}

	result := "✅ Approved"
	switch d.Outcome {
	case approval.OutcomeDenied:
		result = "❌ Denied"
	case approval.OutcomeChoice:
		result = "✅ Selected option " + d.Choice
	}
	answer(result)
	a.log.Info("prompt answered", "prompt", id, "user", q.From.ID, "outcome", d.Outcome)

	if sp, ok := a.forget(id); ok {
		a.edit(ctx, sp, "Decision: "+result)
	}
}

// FormatPrompt renders the message text for a prompt.
func FormatPrompt(p approval.Prompt) string {
	desc := strings.TrimSpace(p.Description)
	if r := []rune(desc); len(r) > maxDescription {
		desc = string(r[:maxDescription]) + truncatedSuffix
	}
	if p.Kind == approval.KindMenu {
		return "🔐 The agent is asking:\n\n" + desc + "\n\nPlease select an option:"
	}
	return "🔐 Permission required\n\n" + desc + "\n\nApprove?"
}

// Keyboard builds the answer buttons for a prompt.
func Keyboard(p approval.Prompt) *models.InlineKeyboardMarkup {
	if p.Kind == approval.KindMenu {
		rows := make([][]models.InlineKeyboardButton, 0, len(p.Options))
		for _, o := range p.Options {
			label := o.Label
			if r := []rune(label); len(r) > maxOptionLabel {
				label = string(r[:maxOptionLabel])
			}
			rows = append(rows, []models.InlineKeyboardButton{{
				Text:         o.Number + ". " + label,
				CallbackData: CallbackData(p.ID, o.Number),
			}})
		}
		return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{{
		{Text: "✅ Yes", CallbackData: CallbackData(p.ID, "yes")},
		{Text: "❌ No", CallbackData: CallbackData(p.ID, "no")},
	}}}
}

// CallbackData encodes a button press.
func CallbackData(promptID, action string) string {
	return callbackPrefix + promptID + "_" + action
}

// ParseCallbackData decodes perm_<id>_<yes|no|N>.
func ParseCallbackData(data string) (string, approval.Answer, error) {
	rest, ok := strings.CutPrefix(data, callbackPrefix)
	if !ok {
		return "", approval.Answer{}, fmt.Errorf("not a permission callback: %q", data)
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", approval.Answer{}, fmt.Errorf("malformed permission callback: %q", data)
	}
	id, action := rest[:i], rest[i+1:]

	switch action {
	case "yes":
		return id, approval.Approve(), nil
	case "no":
		return id, approval.Deny(), nil
	}
	if _, err := strconv.Atoi(action); err != nil {
		return "", approval.Answer{}, fmt.Errorf("unknown permission action %q", action)
	}
	return id, approval.Choose(action), nil
}
