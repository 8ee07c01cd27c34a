// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

// Package telegram is the chat front end: it turns messages into runs,
// streams their progress, and asks users to approve what the agent wants
// to do.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"agentgram/approval"
	"agentgram/codeagent"
	"agentgram/config"
	"agentgram/metrics"
	"agentgram/registry"
)

// Options wires the bot to the rest of the service.
type Options struct {
	Config   *config.Config
	Manager  *codeagent.Manager
	Gateway  *approval.Gateway
	Approver *Approver
	Store    *registry.Store
	CLIs     map[codeagent.Backend]codeagent.CLI
	Logger   *slog.Logger
}

// Bot handles Telegram updates.
type Bot struct {
	opts    Options
	api     Sender
	tg      *bot.Bot
	log     *slog.Logger
	started time.Time

	runs sync.WaitGroup
}

// New creates the Telegram client and registers the handlers.
func New(opts Options) (*Bot, error) {
	b := newBot(opts)

	tg, err := bot.New(opts.Config.TelegramToken,
		bot.WithDefaultHandler(b.handleUpdate),
		bot.WithErrorsHandler(b.handleBotError),
		bot.WithMiddlewares(b.staleFilter, b.authorize),
		bot.WithCallbackQueryDataHandler(callbackPrefix, bot.MatchTypePrefix, opts.Approver.HandleCallback),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	b.tg = tg
	b.api = instrumented{tg}
	opts.Approver.Bind(b.api, opts.Gateway)
	return b, nil
}

func newBot(opts Options) *Bot {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		opts:    opts,
		log:     logger.With("component", "telegram"),
		started: time.Now(),
	}
	if opts.Manager != nil {
		opts.Manager.SetAgentStartCallback(b.queuedRunStarted)
	}
	return b
}

// Start polls for updates until ctx ends, then waits for in-flight runs.
func (b *Bot) Start(ctx context.Context) {
	b.log.Info("bot started")
	b.tg.Start(ctx)
	b.runs.Wait()
}

func (b *Bot) handleBotError(err error) {
	if err == nil {
		return
	}
	errStr := err.Error()
	if strings.Contains(errStr, "error get updates") && strings.Contains(errStr, "Conflict: terminated by other getUpdates request") {
		b.log.Error("another bot instance is polling with this token; only one can run at a time", "error", err)
		return
	}
	b.log.Error("bot error", "error", err)
}

// staleFilter drops messages sent while the bot was offline.
func (b *Bot) staleFilter(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, tg *bot.Bot, update *models.Update) {
		if m := update.Message; m != nil && time.Unix(int64(m.Date), 0).Before(b.started.Truncate(time.Second)) {
			b.log.Info("ignored stale update", "chat", m.Chat.ID, "date", time.Unix(int64(m.Date), 0))
			return
		}
		next(ctx, tg, update)
	}
}

// authorize drops updates from users outside the allow list.
func (b *Bot) authorize(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, tg *bot.Bot, update *models.Update) {
		var userID int64
		switch {
		case update.Message != nil && update.Message.From != nil:
			userID = update.Message.From.ID
		case update.CallbackQuery != nil:
			userID = update.CallbackQuery.From.ID
		default:
			return
		}
		if b.opts.Config.IsAllowed(userID) {
			next(ctx, tg, update)
			return
		}

		b.log.Warn("unauthorized access attempt", "user", userID)
		if update.Message != nil {
			SendMessage(ctx, b.api, b.log, update.Message.Chat.ID, "❌ You are not authorized to use this bot.")
		} else {
			b.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
				CallbackQueryID: update.CallbackQuery.ID,
				Text:            "❌ Not authorized",
			})
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil || strings.TrimSpace(update.Message.Text) == "" {
		return
	}
	b.handleMessage(ctx, update.Message)
}

// parseCommand splits "/cmd@botname args" into "/cmd" and "args". Plain
// text yields an empty command.
func parseCommand(text string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, args, _ = strings.Cut(text, " ")
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), strings.TrimSpace(args)
}

func (b *Bot) handleMessage(ctx context.Context, message *models.Message) {
	cmd, args := parseCommand(message.Text)
	switch cmd {
	case "/start":
		b.handleStartCommand(ctx, message)
	case "/help":
		b.handleHelpCommand(ctx, message)
	case "/code":
		b.handleCodeCommand(ctx, message, args)
	case "":
		b.handleCodeCommand(ctx, message, args)
	case "/stop":
		b.handleStopCommand(ctx, message)
	case "/status":
		b.handleStatusCommand(ctx, message)
	case "/session":
		b.handleSessionCommand(ctx, message)
	case "/new":
		b.handleNewCommand(ctx, message)
	case "/model":
		b.handleModelCommand(ctx, message, args)
	case "/backend":
		b.handleBackendCommand(ctx, message, args)
	case "/bypass":
		b.handleBypassCommand(ctx, message, args)
	case "/cd":
		b.handleCdCommand(ctx, message, args)
	case "/prompts":
		b.handlePromptsCommand(ctx, message)
	case "/last":
		b.handleLastCommand(ctx, message)
	default:
		b.reply(ctx, message, "❓ Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) reply(ctx context.Context, message *models.Message, text string) {
	SendMessage(ctx, b.api, b.log, message.Chat.ID, text)
}

func (b *Bot) queuedRunStarted(agentID, folder, prompt, key string) {
	chatID, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return
	}
	SendMessage(context.Background(), b.api, b.log, chatID,
		fmt.Sprintf("▶️ Queued task started in %s (agent %s)", folder, agentID))
}

// instrumented counts Bot API calls by method and result.
type instrumented struct {
	api Sender
}

func (i instrumented) SendMessage(ctx context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	m, err := i.api.SendMessage(ctx, p)
	metrics.ObserveChatCall("sendMessage", err)
	return m, err
}

func (i instrumented) EditMessageText(ctx context.Context, p *bot.EditMessageTextParams) (*models.Message, error) {
	m, err := i.api.EditMessageText(ctx, p)
	if err != nil && isNotModified(err) {
		metrics.ObserveChatCall("editMessageText", nil)
		return m, err
	}
	metrics.ObserveChatCall("editMessageText", err)
	return m, err
}

func (i instrumented) AnswerCallbackQuery(ctx context.Context, p *bot.AnswerCallbackQueryParams) (bool, error) {
	ok, err := i.api.AnswerCallbackQuery(ctx, p)
	metrics.ObserveChatCall("answerCallbackQuery", err)
	return ok, err
}

func (i instrumented) SendDocument(ctx context.Context, p *bot.SendDocumentParams) (*models.Message, error) {
	m, err := i.api.SendDocument(ctx, p)
	metrics.ObserveChatCall("sendDocument", err)
	return m, err
}
