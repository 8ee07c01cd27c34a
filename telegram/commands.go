// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"agentgram/codeagent"
	"agentgram/ptybridge"
	"agentgram/registry"
)

const helpText = `📚 agentgram

Send any text (or /code <instruction>) to run it with the coding CLI in your workspace. When the CLI asks for permission you get Yes/No or option buttons.

Commands:
/code <instruction> - Run an instruction
/stop - Cancel your running task
/status - Current task and CLI availability
/session - Show session info
/new - Start a fresh conversation and workspace
/model [name] - Show or set the model
/backend [claude|opencode] - Show or set the CLI
/bypass [on|off] - Skip permission prompts (claude only)
/cd <dir> - Change the working directory
/prompts - Recent permission decisions
/last - Output of the previous run
/help - This message`

func (b *Bot) handleStartCommand(ctx context.Context, message *models.Message) {
	name := message.From.FirstName
	if name == "" {
		name = message.From.Username
	}
	b.reply(ctx, message, fmt.Sprintf("👋 Hello %s! I bridge your messages to a coding CLI running on this machine.\n\n%s", name, helpText))
}

func (b *Bot) handleHelpCommand(ctx context.Context, message *models.Message) {
	b.reply(ctx, message, helpText)
}

func (b *Bot) handleCodeCommand(ctx context.Context, message *models.Message, instruction string) {
	if instruction == "" {
		b.reply(ctx, message, "❌ Usage: /code <instruction>\n\nExample: /code add a unit test for the parser")
		return
	}
	if b.opts.Manager.Active(userKey(message)) != nil {
		b.reply(ctx, message, "⏳ A task is already running. Use /stop to cancel it.")
		return
	}

	b.runs.Add(1)
	go func() {
		defer b.runs.Done()
		b.runCode(ctx, message, instruction)
	}()
}

func userKey(message *models.Message) string {
	return strconv.FormatInt(message.From.ID, 10)
}

func (b *Bot) runCode(ctx context.Context, message *models.Message, instruction string) {
	userID, chatID := message.From.ID, message.Chat.ID
	log := b.log.With("user", userID)

	sess, err := b.opts.Store.GetOrCreate(userID)
	if err != nil {
		log.Error("failed to load session", "error", err)
		b.reply(ctx, message, "❌ Failed to load your session: "+err.Error())
		return
	}
	backend, err := codeagent.ParseBackend(sess.Backend)
	if err != nil {
		backend = codeagent.BackendClaude
	}

	req := codeagent.Request{
		Key:         userKey(message),
		Route:       strconv.FormatInt(chatID, 10),
		Instruction: instruction,
		Folder:      sess.WorkDir,
		Backend:     backend,
		Model:       sess.Model,
		Continue:    sess.ContinueConversation(),
		Bypass:      sess.Bypass && backend == codeagent.BackendClaude,
		Env:         b.opts.Config.ChildEnv(),
	}

	status := newStatusMessage(b.api, log, chatID)
	if running, _ := b.opts.Manager.IsAgentRunningInFolder(sess.WorkDir); running {
		status.setHeader(ctx, "⏳ Queued behind another task in this folder...")
	} else {
		status.setHeader(ctx, fmt.Sprintf("🤖 %s is working...", backend))
	}

	log.Info("running instruction", "backend", backend, "bypass", req.Bypass, "continue", req.Continue)
	_, res, err := b.opts.Manager.Execute(ctx, req, func(u ptybridge.Update) {
		status.setHeader(ctx, fmt.Sprintf("🤖 %s is working...", backend))
		status.update(ctx, u.Text)
	})
	if errors.Is(err, codeagent.ErrBusy) {
		status.setHeader(ctx, "⏳ A task is already running. Use /stop to cancel it.")
		return
	}
	if err != nil {
		status.setHeader(ctx, "❌ Could not start: "+err.Error())
		return
	}

	if _, err := b.opts.Store.Touch(userID); err != nil {
		log.Warn("failed to update session", "error", err)
	}
	b.record(userID, sess.SessionID, instruction, res)

	status.setHeader(ctx, resultHeader(res))
	output := strings.TrimSpace(res.Output)
	if output == "" {
		output = "(no output)"
	}
	SendLongMessage(ctx, b.api, log, chatID, output, "output.txt")
}

// record stores the run's prompts and output in the registry.
func (b *Bot) record(userID int64, sessionID, instruction string, res ptybridge.Result) {
	for _, p := range res.Prompts {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		err := b.opts.Store.RecordPrompt(registry.PromptEntry{
			ID:          id,
			UserID:      userID,
			SessionID:   sessionID,
			Kind:        string(p.Shape),
			Outcome:     string(p.Outcome),
			Response:    strings.TrimSpace(p.Response),
			Description: p.Text,
			AskedAt:     p.At,
		})
		if err != nil {
			b.log.Warn("failed to record prompt", "error", err)
		}
	}
	err := b.opts.Store.SaveTranscript(registry.Transcript{
		UserID:      userID,
		SessionID:   sessionID,
		Instruction: instruction,
		Success:     res.Success,
		ErrorKind:   string(res.Kind),
		Output:      res.Output,
	})
	if err != nil {
		b.log.Warn("failed to save transcript", "error", err)
	}
}

func resultHeader(res ptybridge.Result) string {
	d := res.Duration.Round(time.Second)
	if res.Success {
		return fmt.Sprintf("✅ Completed in %s", d)
	}
	switch res.Kind {
	case ptybridge.Cancelled:
		return "🛑 Cancelled"
	case ptybridge.ExecutionTimeout:
		return fmt.Sprintf("⏱️ Timed out after %s", d)
	case ptybridge.ProcessFailure:
		return "❌ " + res.Error
	}
	return fmt.Sprintf("❌ %s: %s", res.Kind, res.Error)
}

func (b *Bot) handleStopCommand(ctx context.Context, message *models.Message) {
	if b.opts.Manager.Cancel(userKey(message)) {
		b.reply(ctx, message, "🛑 Stopping your task...")
		return
	}
	b.reply(ctx, message, "ℹ️ Nothing is running.")
}

func (b *Bot) handleStatusCommand(ctx context.Context, message *models.Message) {
	var sb strings.Builder
	sb.WriteString("🔍 Status\n\n")

	if a := b.opts.Manager.Active(userKey(message)); a != nil {
		info := a.ToInfo()
		fmt.Fprintf(&sb, "Task: %s (%s, %s)\n", info.Status, info.Backend, info.Duration.Round(time.Second))
		fmt.Fprintf(&sb, "Folder: %s\n", info.Folder)
	} else {
		sb.WriteString("Task: none\n")
	}
	fmt.Fprintf(&sb, "Pending approvals: %d\n\n", len(b.opts.Gateway.Pending()))

	for _, backend := range []codeagent.Backend{codeagent.BackendClaude, codeagent.BackendOpenCode} {
		cli, ok := b.opts.CLIs[backend]
		if !ok {
			continue
		}
		state := "✅ Available"
		if err := cli.CheckAvailable(ctx); err != nil {
			state = "❌ Unavailable"
		}
		fmt.Fprintf(&sb, "%s CLI: %s\n", backend, state)
	}
	b.reply(ctx, message, sb.String())
}

func (b *Bot) handleSessionCommand(ctx context.Context, message *models.Message) {
	sess, err := b.opts.Store.Get(message.From.ID)
	if errors.Is(err, registry.ErrNotFound) {
		b.reply(ctx, message, "ℹ️ No session yet. Send an instruction or use /new.")
		return
	}
	if err != nil {
		b.reply(ctx, message, "❌ "+err.Error())
		return
	}
	b.reply(ctx, message, formatSession(sess))
}

func formatSession(s *registry.Session) string {
	bypass := "off"
	if s.Bypass {
		bypass = "on"
	}
	return fmt.Sprintf("📊 Session\n\nID: %s\nWorkspace: %s\nBackend: %s\nModel: %s\nBypass: %s\nMessages: %d\nCreated: %s\nLast used: %s",
		s.SessionID, s.WorkDir, s.Backend, s.Model, bypass, s.MessageCount,
		s.CreatedAt.Format("2006-01-02 15:04:05"), s.LastUsed.Format("2006-01-02 15:04:05"))
}

func (b *Bot) handleNewCommand(ctx context.Context, message *models.Message) {
	if b.opts.Manager.Active(userKey(message)) != nil {
		b.reply(ctx, message, "⏳ Stop the running task first (/stop).")
		return
	}
	sess, err := b.opts.Store.Create(message.From.ID)
	if err != nil {
		b.reply(ctx, message, "❌ "+err.Error())
		return
	}
	b.reply(ctx, message, "✅ New session created!\n\n"+formatSession(sess))
}

func (b *Bot) handleModelCommand(ctx context.Context, message *models.Message, model string) {
	if model == "" {
		sess, err := b.opts.Store.GetOrCreate(message.From.ID)
		if err != nil {
			b.reply(ctx, message, "❌ "+err.Error())
			return
		}
		b.reply(ctx, message, fmt.Sprintf("🧠 Model: %s\n\nUse /model <name> to change it (e.g. sonnet, opus, haiku).", sess.Model))
		return
	}
	_, err := b.opts.Store.Update(message.From.ID, func(s *registry.Session) error {
		s.Model = model
		return nil
	})
	if err != nil {
		b.reply(ctx, message, "❌ "+err.Error())
		return
	}
	b.reply(ctx, message, "✅ Model set to "+model)
}

func (b *Bot) handleBackendCommand(ctx context.Context, message *models.Message, name string) {
	if name == "" {
		sess, err := b.opts.Store.GetOrCreate(message.From.ID)
		if err != nil {
			b.reply(ctx, message, "❌ "+err.Error())
			return
		}
		b.reply(ctx, message, fmt.Sprintf("🔧 Backend: %s\n\nUse /backend claude or /backend opencode.", sess.Backend))
		return
	}
	backend, err := codeagent.ParseBackend(name)
	if err != nil {
		b.reply(ctx, message, "❌ "+err.Error())
		return
	}
	if _, ok := b.opts.CLIs[backend]; !ok {
		b.reply(ctx, message, fmt.Sprintf("❌ %s is not configured", backend))
		return
	}
	_, err = b.opts.Store.Update(message.From.ID, func(s *registry.Session) error {
		s.Backend = string(backend)
		return nil
	})
	if err != nil {
		b.reply(ctx, message, "❌ "+err.Error())
		return
	}
	b.reply(ctx, message, fmt.Sprintf("✅ Backend set to %s", backend))
}

// parseToggle reads on/off style arguments. An empty argument flips current.
func parseToggle(arg string, current bool) (bool, error) {
	switch strings.ToLower(arg) {
	case "":
		return !current, nil
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return current, fmt.Errorf("expected on or off, got %q", arg)
}

func (b *Bot) handleBypassCommand(ctx context.Context, message *models.Message, arg string) {
	sess, err := b.opts.Store.Update(message.From.ID, func(s *registry.Session) error {
		v, err := parseToggle(arg, s.Bypass)
		s.Bypass = v
		return err
	})
	if err != nil {
		b.reply(ctx, message, "❌ "+err.Error())
		return
	}
	if !sess.Bypass {
		b.reply(ctx, message, "🔐 Bypass off: permission prompts will be sent to you.")
		return
	}
	text := "⚡ Bypass on: the CLI runs without asking for permission."
	if sess.Backend != string(codeagent.BackendClaude) {
		text += "\n\n⚠️ Only the claude backend supports bypass; opencode runs stay interactive."
	}
	b.reply(ctx, message, text)
}

func (b *Bot) handleCdCommand(ctx context.Context, message *models.Message, dir string) {
	if dir == "" {
		b.reply(ctx, message, "❌ Usage: /cd <directory>")
		return
	}
	base := ""
	if sess, err := b.opts.Store.Get(message.From.ID); err == nil {
		base = sess.WorkDir
	}
	abs, err := ResolvePath(dir, base)
	if err != nil {
		b.reply(ctx, message, "❌ Error resolving directory path: "+err.Error())
		return
	}
	if abs, err = b.opts.Config.CheckDir(abs); err != nil {
		b.log.Warn("refused working directory", "user", message.From.ID, "dir", dir, "error", err)
		b.reply(ctx, message, "❌ "+err.Error())
		return
	}
	sess, err := b.opts.Store.SetWorkDir(message.From.ID, abs)
	if err != nil {
		b.reply(ctx, message, "❌ "+err.Error())
		return
	}
	b.reply(ctx, message, "📁 Working directory: "+sess.WorkDir)
}

func (b *Bot) handlePromptsCommand(ctx context.Context, message *models.Message) {
	entries, err := b.opts.Store.RecentPrompts(message.From.ID, 10)
	if err != nil {
		b.reply(ctx, message, "❌ "+err.Error())
		return
	}
	if len(entries) == 0 {
		b.reply(ctx, message, "ℹ️ No permission prompts yet.")
		return
	}
	b.reply(ctx, message, formatPrompts(entries))
}

func formatPrompts(entries []registry.PromptEntry) string {
	var sb strings.Builder
	sb.WriteString("🔐 Recent prompts\n")
	for _, e := range entries {
		desc := strings.TrimSpace(e.Description)
		if i := strings.LastIndex(desc, "\n"); i >= 0 {
			desc = desc[i+1:]
		}
		if r := []rune(desc); len(r) > 80 {
			desc = string(r[:80]) + "…"
		}
		fmt.Fprintf(&sb, "\n%s %s → %s", e.AskedAt.Format("01-02 15:04"), e.Kind, e.Outcome)
		if e.Response != "" {
			fmt.Fprintf(&sb, " (sent %q)", e.Response)
		}
		if desc != "" {
			fmt.Fprintf(&sb, "\n  %s", desc)
		}
	}
	return sb.String()
}

func (b *Bot) handleLastCommand(ctx context.Context, message *models.Message) {
	t, err := b.opts.Store.LastTranscript(message.From.ID)
	if errors.Is(err, registry.ErrNotFound) {
		b.reply(ctx, message, "ℹ️ No previous run.")
		return
	}
	if err != nil {
		b.reply(ctx, message, "❌ "+err.Error())
		return
	}
	header := "✅"
	if !t.Success {
		header = "❌ " + t.ErrorKind
	}
	b.reply(ctx, message, fmt.Sprintf("%s %s\n%s", header, t.CreatedAt.Format("2006-01-02 15:04"), t.Instruction))
	output := strings.TrimSpace(t.Output)
	if output == "" {
		output = "(no output)"
	}
	SendLongMessage(ctx, b.api, b.log, message.Chat.ID, output, "last-output.txt")
}
