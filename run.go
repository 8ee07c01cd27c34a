// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"agentgram/approval"
	"agentgram/codeagent"
	"agentgram/config"
	"agentgram/ptybridge"
)

type runFlags struct {
	dir           string
	model         string
	backend       string
	cont          bool
	bypass        bool
	autoDeny      bool
	timeout       time.Duration
	promptTimeout time.Duration
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [flags] <instruction>",
		Short: "Run one instruction in the terminal and answer its prompts here",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !f.autoDeny && !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("stdin is not a terminal; pass --auto-deny to refuse every prompt")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, cfg, f, strings.Join(args, " "), os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&f.dir, "dir", "d", ".", "working directory for the CLI")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model name (defaults to DEFAULT_MODEL)")
	cmd.Flags().StringVarP(&f.backend, "backend", "b", "", "claude or opencode (defaults to DEFAULT_BACKEND)")
	cmd.Flags().BoolVarP(&f.cont, "continue", "c", false, "continue the previous conversation in this directory")
	cmd.Flags().BoolVar(&f.bypass, "bypass", false, "skip permission prompts (claude only)")
	cmd.Flags().BoolVar(&f.autoDeny, "auto-deny", false, "refuse every prompt without asking")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "overall time limit (defaults to COMMAND_TIMEOUT_SECONDS)")
	cmd.Flags().DurationVar(&f.promptTimeout, "prompt-timeout", 0, "time to answer a prompt (defaults to PERMISSION_TIMEOUT_MINUTES)")
	return cmd
}

func runOnce(ctx context.Context, cfg *config.Config, f runFlags, instruction string, in io.Reader, out io.Writer) error {
	if f.model != "" {
		cfg.DefaultModel = f.model
	}
	if f.backend != "" {
		cfg.DefaultBackend = f.backend
	}
	if f.timeout > 0 {
		cfg.CommandTimeout = f.timeout
	}
	if f.promptTimeout > 0 {
		cfg.PermissionTimeout = f.promptTimeout
	}
	backend, err := codeagent.ParseBackend(cfg.DefaultBackend)
	if err != nil {
		return err
	}

	logger := cfg.NewLogger(os.Stderr)
	approver := newConsoleApprover(out, readLines(in), f.autoDeny)
	gw := approval.NewGateway(approver, cfg.PermissionTimeout, logger)
	approver.bind(gw)
	defer gw.Close()

	opts := managerOptions(cfg)
	opts.Decider = gw
	opts.Logger = logger
	mgr := codeagent.NewManager(opts)

	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("🤖 %s is working in %s", backend, f.dir)))
	progress := &progressPrinter{out: out}
	_, res, err := mgr.Execute(ctx, codeagent.Request{
		Key:         "console",
		Route:       "console",
		Instruction: instruction,
		Folder:      f.dir,
		Backend:     backend,
		Model:       cfg.DefaultModel,
		Continue:    f.cont,
		Bypass:      f.bypass,
		Env:         cfg.ChildEnv(),
	}, func(u ptybridge.Update) {
		progress.update(u.Text)
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	if res.Success {
		fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("✅ Completed in %s", res.Duration.Round(time.Second))))
	} else {
		fmt.Fprintln(out, failStyle.Render(fmt.Sprintf("❌ %s: %s", res.Kind, res.Error)))
	}
	if output := strings.TrimSpace(res.Output); output != "" {
		fmt.Fprintln(out, output)
	}
	return res.Err()
}
