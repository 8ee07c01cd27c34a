// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentgram/approval"
	"agentgram/codeagent"
	"agentgram/config"
	"agentgram/registry"
	"agentgram/telegram"
	"agentgram/web"
)

const monitorInterval = 10 * time.Minute

// finishedAgentTTL is how long finished runs stay on the dashboard.
const finishedAgentTTL = 24 * time.Hour

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot and the local dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if len(cfg.AllowedUsers) == 0 && cfg.AllowAllUsers {
		logger.Warn("ALLOW_ALL_USERS is set; every Telegram user can run commands on this machine")
	}

	store, err := registry.Open(cfg.DBPath, cfg.WorkDir, registry.Defaults{
		Model:   cfg.DefaultModel,
		Backend: cfg.DefaultBackend,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	approver := telegram.NewApprover(logger)
	gw := approval.NewGateway(approver, cfg.PermissionTimeout, logger)

	opts := managerOptions(cfg)
	opts.Decider = gw
	opts.Logger = logger
	mgr := codeagent.NewManager(opts)

	for backend, cli := range opts.CLIs {
		if err := cli.CheckAvailable(ctx); err != nil {
			logger.Warn("CLI not available", "backend", backend, "error", err)
		}
	}

	tg, err := telegram.New(telegram.Options{
		Config:   cfg,
		Manager:  mgr,
		Gateway:  gw,
		Approver: approver,
		Store:    store,
		CLIs:     opts.CLIs,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WebAddr != "" {
		dash := web.NewServer(web.Options{Addr: cfg.WebAddr, Manager: mgr, Gateway: gw, Logger: logger})
		go func() {
			if err := dash.ListenAndServe(ctx); err != nil {
				logger.Error("dashboard stopped", "error", err)
			}
		}()
	}

	go monitor(ctx, logger, mgr, store, cfg)
	go func() {
		<-ctx.Done()
		gw.Close()
	}()

	logger.Info("ready", "backend", cfg.DefaultBackend, "work_dir", cfg.WorkDir)
	tg.Start(ctx)
	logger.Info("stopped")
	return nil
}

// monitor periodically drops finished runs and, when enabled, idle
// sessions.
func monitor(ctx context.Context, logger *slog.Logger, mgr *codeagent.Manager, store *registry.Store, cfg *config.Config) {
	log := logger.With("component", "monitor")
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n := mgr.CleanupFinishedAgents(finishedAgentTTL); n > 0 {
			log.Info("removed finished agents", "count", n)
		}
		log.Debug("agent status", "running", mgr.GetRunningCount(), "queued", mgr.GetQueueStatus())

		if !cfg.AutoCleanupSession {
			continue
		}
		n, err := store.Cleanup(cfg.MaxSessionAge)
		if err != nil {
			log.Error("session cleanup failed", "error", err)
			continue
		}
		if n > 0 {
			log.Info("removed idle sessions", "count", n)
		}
	}
}
