// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

// Command agentgram bridges coding CLIs to Telegram: it runs them in a
// pseudo-terminal, streams their progress to the chat, and asks the user
// whenever the CLI wants permission to do something.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentgram/codeagent"
	"agentgram/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentgram",
		Short:         "Drive coding CLIs from Telegram with remote permission approval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRunCmd())
	return root
}

// buildCLIs returns every backend the configuration names.
func buildCLIs(cfg *config.Config) map[codeagent.Backend]codeagent.CLI {
	return map[codeagent.Backend]codeagent.CLI{
		codeagent.BackendClaude:   {Backend: codeagent.BackendClaude, Path: cfg.ClaudePath},
		codeagent.BackendOpenCode: {Backend: codeagent.BackendOpenCode, Path: cfg.OpenCodePath},
	}
}

func managerOptions(cfg *config.Config) codeagent.Options {
	return codeagent.Options{
		CLIs:          buildCLIs(cfg),
		Profiles:      cfg.Profiles,
		Timeout:       cfg.CommandTimeout,
		PromptTimeout: cfg.PermissionTimeout,
		IdleThreshold: cfg.IdleThreshold,
		FlushInterval: cfg.StreamInterval,
		DedupTTL:      cfg.DedupTTL,
	}
}
