// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

// Package codeagent launches coding CLI runs on behalf of chat users and
// keeps track of them.
//
// A run is started with Manager.Execute, which blocks until the CLI exits:
//
//	mgr := codeagent.NewManager(codeagent.Options{
//	    CLIs:    map[codeagent.Backend]codeagent.CLI{codeagent.BackendClaude: {Backend: codeagent.BackendClaude, Path: "claude"}},
//	    Decider: gateway,
//	})
//	agent, res, err := mgr.Execute(ctx, codeagent.Request{
//	    Key:         "42",
//	    Folder:      "/srv/work/42",
//	    Instruction: "Fix the failing test",
//	}, func(u ptybridge.Update) { fmt.Println(u.Text) })
//
// Only one run per key is active at a time, and runs that share a folder
// are queued in arrival order. Manager.Cancel stops the active run of a key.
package codeagent
