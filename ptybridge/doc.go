// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

// Package ptybridge runs an interactive coding CLI under a pseudo-terminal,
// turns its redraw-heavy byte stream into linear text, and answers the
// prompts it blocks on with decisions obtained from a remote approver.
//
// The pipeline is Normalize → IsAnimationFrame → RelevanceFilter for the
// outward stream, and Normalize → Detector for prompts. Run drives both
// from a single event loop per session.
package ptybridge
