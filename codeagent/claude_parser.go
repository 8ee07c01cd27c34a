// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package codeagent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message is one readable entry decoded from the CLI's stream-json output.
type Message struct {
	Type      string // "assistant", "tool", "result", "raw"
	Content   string
	Timestamp time.Time
}

// streamEvent covers the fields of stream-json events that carry text.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Result    string `json:"result"`
	Subresult string `json:"subresult"`
	IsError   bool   `json:"is_error"`
}

// ClaudeParser turns stream-json lines into a conversation history.
type ClaudeParser struct {
	mu       sync.RWMutex
	history  []Message
	delta    strings.Builder
	isError  bool
	finished bool
}

func NewClaudeParser() *ClaudeParser {
	return &ClaudeParser{}
}

// ParseLine consumes one line of output. Lines that are not JSON are kept
// verbatim so nothing the CLI prints is lost.
func (p *ClaudeParser) ParseLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		p.add("raw", line)
		return
	}

	switch ev.Type {
	case "assistant":
		p.flushDelta()
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				p.add("assistant", block.Text)
			case "tool_use":
				p.add("tool", formatToolUse(block.Name, block.Input))
			}
		}
	case "content_block_delta":
		if ev.Delta.Type == "text_delta" {
			p.delta.WriteString(ev.Delta.Text)
		}
	case "result":
		p.flushDelta()
		p.finished = true
		p.isError = ev.IsError
		text := ev.Result
		if text == "" {
			text = ev.Subresult
		}
		// The result usually repeats the last assistant message.
		if n := len(p.history); text != "" && (n == 0 || p.history[n-1].Content != strings.TrimSpace(text)) {
			p.add("result", text)
		}
	}
}

func (p *ClaudeParser) add(typ, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	p.history = append(p.history, Message{Type: typ, Content: content, Timestamp: time.Now()})
}

func (p *ClaudeParser) flushDelta() {
	if p.delta.Len() > 0 {
		p.add("assistant", p.delta.String())
		p.delta.Reset()
	}
}

// Text renders the history as chat text, with tool calls marked like the
// interactive CLI marks them.
func (p *ClaudeParser) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	parts := make([]string, 0, len(p.history)+1)
	for _, m := range p.history {
		if m.Type == "tool" {
			parts = append(parts, "⏺ "+m.Content)
			continue
		}
		parts = append(parts, m.Content)
	}
	if p.delta.Len() > 0 {
		parts = append(parts, strings.TrimSpace(p.delta.String()))
	}
	return strings.Join(parts, "\n\n")
}

// GetHistory returns a copy of the decoded messages.
func (p *ClaudeParser) GetHistory() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.history...)
}

// Failed reports whether the final result event was marked as an error.
func (p *ClaudeParser) Failed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.finished && p.isError
}

func formatToolUse(name string, input map[string]any) string {
	for _, key := range []string{"file_path", "path", "command", "pattern", "url"} {
		if v, ok := input[key].(string); ok && v != "" {
			return fmt.Sprintf("%s(%s)", name, truncate(v, 120))
		}
	}
	if len(input) == 0 {
		return name
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s(%s)", name, strings.Join(keys, ", "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
