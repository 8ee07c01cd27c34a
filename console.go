// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"agentgram/approval"
)

var (
	promptStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	hintStyle   = lipgloss.NewStyle().Faint(true)
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// consoleApprover asks the person at the terminal. It reads answers from
// lines, which is fed from stdin.
type consoleApprover struct {
	out      io.Writer
	lines    <-chan string
	autoDeny bool

	mu    sync.Mutex
	gw    *approval.Gateway
	stops map[string]chan struct{}
}

func newConsoleApprover(out io.Writer, lines <-chan string, autoDeny bool) *consoleApprover {
	return &consoleApprover{
		out:      out,
		lines:    lines,
		autoDeny: autoDeny,
		stops:    make(map[string]chan struct{}),
	}
}

func (c *consoleApprover) bind(gw *approval.Gateway) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gw = gw
}

// readLines feeds r line by line into a channel closed at EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func renderPrompt(p approval.Prompt) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("🔐 The agent is asking for permission"))
	sb.WriteString("\n\n")
	sb.WriteString(strings.TrimSpace(p.Description))
	sb.WriteString("\n\n")
	if p.Kind == approval.KindMenu {
		nums := make([]string, len(p.Options))
		for i, o := range p.Options {
			nums[i] = o.Number
		}
		sb.WriteString(hintStyle.Render("Answer with an option number (" + strings.Join(nums, "/") + ") or n to refuse"))
	} else {
		sb.WriteString(hintStyle.Render("Answer y or n"))
	}
	return promptStyle.Render(sb.String())
}

// parseConsoleAnswer reads one typed answer for p.
func parseConsoleAnswer(p approval.Prompt, line string) (approval.Answer, error) {
	s := strings.ToLower(strings.TrimSpace(line))
	switch s {
	case "y", "yes":
		return approval.Approve(), nil
	case "n", "no":
		return approval.Deny(), nil
	}
	if p.Kind == approval.KindMenu {
		for _, o := range p.Options {
			if o.Number == s {
				return approval.Choose(s), nil
			}
		}
	}
	return approval.Answer{}, fmt.Errorf("unrecognized answer %q", line)
}

func (c *consoleApprover) Present(ctx context.Context, p approval.Prompt) error {
	fmt.Fprintln(c.out, renderPrompt(p))

	c.mu.Lock()
	gw := c.gw
	c.mu.Unlock()
	if gw == nil {
		return fmt.Errorf("console approver is not bound")
	}

	if c.autoDeny {
		fmt.Fprintln(c.out, failStyle.Render("Denied automatically (--auto-deny)"))
		_, err := gw.Resolve(p.ID, approval.Deny())
		return err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.stops[p.ID] = stop
	c.mu.Unlock()
	go c.await(gw, p, stop)
	return nil
}

func (c *consoleApprover) await(gw *approval.Gateway, p approval.Prompt, stop <-chan struct{}) {
	defer c.forget(p.ID)
	for {
		select {
		case <-stop:
			return
		case line, ok := <-c.lines:
			if !ok {
				gw.Resolve(p.ID, approval.Deny())
				return
			}
			answer, err := parseConsoleAnswer(p, line)
			if err != nil {
				fmt.Fprintln(c.out, hintStyle.Render(err.Error()+", try again"))
				continue
			}
			if d, err := gw.Resolve(p.ID, answer); err == nil {
				fmt.Fprintln(c.out, okStyle.Render("Decision: "+string(d.Outcome)))
			}
			return
		}
	}
}

func (c *consoleApprover) forget(id string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	stop := c.stops[id]
	delete(c.stops, id)
	return stop
}

func (c *consoleApprover) Expire(ctx context.Context, p approval.Prompt, outcome approval.Outcome) {
	if stop := c.forget(p.ID); stop != nil {
		close(stop)
	}
	note := "⏱️ Timed out, denied by default."
	if outcome == approval.OutcomeCancelled {
		note = "🚫 Cancelled, the run ended."
	}
	fmt.Fprintln(c.out, failStyle.Render(note))
}

// progressPrinter prints the growing outward text without repeating what
// was already shown.
type progressPrinter struct {
	out     io.Writer
	printed string
}

func (pp *progressPrinter) update(text string) {
	if rest, ok := strings.CutPrefix(text, pp.printed); ok {
		if rest = strings.TrimLeft(rest, "\n"); rest != "" {
			fmt.Fprintln(pp.out, rest)
		}
	} else {
		fmt.Fprintln(pp.out, text)
	}
	pp.printed = text
}
