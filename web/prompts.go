// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package web

import (
	"fmt"
	"time"

	g "maragu.dev/gomponents"
	h "maragu.dev/gomponents/html"

	"agentgram/approval"
)

// PromptsSection lists prompts waiting for a decision, with answer buttons.
func PromptsSection(prompts []approval.Prompt) g.Node {
	return h.Div(h.ID("prompts-section"), h.Class("section"),
		h.H2(g.Text("Pending prompts")),
		g.If(len(prompts) == 0, h.P(h.Class("muted"), g.Text("Nothing is waiting for a decision."))),
		g.Group(g.Map(prompts, PromptCard)),
	)
}

// PromptCard renders one pending prompt.
func PromptCard(p approval.Prompt) g.Node {
	left := time.Until(p.Deadline).Round(time.Second)
	if left < 0 {
		left = 0
	}
	return h.Div(h.ID("prompt-"+p.ID), h.Class("prompt-card"),
		h.Div(h.Class("muted"), g.Textf("%s · route %s · %s left", p.Kind, p.Route, left)),
		h.Pre(g.Text(p.Description)),
		h.Form(h.Method("post"), h.Action("/prompts/"+p.ID), promptButtons(p)),
	)
}

func answerButton(class, value, label string) g.Node {
	return h.Button(h.Type("submit"), h.Name("answer"), h.Value(value), h.Class("btn "+class), g.Text(label))
}

func promptButtons(p approval.Prompt) g.Node {
	if p.Kind == approval.KindMenu {
		return g.Group(g.Map(p.Options, func(o approval.MenuOption) g.Node {
			return answerButton("btn-secondary", o.Number, fmt.Sprintf("%s. %s", o.Number, o.Label))
		}))
	}
	return g.Group([]g.Node{
		answerButton("btn-primary", "yes", "Approve"),
		answerButton("btn-danger", "no", "Deny"),
	})
}
