// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package web

import (
	"fmt"
	"time"

	g "maragu.dev/gomponents"
	h "maragu.dev/gomponents/html"

	"agentgram/codeagent"
)

// maxCardOutput is how much of an agent's output a card shows.
const maxCardOutput = 1200

// statusClass returns the CSS class for an agent card.
func statusClass(s codeagent.AgentStatus) string {
	switch s {
	case codeagent.StatusFinished:
		return "finished"
	case codeagent.StatusFailed, codeagent.StatusKilled, codeagent.StatusTimedOut:
		return "failed"
	case codeagent.StatusQueued, codeagent.StatusPending:
		return "queued"
	case codeagent.StatusAwaitingDecision:
		return "awaiting"
	}
	return "running"
}

// categorizeAgents splits agents into the three board columns, keeping
// their order.
func categorizeAgents(agents []codeagent.AgentInfo) (queued, running, finished []codeagent.AgentInfo) {
	for _, a := range agents {
		switch {
		case a.Status.Terminal():
			finished = append(finished, a)
		case a.Status == codeagent.StatusQueued || a.Status == codeagent.StatusPending:
			queued = append(queued, a)
		default:
			running = append(running, a)
		}
	}
	return
}

// formatDuration converts a time.Duration to a readable format
func formatDuration(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n:])
}

func kanbanColumn(title, id string, agents []codeagent.AgentInfo) g.Node {
	return h.Div(h.Class("kanban-column"),
		h.Div(h.Class("kanban-header"),
			h.H3(g.Text(title)),
			h.Span(h.Class("kanban-count"), g.Text(fmt.Sprintf("(%d)", len(agents)))),
		),
		h.Div(h.ID(id), h.Class("kanban-cards"),
			g.Group(g.Map(agents, AgentCard)),
		),
	)
}

// AgentsSection is the board of all known runs.
func AgentsSection(agents []codeagent.AgentInfo, queues map[string]int) g.Node {
	queued, running, finished := categorizeAgents(agents)

	waiting := 0
	for _, n := range queues {
		waiting += n
	}

	return h.Div(h.ID("agents-section"), h.Class("section"),
		h.Div(h.Class("section-header"),
			h.H2(g.Text("Agents")),
			h.P(h.Class("muted"), g.Text(fmt.Sprintf("%d running, %d waiting for a folder", len(running), waiting))),
		),
		h.Div(h.Class("kanban-container"),
			kanbanColumn("Queue", "queue-column", queued),
			kanbanColumn("Running", "running-column", running),
			kanbanColumn("Finished", "finished-column", finished),
		),
	)
}

// AgentCard renders one run.
func AgentCard(a codeagent.AgentInfo) g.Node {
	output := a.Output
	if output == "" && a.Error != "" {
		output = a.Error
	}

	status := string(a.Status)
	if !a.Status.Terminal() && !a.StartTime.IsZero() {
		status += " for " + formatDuration(a.Duration)
	}

	return h.Div(
		h.ID("agent-"+a.ID),
		h.Class("agent-card "+statusClass(a.Status)),

		h.Div(h.Class("agent-header"),
			h.H3(h.A(h.Href("/agents/"+a.ID), g.Text(fmt.Sprintf("Agent %s", a.ID)))),
			h.Span(h.Class("agent-status"), g.Text(status)),
		),
		h.P(h.Class("agent-task"), g.Text(a.Prompt)),
		h.P(h.Class("muted"), g.Text(fmt.Sprintf("%s · %s · %s", a.Backend, a.Model, a.Folder))),
		g.If(output != "", h.Div(h.Class("agent-output"), h.Pre(g.Text(lastRunes(output, maxCardOutput))))),
		g.If(a.Status.Terminal(),
			h.Div(h.Class("agent-time"),
				h.Span(h.Class("time-label"), g.Text("Time taken: ")),
				h.Span(h.Class("time-value"), g.Text(formatDuration(a.Duration))),
				g.If(a.Prompts > 0, h.Span(h.Class("muted"), g.Textf(" · %d prompts", a.Prompts))),
			),
		),
		h.Div(h.Class("agent-actions"), agentAction(a)),
	)
}

func agentAction(a codeagent.AgentInfo) g.Node {
	if a.Status.Terminal() {
		return h.Form(h.Method("post"), h.Action(fmt.Sprintf("/agents/%s/delete", a.ID)),
			h.Button(h.Type("submit"), h.Class("btn btn-secondary"), g.Text("Delete")),
		)
	}
	return h.Form(h.Method("post"), h.Action(fmt.Sprintf("/agents/%s/stop", a.ID)),
		h.Button(h.Type("submit"), h.Class("btn btn-danger"), g.Text("Stop")),
	)
}

// liveScript appends websocket updates to the output block.
const liveScript = `
(function () {
  var out = document.getElementById("live-output");
  var state = document.getElementById("live-status");
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ws/agents/" + out.dataset.agent);
  ws.onmessage = function (ev) {
    var m = JSON.parse(ev.data);
    out.textContent = m.text;
    state.textContent = m.status;
  };
})();
`

// AgentDetail shows one run with its output streamed live.
func AgentDetail(a codeagent.AgentInfo) g.Node {
	return h.Div(h.Class("section"),
		h.H2(g.Textf("Agent %s", a.ID)),
		h.P(g.Text("Status: "), h.Strong(h.ID("live-status"), g.Text(string(a.Status)))),
		h.P(h.Class("muted"), g.Textf("%s · %s · %s", a.Backend, a.Model, a.Folder)),
		g.If(a.ErrorKind != "", h.P(g.Textf("Error (%s): %s", a.ErrorKind, a.Error))),
		h.H3(g.Text("Instruction")),
		h.Pre(g.Text(a.Prompt)),
		h.H3(g.Text("Output")),
		h.Pre(h.ID("live-output"), g.Attr("data-agent", a.ID), g.Text(a.Output)),
		g.If(!a.Status.Terminal(), h.Script(g.Raw(liveScript))),
		h.Div(h.Class("agent-actions"), agentAction(a)),
	)
}
