// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"agentgram/approval"
	"agentgram/codeagent"
)

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	content := AgentsSection(s.opts.Manager.ListAgents(), s.opts.Manager.GetQueueStatus())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = DashboardLayout(w, r, "Agents", true, content).Render(w)
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	agent, err := s.opts.Manager.GetAgent(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = DashboardLayout(w, r, "Agent "+agent.ID, false, AgentDetail(agent.ToInfo())).Render(w)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Manager.KillAgent(id); err != nil {
		SetErrorFlash(w, fmt.Sprintf("Failed to stop agent: %v", err))
	} else {
		s.log.Info("agent stopped from dashboard", "agent", id)
		SetSuccessFlash(w, fmt.Sprintf("Agent %s stopped", id))
	}
	http.Redirect(w, r, "/agents", http.StatusSeeOther)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Manager.RemoveAgent(id); err != nil {
		SetErrorFlash(w, fmt.Sprintf("Failed to delete agent: %v", err))
	} else {
		SetSuccessFlash(w, fmt.Sprintf("Agent %s deleted", id))
	}
	http.Redirect(w, r, "/agents", http.StatusSeeOther)
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = DashboardLayout(w, r, "Prompts", true, PromptsSection(s.opts.Gateway.Pending())).Render(w)
}

// parseAnswer reads a form answer: yes, no, or an option number.
func parseAnswer(v string) (approval.Answer, error) {
	switch v {
	case "yes":
		return approval.Approve(), nil
	case "no":
		return approval.Deny(), nil
	}
	if _, err := strconv.Atoi(v); err != nil {
		return approval.Answer{}, fmt.Errorf("unknown answer %q", v)
	}
	return approval.Choose(v), nil
}

func (s *Server) handleResolvePrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	answer, err := parseAnswer(r.FormValue("answer"))
	if err != nil {
		SetErrorFlash(w, err.Error())
		http.Redirect(w, r, "/prompts", http.StatusSeeOther)
		return
	}

	d, err := s.opts.Gateway.Resolve(id, answer)
	switch {
	case errors.Is(err, approval.ErrExpired):
		SetErrorFlash(w, "This permission request has expired.")
	case err != nil:
		SetErrorFlash(w, err.Error())
	default:
		s.log.Info("prompt answered from dashboard", "prompt", id, "outcome", d.Outcome)
		SetSuccessFlash(w, fmt.Sprintf("Prompt answered: %s", d.Outcome))
	}
	http.Redirect(w, r, "/prompts", http.StatusSeeOther)
}

type agentJSON struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Folder    string    `json:"folder"`
	Prompt    string    `json:"prompt"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model"`
	Bypass    bool      `json:"bypass"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Prompts   int       `json:"prompts"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitzero"`
	Duration  float64   `json:"duration_seconds"`
}

func toAgentJSON(a codeagent.AgentInfo) agentJSON {
	return agentJSON{
		ID:        a.ID,
		Key:       a.Key,
		Folder:    a.Folder,
		Prompt:    a.Prompt,
		Backend:   string(a.Backend),
		Model:     a.Model,
		Bypass:    a.Bypass,
		Status:    string(a.Status),
		Error:     a.Error,
		ErrorKind: string(a.ErrorKind),
		Prompts:   a.Prompts,
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Duration:  a.Duration.Seconds(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleAPIAgents(w http.ResponseWriter, r *http.Request) {
	infos := s.opts.Manager.ListAgents()
	out := make([]agentJSON, 0, len(infos))
	for _, a := range infos {
		out = append(out, toAgentJSON(a))
	}
	writeJSON(w, out)
}

type promptJSON struct {
	ID          string                `json:"id"`
	Kind        string                `json:"kind"`
	Description string                `json:"description"`
	Options     []approval.MenuOption `json:"options,omitempty"`
	Route       string                `json:"route"`
	CreatedAt   time.Time             `json:"created_at"`
	Deadline    time.Time             `json:"deadline"`
}

func (s *Server) handleAPIPrompts(w http.ResponseWriter, r *http.Request) {
	pending := s.opts.Gateway.Pending()
	out := make([]promptJSON, 0, len(pending))
	for _, p := range pending {
		out = append(out, promptJSON{
			ID:          p.ID,
			Kind:        string(p.Kind),
			Description: p.Description,
			Options:     p.Options,
			Route:       p.Route,
			CreatedAt:   p.CreatedAt,
			Deadline:    p.Deadline,
		})
	}
	writeJSON(w, out)
}
