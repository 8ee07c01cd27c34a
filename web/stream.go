// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// streamMessage is one frame of the live output stream. Text is the
// cumulative outward text, not a delta.
type streamMessage struct {
	Text   string    `json:"text"`
	Status string    `json:"status"`
	Final  bool      `json:"final"`
	At     time.Time `json:"at"`
}

// handleAgentStream pushes an agent's outward updates over a websocket
// until the run ends or the client goes away.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	agent, err := s.opts.Manager.GetAgent(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "agent", agent.ID, "error", err)
		return
	}
	defer conn.Close()

	subID, updates := agent.Subscribe()
	defer agent.Unsubscribe(subID)

	// The client never sends anything; reading only notices it leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(m streamMessage) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(m)
	}

	for {
		select {
		case <-gone:
			return
		case u, ok := <-updates:
			if !ok {
				info := agent.ToInfo()
				_ = write(streamMessage{Text: info.Output, Status: string(info.Status), Final: true, At: time.Now()})
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run ended"),
					time.Now().Add(writeWait))
				return
			}
			if err := write(streamMessage{Text: u.Text, Status: string(agent.GetStatus()), At: u.At}); err != nil {
				s.log.Debug("websocket write failed", "agent", agent.ID, "error", err)
				return
			}
		}
	}
}
