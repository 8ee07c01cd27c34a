// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

// Package web serves the local dashboard: the agent board, pending
// prompts, a live output stream per agent, and Prometheus metrics.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agentgram/approval"
	"agentgram/codeagent"
	"agentgram/metrics"
)

//go:embed static
var staticFiles embed.FS

// Options configures the dashboard.
type Options struct {
	Addr    string
	Manager *codeagent.Manager
	Gateway *approval.Gateway
	Logger  *slog.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	handler  http.Handler
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts: opts,
		log:  logger.With("component", "web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /static/", http.FileServerFS(staticFiles))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/agents", http.StatusFound)
	})
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /agents/{id}", s.handleAgentDetail)
	mux.HandleFunc("POST /agents/{id}/stop", s.handleStopAgent)
	mux.HandleFunc("POST /agents/{id}/delete", s.handleDeleteAgent)
	mux.HandleFunc("GET /prompts", s.handlePrompts)
	mux.HandleFunc("POST /prompts/{id}", s.handleResolvePrompt)

	mux.HandleFunc("GET /api/agents", s.handleAPIAgents)
	mux.HandleFunc("GET /api/prompts", s.handleAPIPrompts)
	mux.HandleFunc("GET /ws/agents/{id}", s.handleAgentStream)

	return metrics.Middleware(mux)
}

// Handler returns the dashboard's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting dashboard", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down dashboard: %w", err)
	}
	return nil
}
