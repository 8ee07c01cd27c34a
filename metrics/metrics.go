// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session metrics
var (
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentgram_sessions_active",
			Help: "Number of terminal sessions currently running",
		},
		[]string{"backend"},
	)

	SessionsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentgram_sessions_queued",
			Help: "Number of runs waiting for their folder to become free",
		},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgram_sessions_total",
			Help: "Finished sessions by backend and result",
		},
		[]string{"backend", "result"},
	)

	SessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgram_session_duration_seconds",
			Help:    "Wall-clock duration of terminal sessions",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"backend"},
	)

	OutwardUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgram_outward_updates_total",
			Help: "Live updates delivered to the chat layer",
		},
		[]string{"backend"},
	)
)

// Prompt metrics
var (
	PromptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgram_prompts_total",
			Help: "Prompts answered by shape and outcome",
		},
		[]string{"shape", "outcome"},
	)

	PromptsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentgram_prompts_pending",
			Help: "Prompts waiting for a human decision",
		},
	)

	DecisionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentgram_decision_latency_seconds",
			Help:    "Time from prompt to decision",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)
)

// Chat and dashboard metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgram_http_requests_total",
			Help: "Dashboard HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ChatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgram_chat_requests_total",
			Help: "Chat API calls by method and result",
		},
		[]string{"method", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsQueued,
		SessionsTotal,
		SessionDuration,
		OutwardUpdatesTotal,
		PromptsTotal,
		PromptsPending,
		DecisionLatency,
		HTTPRequestsTotal,
		ChatRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSession records a finished session. result is a short label such
// as "success" or an error kind.
func ObserveSession(backend, result string, d time.Duration) {
	SessionsTotal.WithLabelValues(backend, result).Inc()
	SessionDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveChatCall counts one chat API call.
func ObserveChatCall(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ChatRequestsTotal.WithLabelValues(method, result).Inc()
}

// Middleware counts HTTP requests by method, route pattern and status.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
