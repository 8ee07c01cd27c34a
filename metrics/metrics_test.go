// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareRecordsPatternAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := Middleware(mux)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/agents/7", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "GET /agents/{id}", "404")); got != 1 {
		t.Errorf("Expected 1 request for the agent pattern, got %v", got)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("Expected 1 unmatched request, got %v", got)
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveChatCall("sendMessage", nil)
	ObserveChatCall("sendMessage", errors.New("boom"))
	if got := testutil.ToFloat64(ChatRequestsTotal.WithLabelValues("sendMessage", "error")); got != 1 {
		t.Errorf("Expected 1 failed call, got %v", got)
	}

	ObserveSession("claude", "success", 3*time.Second)
	if got := testutil.ToFloat64(SessionsTotal.WithLabelValues("claude", "success")); got != 1 {
		t.Errorf("Expected 1 finished session, got %v", got)
	}
}
