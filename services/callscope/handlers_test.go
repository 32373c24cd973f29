// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package callscope

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/CallScope/services/callscope/registry"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(svc *Service) *gin.Engine {
	router := gin.New()
	handlers := NewHandlers(svc)
	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	return router
}

func TestHandlers_HandleHealth(t *testing.T) {
	f := newUsageFixture(DefaultServiceConfig(), registry.New())
	router := setupTestRouter(f.svc)

	req, _ := http.NewRequest("GET", "/v1/usage/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", resp.Status)
	}

	if resp.Version != ServiceVersion {
		t.Errorf("expected version %q, got %q", ServiceVersion, resp.Version)
	}
}

func TestHandlers_HandleReady(t *testing.T) {
	t.Run("store reachable", func(t *testing.T) {
		f := newUsageFixture(DefaultServiceConfig(), registry.New())
		router := setupTestRouter(f.svc)

		req, _ := http.NewRequest("GET", "/v1/usage/ready", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var resp ReadyResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}

		if !resp.Ready {
			t.Error("expected Ready=true")
		}
	})

	t.Run("store unreachable", func(t *testing.T) {
		f := newUsageFixture(DefaultServiceConfig(), registry.New())
		f.store.connectErr = errors.New("dial refused")
		router := setupTestRouter(f.svc)

		req, _ := http.NewRequest("GET", "/v1/usage/ready", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
		}

		if got := w.Header().Get("Retry-After"); got != "30" {
			t.Errorf("expected Retry-After 30, got %q", got)
		}

		var resp ReadyResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}

		if resp.Ready {
			t.Error("expected Ready=false")
		}
	})
}

func TestHandlers_HandleFindUsage_InvalidRequest(t *testing.T) {
	f := newUsageFixture(DefaultServiceConfig(), registry.New())
	router := setupTestRouter(f.svc)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "empty body",
			body:       "{}",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "missing identity",
			body:       `{"function": "ParseConfig"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BLANK_IDENTITY",
		},
		{
			name:       "whitespace function",
			body:       `{"owner": "acme", "repo": "widgets", "function": "   "}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BLANK_FUNCTION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "/v1/usage/find",
				bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}

			var errResp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}

			if errResp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, errResp.Code)
			}
		})
	}
}

func TestHandlers_HandleFindUsage_Found(t *testing.T) {
	f := newUsageFixture(DefaultServiceConfig(), registry.New())
	f.checker.exists = true
	f.store.sites = twoCallSites()
	router := setupTestRouter(f.svc)

	body := `{"owner": "acme", "repo": "widgets", "function": "ParseConfig"}`
	req, _ := http.NewRequest("POST", "/v1/usage/find", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "test-req-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if got := w.Header().Get("X-Request-ID"); got != "test-req-1" {
		t.Errorf("expected request ID echoed, got %q", got)
	}

	var resp UsageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.State != StateFound {
		t.Errorf("expected state %q, got %q", StateFound, resp.State)
	}
	if len(resp.Examples) != 2 {
		t.Errorf("expected 2 examples, got %d", len(resp.Examples))
	}
}

func TestHandlers_HandleFindUsage_MissingGraphIsStillOK(t *testing.T) {
	f := newUsageFixture(DefaultServiceConfig(), registry.New())
	f.checker.exists = false
	router := setupTestRouter(f.svc)

	body := `{"owner": "acme", "repo": "widgets", "function": "ParseConfig"}`
	req, _ := http.NewRequest("POST", "/v1/usage/find", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// A missing graph is a normal outcome, not an HTTP failure.
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp UsageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.State != StateBuildStarted {
		t.Errorf("expected state %q, got %q", StateBuildStarted, resp.State)
	}
}

func TestHandlers_HandleProgress(t *testing.T) {
	t.Run("missing params", func(t *testing.T) {
		f := newUsageFixture(DefaultServiceConfig(), registry.New())
		router := setupTestRouter(f.svc)

		req, _ := http.NewRequest("GET", "/v1/usage/progress", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("reports normalized key", func(t *testing.T) {
		f := newUsageFixture(DefaultServiceConfig(), registry.New())
		f.locks.SetLock("acme/widgets", true)
		router := setupTestRouter(f.svc)

		req, _ := http.NewRequest("GET", "/v1/usage/progress?owner=Acme&repo=Widgets", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var resp ProgressResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}

		if resp.Repository != "acme/widgets" {
			t.Errorf("expected normalized key, got %q", resp.Repository)
		}
		if !resp.Progress.InProgress {
			t.Error("expected in-progress build")
		}
	})
}

func TestHandlers_HandleLocks(t *testing.T) {
	f := newUsageFixture(DefaultServiceConfig(), registry.New())
	f.locks.SetLock("acme/widgets", true)
	router := setupTestRouter(f.svc)

	req, _ := http.NewRequest("GET", "/v1/usage/locks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp LocksResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Count != 1 {
		t.Errorf("expected 1 lock, got %d", resp.Count)
	}
}

func TestHandlers_HandleTriggerBuild(t *testing.T) {
	t.Run("invalid body", func(t *testing.T) {
		f := newUsageFixture(DefaultServiceConfig(), registry.New())
		router := setupTestRouter(f.svc)

		req, _ := http.NewRequest("POST", "/v1/usage/builds", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("dispatch accepted", func(t *testing.T) {
		f := newUsageFixture(DefaultServiceConfig(), registry.New())
		router := setupTestRouter(f.svc)

		body := `{"owner": "acme", "repo": "widgets"}`
		req, _ := http.NewRequest("POST", "/v1/usage/builds", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusAccepted {
			t.Fatalf("expected status %d, got %d", http.StatusAccepted, w.Code)
		}

		var resp BuildResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}

		if resp.DispatchID == "" {
			t.Error("expected a dispatch ID")
		}
		if f.builder.dispatchCount() != 1 {
			t.Errorf("expected one dispatch, got %d", f.builder.dispatchCount())
		}
	})
}

func TestHandlers_HandleProgressStream(t *testing.T) {
	t.Run("missing params", func(t *testing.T) {
		f := newUsageFixture(DefaultServiceConfig(), registry.New())
		router := setupTestRouter(f.svc)

		req, _ := http.NewRequest("GET", "/v1/usage/progress/stream", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("completed build closes after final frame", func(t *testing.T) {
		f := newUsageFixture(DefaultServiceConfig(), registry.New())
		srv := httptest.NewServer(setupTestRouter(f.svc))
		defer srv.Close()

		url := "ws" + strings.TrimPrefix(srv.URL, "http") +
			"/v1/usage/progress/stream?owner=acme&repo=widgets"
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("failed to dial: %v", err)
		}
		defer ws.Close()

		var frame ProgressResponse
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("failed to read frame: %v", err)
		}
		if frame.Progress.InProgress {
			t.Error("expected final frame for idle repository")
		}

		// The server closes the stream after the final frame.
		if err := ws.ReadJSON(&frame); err == nil {
			t.Error("expected stream to close")
		}
	})

	t.Run("live build streams immediately", func(t *testing.T) {
		f := newUsageFixture(DefaultServiceConfig(), registry.New())
		f.locks.SetLock("acme/widgets", true)
		srv := httptest.NewServer(setupTestRouter(f.svc))
		defer srv.Close()

		url := "ws" + strings.TrimPrefix(srv.URL, "http") +
			"/v1/usage/progress/stream?owner=acme&repo=widgets"
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("failed to dial: %v", err)
		}
		defer ws.Close()

		var frame ProgressResponse
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("failed to read frame: %v", err)
		}
		if !frame.Progress.InProgress {
			t.Error("expected in-progress frame on connect")
		}
		if frame.Progress.Phase != "analyzing_repository" {
			t.Errorf("expected analyzing phase, got %q", frame.Progress.Phase)
		}
	})
}
