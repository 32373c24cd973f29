// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturedRequest is what the fake build service saw.
type capturedRequest struct {
	auth        string
	contentType string
	payload     buildPayload
}

// buildServiceStub records incoming trigger requests.
func buildServiceStub(t *testing.T, status int) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	seen := make(chan capturedRequest, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload buildPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode trigger payload: %v", err)
		}
		seen <- capturedRequest{
			auth:        r.Header.Get("Authorization"),
			contentType: r.Header.Get("Content-Type"),
			payload:     payload,
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func fastConfig(endpoint string) Config {
	return Config{
		Endpoint:                 endpoint,
		RequestTimeout:           time.Second,
		SupervisedRequestTimeout: time.Second,
		PollInterval:             5 * time.Millisecond,
		MaxPollAttempts:          3,
		GraceDelay:               10 * time.Millisecond,
		MinDispatchInterval:      time.Millisecond,
		DispatchBurst:            10,
	}
}

func waitForRequest(t *testing.T, seen chan capturedRequest) capturedRequest {
	t.Helper()
	select {
	case req := <-seen:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("build service never received the trigger request")
		return capturedRequest{}
	}
}

// -----------------------------------------------------------------------------
// FireAndForget Tests
// -----------------------------------------------------------------------------

func TestFireAndForget_PostsPayload(t *testing.T) {
	srv, seen := buildServiceStub(t, http.StatusAccepted)

	tr, err := New(fastConfig(srv.URL), WithToken(memguard.NewEnclave([]byte("tok-456"))))
	require.NoError(t, err)

	dispatchID := tr.FireAndForget(BuildRequest{
		RepoURL: "https://github.com/acme/widgets",
		Ignore:  []string{"vendor/", "testdata/"},
	})
	assert.NotEmpty(t, dispatchID)

	req := waitForRequest(t, seen)
	assert.Equal(t, "Bearer tok-456", req.auth)
	assert.Equal(t, "application/json", req.contentType)
	assert.Equal(t, "https://github.com/acme/widgets", req.payload.RepoURL)
	assert.Equal(t, []string{"vendor/", "testdata/"}, req.payload.Ignore)
}

func TestFireAndForget_EmptyIgnoreIsAList(t *testing.T) {
	srv, seen := buildServiceStub(t, http.StatusOK)

	tr, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	tr.FireAndForget(BuildRequest{RepoURL: "https://github.com/acme/widgets"})

	req := waitForRequest(t, seen)
	assert.NotNil(t, req.payload.Ignore)
	assert.Empty(t, req.payload.Ignore)
	assert.Empty(t, req.auth, "no token configured, no auth header")
}

func TestFireAndForget_RejectionIsSwallowed(t *testing.T) {
	srv, seen := buildServiceStub(t, http.StatusInternalServerError)

	tr, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	// A rejected trigger must not reach the caller in any form.
	dispatchID := tr.FireAndForget(BuildRequest{RepoURL: "https://github.com/acme/widgets"})
	assert.NotEmpty(t, dispatchID)
	waitForRequest(t, seen)
}

// -----------------------------------------------------------------------------
// Supervisor Tests
// -----------------------------------------------------------------------------

// scriptedChecker reports existence after a set number of calls.
type scriptedChecker struct {
	mu         sync.Mutex
	calls      int
	trueOnCall int // 0 means never
}

func (c *scriptedChecker) Exists(ctx context.Context, graphName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.trueOnCall > 0 && c.calls >= c.trueOnCall
}

func (c *scriptedChecker) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// lockRecorder records SetLock transitions in order.
type lockRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (l *lockRecorder) SetLock(key string, active bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, active)
	return active
}

func (l *lockRecorder) recorded() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bool, len(l.events))
	copy(out, l.events)
	return out
}

func TestSupervisor_Run_StopsOnceObserved(t *testing.T) {
	srv, _ := buildServiceStub(t, http.StatusAccepted)
	tr, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	checker := &scriptedChecker{trueOnCall: 2}
	locks := &lockRecorder{}
	sup := NewSupervisor(tr, checker, locks)

	outcome := sup.Run(context.Background(), BuildRequest{RepoURL: "https://github.com/acme/widgets"},
		"CallEdge_abc", "acme/widgets")

	assert.Equal(t, OutcomeObserved, outcome)
	assert.Equal(t, 2, checker.callCount(), "polling must stop once the graph is observed")
	assert.Equal(t, []bool{true, false}, locks.recorded(), "lock armed, then cleared")
}

func TestSupervisor_Run_BudgetExhausted(t *testing.T) {
	srv, _ := buildServiceStub(t, http.StatusAccepted)
	tr, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	checker := &scriptedChecker{} // never true
	locks := &lockRecorder{}
	sup := NewSupervisor(tr, checker, locks)

	outcome := sup.Run(context.Background(), BuildRequest{RepoURL: "https://github.com/acme/widgets"},
		"CallEdge_abc", "acme/widgets")

	assert.Equal(t, OutcomeUnknown, outcome)
	assert.Equal(t, 3, checker.callCount(), "each budgeted attempt polls once")
	assert.Equal(t, []bool{true, false}, locks.recorded())
}

func TestSupervisor_Run_RequestFailureStillWatches(t *testing.T) {
	cfg := fastConfig("http://127.0.0.1:1/unreachable")
	tr, err := New(cfg)
	require.NoError(t, err)

	checker := &scriptedChecker{trueOnCall: 1}
	locks := &lockRecorder{}
	sup := NewSupervisor(tr, checker, locks)

	outcome := sup.Run(context.Background(), BuildRequest{RepoURL: "https://github.com/acme/widgets"},
		"CallEdge_abc", "acme/widgets")

	// The build service was unreachable, but the graph appeared anyway.
	assert.Equal(t, OutcomeObserved, outcome)
	assert.Equal(t, []bool{true, false}, locks.recorded())
}

func TestSupervisor_Run_ClearsLockOnCancel(t *testing.T) {
	srv, _ := buildServiceStub(t, http.StatusAccepted)
	cfg := fastConfig(srv.URL)
	cfg.MaxPollAttempts = 50
	tr, err := New(cfg)
	require.NoError(t, err)

	checker := &scriptedChecker{} // never true
	locks := &lockRecorder{}
	sup := NewSupervisor(tr, checker, locks)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	outcome := sup.Run(ctx, BuildRequest{RepoURL: "https://github.com/acme/widgets"},
		"CallEdge_abc", "acme/widgets")

	assert.Equal(t, OutcomeUnknown, outcome)
	assert.Equal(t, []bool{true, false}, locks.recorded(), "cancellation must not skip the lock clear")
}

func TestSupervisor_Run_GraceDelaysClear(t *testing.T) {
	srv, _ := buildServiceStub(t, http.StatusAccepted)
	cfg := fastConfig(srv.URL)
	cfg.GraceDelay = 80 * time.Millisecond
	tr, err := New(cfg)
	require.NoError(t, err)

	checker := &scriptedChecker{trueOnCall: 1}
	locks := &lockRecorder{}
	sup := NewSupervisor(tr, checker, locks)

	start := time.Now()
	sup.Run(context.Background(), BuildRequest{RepoURL: "https://github.com/acme/widgets"},
		"CallEdge_abc", "acme/widgets")
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, cfg.GraceDelay, "clear must wait out the grace delay")
	assert.Equal(t, []bool{true, false}, locks.recorded())
}

// -----------------------------------------------------------------------------
// Config Tests
// -----------------------------------------------------------------------------

func TestConfig_Validate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Endpoint = "http://builder:9100/v1/builds"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing endpoint", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "endpoint")
	})

	t.Run("endpoint without scheme", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Endpoint = "builder:9100"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero poll attempts", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Endpoint = "http://builder:9100/v1/builds"
		cfg.MaxPollAttempts = -1
		assert.Error(t, cfg.Validate())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 10*time.Minute, cfg.SupervisedRequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 15, cfg.MaxPollAttempts)
	assert.Equal(t, 2*time.Minute, cfg.GraceDelay)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "observed", OutcomeObserved.String())
	assert.Equal(t, "unknown", OutcomeUnknown.String())
	assert.Equal(t, "invalid", Outcome(99).String())
}

func TestPost_Rejection(t *testing.T) {
	srv, seen := buildServiceStub(t, http.StatusForbidden)
	tr, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	err = tr.post(context.Background(), BuildRequest{RepoURL: "https://github.com/acme/widgets"})
	assert.True(t, errors.Is(err, ErrTriggerRejected))
	waitForRequest(t, seen)
}
