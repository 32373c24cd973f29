// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trigger starts repository analysis on the external build service.
//
// Two execution shapes coexist. FireAndForget issues the build request in
// the background with a short deadline and only ever logs the outcome;
// callers return to the user immediately. The Supervisor issues the same
// request with a long deadline and then watches the graph store until the
// graph appears or the polling budget runs out, clearing the build lock a
// grace delay after the routine ends.
//
// Neither shape surfaces build-service failures to its caller. A failed
// trigger is indistinguishable from a slow build; the downstream flow
// already handles both.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrTriggerRejected is returned when the build service answers non-2xx.
	ErrTriggerRejected = errors.New("build service rejected the trigger")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures build triggering and supervision.
type Config struct {
	// Endpoint is the build service URL (e.g., "http://builder:9100/v1/builds").
	Endpoint string

	// RequestTimeout bounds the fire-and-forget build request.
	// Default: 5s
	RequestTimeout time.Duration

	// SupervisedRequestTimeout bounds the build request under supervision,
	// where the build service may answer only once analysis finishes.
	// Default: 10m
	SupervisedRequestTimeout time.Duration

	// PollInterval is how often supervision checks the store for the graph.
	// Default: 30s
	PollInterval time.Duration

	// MaxPollAttempts is the polling budget per supervised run.
	// Default: 15
	MaxPollAttempts int

	// GraceDelay is how long after a supervised run ends before its lock
	// is cleared. Slow store writes get this window to settle.
	// Default: 2m
	GraceDelay time.Duration

	// MinDispatchInterval is the minimum spacing between outbound build
	// requests across all callers.
	// Default: 1s
	MinDispatchInterval time.Duration

	// DispatchBurst is how many requests may go out back-to-back before
	// MinDispatchInterval applies.
	// Default: 3
	DispatchBurst int
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:           5 * time.Second,
		SupervisedRequestTimeout: 10 * time.Minute,
		PollInterval:             30 * time.Second,
		MaxPollAttempts:          15,
		GraceDelay:               2 * time.Minute,
		MinDispatchInterval:      time.Second,
		DispatchBurst:            3,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.SupervisedRequestTimeout == 0 {
		c.SupervisedRequestTimeout = defaults.SupervisedRequestTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.MaxPollAttempts == 0 {
		c.MaxPollAttempts = defaults.MaxPollAttempts
	}
	if c.GraceDelay == 0 {
		c.GraceDelay = defaults.GraceDelay
	}
	if c.MinDispatchInterval == 0 {
		c.MinDispatchInterval = defaults.MinDispatchInterval
	}
	if c.DispatchBurst == 0 {
		c.DispatchBurst = defaults.DispatchBurst
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint must not be empty")
	}
	parsed, err := url.Parse(c.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("endpoint %q must include scheme and host", c.Endpoint)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.MaxPollAttempts < 1 {
		return errors.New("max_poll_attempts must be at least 1")
	}
	if c.GraceDelay < 0 {
		return errors.New("grace_delay must be non-negative")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Trigger
// -----------------------------------------------------------------------------

// HTTPClient abstracts the HTTP transport so tests can inject failures.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// BuildRequest identifies a repository to analyze.
type BuildRequest struct {
	// RepoURL is the clone URL of the repository.
	RepoURL string

	// Ignore lists path patterns excluded from analysis.
	Ignore []string
}

// buildPayload is the wire format of the build service request.
type buildPayload struct {
	RepoURL string   `json:"repo_url"`
	Ignore  []string `json:"ignore"`
}

// Trigger issues build requests to the external analysis service.
//
// Thread Safety: Safe for concurrent use.
type Trigger struct {
	config  Config
	client  HTTPClient
	token   *memguard.Enclave
	limiter *rate.Limiter
}

// Option customizes a Trigger.
type Option func(*Trigger)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client HTTPClient) Option {
	return func(t *Trigger) {
		t.client = client
	}
}

// WithToken sets the bearer token presented to the build service.
// The enclave keeps the token encrypted at rest between requests.
func WithToken(token *memguard.Enclave) Option {
	return func(t *Trigger) {
		t.token = token
	}
}

// New creates a trigger for the configured build service.
//
// Inputs:
//
//	config - Trigger configuration. Endpoint is required.
//	opts - Optional HTTP client and bearer token.
//
// Outputs:
//
//	*Trigger - Ready-to-use trigger.
//	error - Non-nil if the configuration is invalid.
func New(config Config, opts ...Option) (*Trigger, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	t := &Trigger{
		config:  config,
		client:  &http.Client{Timeout: config.SupervisedRequestTimeout},
		limiter: rate.NewLimiter(rate.Every(config.MinDispatchInterval), config.DispatchBurst),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// FireAndForget dispatches a build request in the background.
//
// Description:
//
//	Returns immediately with a dispatch ID for log correlation. The
//	request runs in its own goroutine under RequestTimeout; success and
//	failure are logged and never surfaced. The caller must have armed
//	the registry lock already; this path does not touch locks.
//
// Inputs:
//
//	req - Repository to analyze.
//
// Outputs:
//
//	string - Dispatch ID stamped on the background request's log lines.
//
// Thread Safety: Safe for concurrent use.
func (t *Trigger) FireAndForget(req BuildRequest) string {
	dispatchID := uuid.NewString()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.config.RequestTimeout)
		defer cancel()

		if err := t.post(ctx, req); err != nil {
			slog.Warn("build trigger failed",
				slog.String("dispatch_id", dispatchID),
				slog.String("repo_url", req.RepoURL),
				slog.String("error", err.Error()))
			return
		}
		slog.Info("build trigger accepted",
			slog.String("dispatch_id", dispatchID),
			slog.String("repo_url", req.RepoURL))
	}()

	return dispatchID
}

// post sends one build request, respecting the dispatch rate limit.
func (t *Trigger) post(ctx context.Context, req BuildRequest) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	ignore := req.Ignore
	if ignore == nil {
		ignore = []string{}
	}
	payload, err := json.Marshal(buildPayload{RepoURL: req.RepoURL, Ignore: ignore})
	if err != nil {
		return fmt.Errorf("marshal build request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := t.setAuth(httpReq); err != nil {
		return err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send build request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrTriggerRejected, resp.StatusCode)
	}
	return nil
}

// setAuth attaches the bearer token, opening the enclave only for the
// lifetime of the call.
func (t *Trigger) setAuth(req *http.Request) error {
	if t.token == nil {
		return nil
	}
	buf, err := t.token.Open()
	if err != nil {
		return fmt.Errorf("open token enclave: %w", err)
	}
	defer buf.Destroy()
	req.Header.Set("Authorization", "Bearer "+buf.String())
	return nil
}
