// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks in-flight call-graph builds per repository.
//
// The registry is the single source of truth for "is a build running for
// this repository and how old is it". State is process-local and
// deliberately ephemeral: after a restart every mid-flight build is
// forgotten and the graph store remains authoritative.
package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Registry is a process-wide map from repository key ("owner/repo") to
// build-state record. All mutation goes through its methods; callers
// never touch the map directly.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A single mutex guards the map;
// records are independent per key, so no broader transaction is needed.
type Registry struct {
	mu      sync.Mutex
	records map[string]Record
	config  Config

	// now is time.Now outside of tests.
	now func() time.Time
}

// New creates a Registry with default staleness thresholds.
func New() *Registry {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a Registry with the given thresholds. Zero
// fields take defaults; an invalid config falls back to defaults
// entirely rather than failing, since every caller needs a registry.
func NewWithConfig(config Config) *Registry {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		slog.Warn("invalid registry config, using defaults", "error", err)
		config = Config{}
		config.ApplyDefaults()
	}
	return &Registry{
		records: make(map[string]Record),
		config:  config,
		now:     time.Now,
	}
}

// SetLock arms or clears the build marker for a repository key.
//
// # Description
//
// With active=true, inserts a record with phase initializing, preserving
// StartedAt when the key already holds a live record (re-arming does not
// reset the clock). With active=false, deletes the record. Idempotent in
// both directions; there are no error conditions.
//
// # Outputs
//
//   - bool: true when this call transitioned the key from absent to
//     present. Callers that want compare-and-set semantics for the
//     "should I start a build" decision can branch on it; the query path
//     intentionally does not (see the orchestrator notes on the accepted
//     duplicate-trigger race).
func (r *Registry) SetLock(key string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !active {
		delete(r.records, key)
		return false
	}

	if existing, ok := r.records[key]; ok {
		// Re-arm: keep the original start time.
		existing.Phase = PhaseInitializing
		r.records[key] = existing
		return false
	}

	r.records[key] = Record{
		StartedAt: r.now(),
		Phase:     PhaseInitializing,
	}
	return true
}

// GetProgress derives the display view for a repository key.
//
// # Description
//
// A missing record, or one older than the hard expiry threshold, yields
// the not-in-progress view; expired records are evicted as a side effect
// (reads are allowed to mutate for cleanup). Live records report elapsed
// minutes and a phase-derived remaining-time string: under the midpoint
// the build is "analyzing_repository" with an early estimate, past it
// "completing_analysis" with a should-complete-soon estimate.
func (r *Registry) GetProgress(key string) ProgressView {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[key]
	if !ok {
		return ProgressView{InProgress: false, Phase: PhaseComplete.String()}
	}

	age := r.now().Sub(record.StartedAt)
	if age > r.config.HardExpiryThreshold {
		delete(r.records, key)
		slog.Info("evicted expired build record",
			"repo", key,
			"age_minutes", int(age.Minutes()))
		return ProgressView{InProgress: false, Phase: PhaseComplete.String()}
	}

	view := ProgressView{
		InProgress:     true,
		ElapsedMinutes: int(age.Minutes()),
	}
	if age < phaseMidpoint {
		view.Phase = PhaseAnalyzing.String()
		view.EstimatedRemaining = estimateEarly
	} else {
		view.Phase = PhaseCompleting.String()
		view.EstimatedRemaining = estimateLate
	}
	return view
}

// ClearStaleLock deletes the record for key when it is older than the
// soft staleness threshold; younger records and absent keys are left
// untouched.
//
// Callers run this before deciding whether to start a build, so a record
// past the soft threshold never vetoes fresh work. This cutoff is
// stricter than the hard expiry used by GetProgress; both are honored.
func (r *Registry) ClearStaleLock(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[key]
	if !ok {
		return
	}
	if age := r.now().Sub(record.StartedAt); age > r.config.SoftStaleThreshold {
		delete(r.records, key)
		slog.Info("cleared stale build lock",
			"repo", key,
			"age_minutes", int(age.Minutes()))
	}
}

// Snapshot returns a copy of the raw mapping for diagnostics. Mutating
// the returned map has no effect on the registry.
func (r *Registry) Snapshot() map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Record, len(r.records))
	for k, v := range r.records {
		out[k] = v
	}
	return out
}

// Len reports the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
