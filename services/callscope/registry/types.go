// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"fmt"
	"time"
)

// BuildPhase describes the coarse lifecycle stage of a repository analysis.
//
// The stored phase is always PhaseInitializing; the phase reported to
// callers is derived from elapsed time at read (see Registry.GetProgress).
type BuildPhase int

const (
	// PhaseInitializing means the build was just armed and the external
	// analysis request may not have been issued yet.
	PhaseInitializing BuildPhase = iota

	// PhaseAnalyzing means the external service is believed to be walking
	// the repository (elapsed under the midpoint threshold).
	PhaseAnalyzing

	// PhaseCompleting means the build has run long enough that it should
	// be writing final edges (elapsed past the midpoint threshold).
	PhaseCompleting

	// PhaseComplete means no build is in flight for the key.
	PhaseComplete
)

// String returns the snake_case name of the phase.
func (p BuildPhase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseAnalyzing:
		return "analyzing_repository"
	case PhaseCompleting:
		return "completing_analysis"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Record is one build-state entry, keyed by repository ("owner/repo").
//
// Presence in the registry means a build is believed in flight; there is
// no stored record with InProgress=false (clearing deletes the entry).
type Record struct {
	// StartedAt is when the build was first armed. Re-arming an active
	// key preserves this value.
	StartedAt time.Time `json:"started_at"`

	// Phase is the stored lifecycle stage (always PhaseInitializing for
	// live records; display phases are derived on read).
	Phase BuildPhase `json:"-"`
}

// ProgressView is the read-only projection of a Record for display.
// Computed on demand, never stored.
type ProgressView struct {
	// InProgress reports whether a live (non-expired) build exists.
	InProgress bool `json:"in_progress"`

	// ElapsedMinutes is the floor of the build age in minutes. Zero when
	// not in progress.
	ElapsedMinutes int `json:"elapsed_minutes"`

	// EstimatedRemaining is coarse human text ("5-10 minutes" or
	// "should complete soon"), not a real estimator. Empty when not in
	// progress.
	EstimatedRemaining string `json:"estimated_remaining,omitempty"`

	// Phase is the derived phase name for display.
	Phase string `json:"phase"`
}

// Default staleness thresholds. The two values are intentionally
// different policy knobs: the soft threshold bounds how long a record can
// veto starting fresh work, the hard threshold bounds how long a record
// can be reported as live at all. A false "still running" answer wastes
// minutes; a false "start again" answer wastes an entire build cycle.
const (
	// DefaultSoftStaleThreshold is the age past which ClearStaleLock
	// deletes a record.
	DefaultSoftStaleThreshold = 10 * time.Minute

	// DefaultHardExpiryThreshold is the age past which GetProgress evicts
	// a record and reports it complete.
	DefaultHardExpiryThreshold = 20 * time.Minute

	// phaseMidpoint is the elapsed time separating the analyzing and
	// completing display phases.
	phaseMidpoint = 10 * time.Minute
)

// Estimate strings surfaced through ProgressView.EstimatedRemaining.
const (
	estimateEarly = "5-10 minutes"
	estimateLate  = "should complete soon"
)

// Config tunes registry staleness policy. Zero values take the package
// defaults via ApplyDefaults.
type Config struct {
	// SoftStaleThreshold is the ClearStaleLock cutoff.
	SoftStaleThreshold time.Duration

	// HardExpiryThreshold is the GetProgress eviction cutoff.
	HardExpiryThreshold time.Duration
}

// ApplyDefaults fills zero fields with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.SoftStaleThreshold == 0 {
		c.SoftStaleThreshold = DefaultSoftStaleThreshold
	}
	if c.HardExpiryThreshold == 0 {
		c.HardExpiryThreshold = DefaultHardExpiryThreshold
	}
}

// Validate checks threshold ordering after defaults are applied.
func (c *Config) Validate() error {
	if c.SoftStaleThreshold < 0 || c.HardExpiryThreshold < 0 {
		return fmt.Errorf("thresholds must be non-negative: soft=%v hard=%v",
			c.SoftStaleThreshold, c.HardExpiryThreshold)
	}
	if c.HardExpiryThreshold < c.SoftStaleThreshold {
		return fmt.Errorf("hard expiry %v must not be below soft staleness %v",
			c.HardExpiryThreshold, c.SoftStaleThreshold)
	}
	return nil
}
