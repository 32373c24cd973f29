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
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal result of a supervised build run.
type Outcome int

const (
	// OutcomeObserved means the graph appeared in the store while polling.
	OutcomeObserved Outcome = iota
	// OutcomeUnknown means the polling budget ran out or supervision was
	// cancelled; the build may still land later.
	OutcomeUnknown
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeObserved:
		return "observed"
	case OutcomeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Checker reports whether a graph is present in the store.
type Checker interface {
	Exists(ctx context.Context, graphName string) bool
}

// LockControl arms and clears build records.
type LockControl interface {
	SetLock(key string, active bool) bool
}

// Supervisor runs a build to observed completion.
//
// Unlike FireAndForget, a supervised run owns the registry lock for its
// repository: it arms the lock before the build request and clears it a
// grace delay after the run ends, on every path.
//
// Thread Safety: Safe for concurrent use; runs for distinct repositories
// are independent.
type Supervisor struct {
	trigger *Trigger
	checker Checker
	locks   LockControl
}

// NewSupervisor creates a supervisor over the given trigger, store
// checker, and lock registry.
func NewSupervisor(trigger *Trigger, checker Checker, locks LockControl) *Supervisor {
	return &Supervisor{
		trigger: trigger,
		checker: checker,
		locks:   locks,
	}
}

// Run triggers a build and watches the store until the graph appears.
//
// Description:
//
//	Arms the build lock, issues the build request under the long deadline,
//	then polls the store on PollInterval up to MaxPollAttempts, stopping
//	as soon as the graph is observed. Build-request failures are logged
//	and downgrade the outcome; they never abort the watch, since the
//	build service may have accepted the work before failing to answer.
//
//	The lock is cleared GraceDelay after the routine ends, never
//	immediately, so slow-to-propagate store writes settle before a
//	later request could conclude no build ever happened. The clear runs
//	on every path, including cancellation.
//
// Inputs:
//
//	ctx - Context for cancellation. Cancellation ends polling early but
//	      still runs the deferred lock-clear.
//	req - Repository to analyze.
//	graphName - Class name whose appearance marks completion.
//	lockKey - Registry key for the repository.
//
// Outputs:
//
//	Outcome - OutcomeObserved when the graph appeared, else OutcomeUnknown.
//
// Thread Safety: Safe for concurrent use.
func (s *Supervisor) Run(ctx context.Context, req BuildRequest, graphName, lockKey string) Outcome {
	log := slog.With(
		slog.String("dispatch_id", uuid.NewString()),
		slog.String("lock_key", lockKey),
		slog.String("graph", graphName))

	s.locks.SetLock(lockKey, true)
	log.Info("supervised build started", slog.String("repo_url", req.RepoURL))

	defer func() {
		grace := time.NewTimer(s.trigger.config.GraceDelay)
		defer grace.Stop()
		<-grace.C
		s.locks.SetLock(lockKey, false)
		log.Info("build lock cleared after grace delay",
			slog.Duration("grace", s.trigger.config.GraceDelay))
	}()

	reqCtx, cancel := context.WithTimeout(ctx, s.trigger.config.SupervisedRequestTimeout)
	err := s.trigger.post(reqCtx, req)
	cancel()
	if err != nil {
		log.Warn("build request failed, watching store anyway",
			slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(s.trigger.config.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= s.trigger.config.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			log.Warn("supervision cancelled before graph appeared",
				slog.Int("attempt", attempt))
			return OutcomeUnknown
		case <-ticker.C:
		}

		if s.checker.Exists(ctx, graphName) {
			log.Info("graph appeared in store", slog.Int("attempt", attempt))
			return OutcomeObserved
		}
		log.Debug("graph not present yet",
			slog.Int("attempt", attempt),
			slog.Int("budget", s.trigger.config.MaxPollAttempts))
	}

	log.Warn("poll budget exhausted, build outcome unknown",
		slog.Int("attempts", s.trigger.config.MaxPollAttempts))
	return OutcomeUnknown
}
