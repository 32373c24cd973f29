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
	"time"

	"github.com/AleutianAI/CallScope/services/callscope/registry"
)

// Response states returned in UsageResponse.State. Clients branch on
// these; Message is display text only.
const (
	// StateFound means callers were located and rendered.
	StateFound = "found"

	// StateNoCallers means the graph exists but records no call sites
	// for the function.
	StateNoCallers = "no_callers"

	// StateBuildInProgress means the graph is absent and a live build
	// record already covers the repository.
	StateBuildInProgress = "in_progress"

	// StateBuildStarted means the graph is absent and this request
	// dispatched a fresh analysis.
	StateBuildStarted = "analysis_started"

	// StateTimeout means the lookup exceeded the operation deadline.
	// No partial results are attached.
	StateTimeout = "timeout"
)

// UsageRequest is the request body for POST /v1/usage/find.
type UsageRequest struct {
	// Owner is the repository owner or organization. Required.
	Owner string `json:"owner"`

	// Repo is the repository name. Required.
	Repo string `json:"repo"`

	// Function is the function name to find call sites for. Required.
	Function string `json:"function" binding:"required"`

	// Limit is the maximum number of examples to return. Default: 10.
	Limit int `json:"limit"`
}

// CodeExample is one rendered call site.
type CodeExample struct {
	// CallerName is the function containing the call.
	CallerName string `json:"caller_name"`

	// Path is the caller's file path relative to the repository root.
	Path string `json:"path"`

	// Line is the 1-based line of the call.
	Line int `json:"line"`

	// Snippet is the rendered source window with the call line marked,
	// or the degraded placeholder when the source could not be read.
	Snippet string `json:"snippet"`
}

// UsageResponse is the response for POST /v1/usage/find.
type UsageResponse struct {
	// Function is the function that was searched.
	Function string `json:"function"`

	// State is the machine-readable outcome (see State* constants).
	State string `json:"state"`

	// Message is the human-readable summary of the outcome.
	Message string `json:"message"`

	// Examples holds the rendered call sites. Present only when State
	// is StateFound.
	Examples []CodeExample `json:"examples,omitempty"`
}

// ProgressRequest is the query params for GET /v1/usage/progress.
type ProgressRequest struct {
	// Owner is the repository owner or organization. Required.
	Owner string `form:"owner" binding:"required"`

	// Repo is the repository name. Required.
	Repo string `form:"repo" binding:"required"`
}

// ProgressResponse is the response for GET /v1/usage/progress.
type ProgressResponse struct {
	// Repository is the normalized "owner/repo" key.
	Repository string `json:"repository"`

	// Progress is the derived build progress for the repository.
	Progress registry.ProgressView `json:"progress"`
}

// LockInfo is one live build record, as reported by GET /v1/usage/locks.
type LockInfo struct {
	// Repository is the normalized "owner/repo" key.
	Repository string `json:"repository"`

	// StartedAt is when the build was first armed.
	StartedAt time.Time `json:"started_at"`

	// ElapsedMinutes is the floor of the build age in minutes.
	ElapsedMinutes int `json:"elapsed_minutes"`

	// Phase is the derived phase name for display.
	Phase string `json:"phase"`
}

// LocksResponse is the response for GET /v1/usage/locks.
type LocksResponse struct {
	// Count is the number of live build records.
	Count int `json:"count"`

	// Locks lists the live records, sorted by repository key.
	Locks []LockInfo `json:"locks"`
}

// BuildRequest is the request body for POST /v1/usage/builds.
type BuildRequest struct {
	// Owner is the repository owner or organization. Required.
	Owner string `json:"owner" binding:"required"`

	// Repo is the repository name. Required.
	Repo string `json:"repo" binding:"required"`
}

// BuildResponse is the response for POST /v1/usage/builds.
type BuildResponse struct {
	// Repository is the normalized "owner/repo" key.
	Repository string `json:"repository"`

	// DispatchID identifies the dispatch in logs.
	DispatchID string `json:"dispatch_id"`

	// State is StateBuildStarted.
	State string `json:"state"`

	// Message is the human-readable summary.
	Message string `json:"message"`
}

// HealthResponse is the response for GET /v1/usage/health.
type HealthResponse struct {
	// Status is "healthy" when the service is running.
	Status string `json:"status"`

	// Version is the service version.
	Version string `json:"version"`
}

// ReadyResponse is the response for GET /v1/usage/ready.
type ReadyResponse struct {
	// Ready indicates the graph store can be reached.
	Ready bool `json:"ready"`

	// Reason explains a false Ready value.
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`

	// Code is a machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details contains additional error context.
	Details string `json:"details,omitempty"`
}
