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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ServiceVersion is the CallScope service version.
const ServiceVersion = "0.1.0"

// Handlers contains the HTTP handlers for CallScope.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleFindUsage handles POST /v1/usage/find.
//
// Description:
//
//	Finds call sites of a function in a repository's call graph and
//	returns them with rendered source snippets. When the graph does not
//	exist yet, the response reports build progress or starts a build
//	instead; those outcomes are 200s distinguished by the State field.
//
// Request Body:
//
//	UsageRequest
//
// Response:
//
//	200 OK: UsageResponse
//	400 Bad Request: Validation error
func (h *Handlers) HandleFindUsage(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleFindUsage")

	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	logger.Info("Finding usage examples",
		"owner", req.Owner,
		"repo", req.Repo,
		"function", req.Function)

	resp, err := h.svc.FindUsageExamples(c.Request.Context(), req)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "LOOKUP_FAILED"

		if errors.Is(err, ErrBlankIdentity) {
			statusCode = http.StatusBadRequest
			errCode = "BLANK_IDENTITY"
		} else if errors.Is(err, ErrBlankFunction) {
			statusCode = http.StatusBadRequest
			errCode = "BLANK_FUNCTION"
		}

		logger.Warn("Usage lookup rejected", "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("Usage lookup complete",
		"state", resp.State,
		"examples", len(resp.Examples))

	c.JSON(http.StatusOK, resp)
}

// HandleProgress handles GET /v1/usage/progress.
//
// Description:
//
//	Reports the derived progress of a repository's graph build. A
//	repository with no live build record reports complete.
//
// Query Parameters:
//
//	owner: Repository owner. Required.
//	repo: Repository name. Required.
//
// Response:
//
//	200 OK: ProgressResponse
//	400 Bad Request: Missing owner or repo
func (h *Handlers) HandleProgress(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleProgress")

	var req ProgressRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "owner and repo query parameters are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	resp := h.svc.Progress(req.Owner, req.Repo)

	logger.Info("Reported build progress",
		"repository", resp.Repository,
		"in_progress", resp.Progress.InProgress,
		"phase", resp.Progress.Phase)

	c.JSON(http.StatusOK, resp)
}

// HandleLocks handles GET /v1/usage/locks.
//
// Description:
//
//	Enumerates live build records. Intended for operators diagnosing
//	stuck or repeated builds.
//
// Response:
//
//	200 OK: LocksResponse
func (h *Handlers) HandleLocks(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleLocks")

	resp := h.svc.Locks()

	logger.Info("Enumerated build locks", "count", resp.Count)

	c.JSON(http.StatusOK, resp)
}

// HandleTriggerBuild handles POST /v1/usage/builds.
//
// Description:
//
//	Arms the build lock for a repository and dispatches an analysis
//	request without waiting for the outcome. Progress is immediately
//	visible through GET /v1/usage/progress.
//
// Request Body:
//
//	BuildRequest
//
// Response:
//
//	202 Accepted: BuildResponse
//	400 Bad Request: Validation error
func (h *Handlers) HandleTriggerBuild(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTriggerBuild")

	var req BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	resp, err := h.svc.TriggerBuild(req.Owner, req.Repo)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "BUILD_FAILED"

		if errors.Is(err, ErrBlankIdentity) {
			statusCode = http.StatusBadRequest
			errCode = "BLANK_IDENTITY"
		}

		logger.Warn("Build dispatch rejected", "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("Build dispatched",
		"repository", resp.Repository,
		"dispatch_id", resp.DispatchID)

	c.JSON(http.StatusAccepted, resp)
}

// HandleHealth handles GET /v1/usage/health.
//
// Description:
//
//	Returns the health status of the service. Always returns 200 if running.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/usage/ready.
//
// Description:
//
//	Returns the readiness status of the service. Probes the graph store
//	with a scoped session and returns 503 Service Unavailable when it
//	cannot be reached.
//
// Response:
//
//	200 OK: ReadyResponse (Ready=true) - Store reachable
//	503 Service Unavailable: ReadyResponse (Ready=false) - Store unreachable
func (h *Handlers) HandleReady(c *gin.Context) {
	ready, reason := h.svc.Ready(c.Request.Context())

	resp := ReadyResponse{
		Ready:  ready,
		Reason: reason,
	}

	if !ready {
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
