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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// progressStreamInterval is how often the stream re-reads and pushes
// build progress. Phase transitions happen on minute granularity, so a
// few seconds is more than enough.
const progressStreamInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleProgressStream handles GET /v1/usage/progress/stream.
//
// Description:
//
//	Upgrades to a WebSocket and pushes ProgressResponse frames until
//	the build completes, the client hangs up, or a write fails. The
//	current view is sent immediately on connect, and the final frame
//	(InProgress=false) is always delivered before the stream closes.
//
// Query Parameters:
//
//	owner: Repository owner. Required.
//	repo: Repository name. Required.
func (h *Handlers) HandleProgressStream(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleProgressStream")

	var req ProgressRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "owner and repo query parameters are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	logger.Info("Progress stream connected", "owner", req.Owner, "repo", req.Repo)

	// Reads only detect the client hanging up.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(progressStreamInterval)
	defer ticker.Stop()

	for {
		resp := h.svc.Progress(req.Owner, req.Repo)
		if err := sendJSON(ws, resp); err != nil {
			return
		}
		if !resp.Progress.InProgress {
			logger.Info("Progress stream complete", "repository", resp.Repository)
			return
		}

		select {
		case <-ticker.C:
		case <-clientGone:
			logger.Info("Progress stream client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
