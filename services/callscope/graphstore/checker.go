// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphstore

import (
	"context"
	"log/slog"
)

// AvailabilityChecker answers whether a call graph is present in the store.
//
// Every failure mode reads as absence. Callers branch on a bool and never
// handle store errors; a flaky store looks like a missing graph, which the
// calling flow already knows how to handle.
//
// Thread Safety: Safe for concurrent use.
type AvailabilityChecker struct {
	store Store
}

// NewAvailabilityChecker creates a checker backed by the given store.
func NewAvailabilityChecker(store Store) *AvailabilityChecker {
	return &AvailabilityChecker{store: store}
}

// Exists reports whether the named graph is present in the store.
//
// Description:
//
//	Opens a scoped session, enumerates graph names, and releases the
//	session before returning. The session is released on every path,
//	including enumeration failure.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	graphName - Class name of the graph, from GraphNameForRepo.
//
// Outputs:
//
//	bool - True only when the graph was positively observed.
func (c *AvailabilityChecker) Exists(ctx context.Context, graphName string) bool {
	session, err := c.store.Connect(ctx)
	if err != nil {
		slog.Debug("availability check could not connect",
			slog.String("graph", graphName),
			slog.String("error", err.Error()))
		return false
	}
	defer session.Close()

	names, err := session.ListGraphNames(ctx)
	if err != nil {
		slog.Debug("availability check could not enumerate graphs",
			slog.String("graph", graphName),
			slog.String("error", err.Error()))
		return false
	}

	for _, name := range names {
		if name == graphName {
			return true
		}
	}
	return false
}
