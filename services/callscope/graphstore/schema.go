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
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate/entities/models"
)

// insertBatchSize is the number of call sites imported per batch.
const insertBatchSize = 100

// callGraphClass returns the Weaviate schema for one call graph class.
func callGraphClass(graphName string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       graphName,
		Description: "Call edges of one analyzed repository (one object per call site)",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:         "callerName",
				DataType:     []string{"text"},
				Description:  "Function containing the call",
				Tokenization: "field",
			},
			{
				Name:         "callerPath",
				DataType:     []string{"text"},
				Description:  "Repository-relative path of the caller's file",
				Tokenization: "field",
			},
			{
				Name:        "line",
				DataType:    []string{"int"},
				Description: "1-based line number of the call",
			},
			{
				Name:            "calleeName",
				DataType:        []string{"text"},
				Description:     "Function being called",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureSchema creates the class for a graph if it doesn't exist.
//
// Description:
//
//	Checks whether the graph's class exists in Weaviate and creates it
//	if not. This operation is idempotent.
//
// Inputs:
//
//	ctx - Context for cancellation
//	graphName - Class name of the graph, from GraphNameForRepo.
//
// Outputs:
//
//	error - Non-nil if schema creation fails
func (s *weaviateSession) EnsureSchema(ctx context.Context, graphName string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	// Check if class already exists
	_, err := s.client.Schema().ClassGetter().WithClassName(graphName).Do(ctx)
	if err == nil {
		slog.Debug("call graph schema already exists", slog.String("graph", graphName))
		return nil
	}

	slog.Info("creating call graph schema", slog.String("graph", graphName))
	if err := s.client.Schema().ClassCreator().WithClass(callGraphClass(graphName)).Do(ctx); err != nil {
		return fmt.Errorf("creating call graph schema: %w", err)
	}

	return nil
}

// InsertCallSites batch-imports call edges into a graph.
//
// Description:
//
//	Imports call sites in batches for efficiency. The graph's class must
//	already exist; use EnsureSchema first.
//
// Inputs:
//
//	ctx - Context for cancellation
//	graphName - Class name of the graph.
//	sites - Call sites to import.
//
// Outputs:
//
//	int - Number of call sites successfully imported
//	error - Non-nil if a batch import fails
func (s *weaviateSession) InsertCallSites(ctx context.Context, graphName string, sites []CallSite) (int, error) {
	if s.closed.Load() {
		return 0, ErrSessionClosed
	}
	if len(sites) == 0 {
		return 0, nil
	}

	inserted := 0
	for i := 0; i < len(sites); i += insertBatchSize {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}

		end := i + insertBatchSize
		if end > len(sites) {
			end = len(sites)
		}
		batch := sites[i:end]

		objects := make([]*models.Object, len(batch))
		for j, site := range batch {
			objects[j] = &models.Object{
				Class: graphName,
				Properties: map[string]interface{}{
					"callerName": site.CallerName,
					"callerPath": site.CallerPath,
					"line":       site.Line,
					"calleeName": site.CalleeName,
				},
			}
		}

		result, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return inserted, fmt.Errorf("batch import failed: %w", err)
		}

		for _, obj := range result {
			if obj.Result != nil && obj.Result.Errors == nil {
				inserted++
			}
		}
	}

	slog.Info("imported call sites",
		slog.String("graph", graphName),
		slog.Int("count", inserted))
	return inserted, nil
}
