// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default enrichment bounds.
const (
	// DefaultFetchTimeout caps one file fetch, including any cache
	// lookup and the host round trip.
	DefaultFetchTimeout = 5 * time.Second

	// DefaultContextRadius is the number of context lines rendered
	// above and below the call site.
	DefaultContextRadius = 5
)

// UnavailableNote is the phrase stamped on degraded snippets. Clients
// key off it; keep it stable.
const UnavailableNote = "content temporarily unavailable"

// ContentCache is the warm cache consulted before the source host.
// Implementations swallow their own failures: a broken cache behaves
// like an empty one.
type ContentCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, content string)
}

// Config tunes Enricher behavior. Zero values take defaults.
type Config struct {
	// FetchTimeout bounds one FetchSnippet call. Default: 5s.
	FetchTimeout time.Duration

	// ContextRadius is the snippet window half-height. Default: 5.
	ContextRadius int
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.ContextRadius == 0 {
		c.ContextRadius = DefaultContextRadius
	}
}

// SnippetRequest identifies one call site to render.
type SnippetRequest struct {
	// Owner and Repo identify the repository on the source host.
	Owner string
	Repo  string

	// Ref is the branch or commit to read from.
	Ref string

	// Path is the repo-relative path of the caller's file.
	Path string

	// Line is the 1-based call-site line.
	Line int

	// CallerName is the function containing the call site.
	CallerName string

	// SearchedFunction is the function whose usages are being shown.
	// Only used in the degraded placeholder text.
	SearchedFunction string
}

// Enricher fetches one file per call site and renders the marked window
// around the call. Every failure mode degrades to a deterministic
// placeholder; FetchSnippet never returns an error.
//
// Thread Safety: safe for concurrent use.
type Enricher struct {
	host   SourceHost
	cache  ContentCache
	config Config
}

// NewEnricher creates an Enricher. cache may be nil to disable the warm
// cache.
func NewEnricher(host SourceHost, cache ContentCache, config Config) *Enricher {
	config.ApplyDefaults()
	return &Enricher{
		host:   host,
		cache:  cache,
		config: config,
	}
}

// FetchSnippet renders the snippet for one call site.
//
// # Description
//
// Bounds the whole lookup with the configured fetch timeout, consults
// the warm cache, falls through to the source host, and renders the
// marked window on success. On any failure (timeout, missing file,
// unreachable host) it returns the placeholder identifying the caller,
// file, line, and searched function instead. The caller always receives
// renderable text.
func (e *Enricher) FetchSnippet(ctx context.Context, req SnippetRequest) string {
	ctx, cancel := context.WithTimeout(ctx, e.config.FetchTimeout)
	defer cancel()

	content, err := e.lookupContent(ctx, req)
	if err != nil {
		slog.Warn("snippet fetch degraded to placeholder",
			"repo", req.Owner+"/"+req.Repo,
			"path", req.Path,
			"line", req.Line,
			"error", err)
		return FallbackText(req)
	}

	return RenderSnippet(content, req.Line, e.config.ContextRadius)
}

// lookupContent returns the file text from cache or host.
func (e *Enricher) lookupContent(ctx context.Context, req SnippetRequest) (string, error) {
	key := cacheKey(req)
	if e.cache != nil {
		if content, ok := e.cache.Get(ctx, key); ok {
			return content, nil
		}
	}

	content, err := e.host.FetchFile(ctx, req.Owner, req.Repo, req.Ref, req.Path)
	if err != nil {
		return "", err
	}

	if e.cache != nil {
		e.cache.Set(ctx, key, content)
	}
	return content, nil
}

// FallbackText is the deterministic placeholder for a call site whose
// file could not be fetched in time.
func FallbackText(req SnippetRequest) string {
	return fmt.Sprintf("%s calls %s at %s line %d (%s)",
		req.CallerName, req.SearchedFunction, req.Path, req.Line, UnavailableNote)
}

// cacheKey builds the warm-cache key for a file at a ref.
func cacheKey(req SnippetRequest) string {
	return fmt.Sprintf("%s/%s@%s:%s", req.Owner, req.Repo, req.Ref, req.Path)
}
