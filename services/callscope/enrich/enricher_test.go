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
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeHost is a scriptable SourceHost for tests.
type fakeHost struct {
	mu      sync.Mutex
	content string
	err     error
	delay   time.Duration
	calls   int
}

func (f *fakeHost) FetchFile(ctx context.Context, owner, repo, ref, path string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.content, nil
}

func (f *fakeHost) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return "main", nil
}

func (f *fakeHost) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// mapCache is an in-memory ContentCache.
type mapCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapCache() *mapCache {
	return &mapCache{m: make(map[string]string)}
}

func (c *mapCache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *mapCache) Set(ctx context.Context, key, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = content
}

func testRequest() SnippetRequest {
	return SnippetRequest{
		Owner:            "acme",
		Repo:             "widgets",
		Ref:              "main",
		Path:             "pkg/server/handler.go",
		Line:             2,
		CallerName:       "HandleRequest",
		SearchedFunction: "ParseConfig",
	}
}

func TestFetchSnippet_Success(t *testing.T) {
	host := &fakeHost{content: "a\nb\nc\nd"}
	e := NewEnricher(host, nil, Config{ContextRadius: 1})

	out := e.FetchSnippet(context.Background(), testRequest())
	if !strings.Contains(out, ">>> 2: b") {
		t.Errorf("snippet missing marked target line, got:\n%s", out)
	}
	if strings.Contains(out, UnavailableNote) {
		t.Errorf("successful fetch must not degrade, got:\n%s", out)
	}
}

func TestFetchSnippet_HostErrorFallsBack(t *testing.T) {
	host := &fakeHost{err: ErrHostUnavailable}
	e := NewEnricher(host, nil, Config{})

	out := e.FetchSnippet(context.Background(), testRequest())
	if !strings.Contains(out, "content temporarily unavailable") {
		t.Errorf("expected placeholder, got: %q", out)
	}
	// Placeholder identifies caller, searched function, file, and line.
	for _, want := range []string{"HandleRequest", "ParseConfig", "pkg/server/handler.go", "line 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("placeholder missing %q, got: %q", want, out)
		}
	}
}

func TestFetchSnippet_TimeoutFallsBack(t *testing.T) {
	host := &fakeHost{content: "slow", delay: 500 * time.Millisecond}
	e := NewEnricher(host, nil, Config{FetchTimeout: 20 * time.Millisecond})

	start := time.Now()
	out := e.FetchSnippet(context.Background(), testRequest())
	elapsed := time.Since(start)

	if !strings.Contains(out, UnavailableNote) {
		t.Errorf("expected placeholder after timeout, got: %q", out)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("fetch did not respect its deadline, took %v", elapsed)
	}
}

func TestFetchSnippet_CacheHitSkipsHost(t *testing.T) {
	host := &fakeHost{content: "x\ny\nz"}
	cache := newMapCache()
	e := NewEnricher(host, cache, Config{ContextRadius: 1})

	req := testRequest()
	first := e.FetchSnippet(context.Background(), req)
	second := e.FetchSnippet(context.Background(), req)

	if first != second {
		t.Errorf("cached render differs:\n%q\nvs\n%q", first, second)
	}
	if host.callCount() != 1 {
		t.Errorf("host calls = %d, want 1 (second lookup served from cache)", host.callCount())
	}
}

func TestFetchSnippet_CachePopulatedOnMiss(t *testing.T) {
	host := &fakeHost{content: "cached content"}
	cache := newMapCache()
	e := NewEnricher(host, cache, Config{})

	e.FetchSnippet(context.Background(), testRequest())

	if _, ok := cache.Get(context.Background(), "acme/widgets@main:pkg/server/handler.go"); !ok {
		t.Error("cache not populated after host fetch")
	}
}

func TestFallbackText_Deterministic(t *testing.T) {
	req := testRequest()
	a := FallbackText(req)
	b := FallbackText(req)
	if a != b {
		t.Errorf("fallback text must be deterministic: %q vs %q", a, b)
	}
}
