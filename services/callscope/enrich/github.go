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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SourceHost fetches raw file content from a source-control host. The
// host owns its own retry and caching semantics; callers only see a
// deadline through the context.
type SourceHost interface {
	// FetchFile returns the full text of one file at the given ref.
	// Returns ErrFileNotFound for a missing path, ErrHostUnavailable
	// (wrapped) for transport or server failures.
	FetchFile(ctx context.Context, owner, repo, ref, path string) (string, error)

	// DefaultBranch returns the repository's default branch name.
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

// HTTPClient allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// GitHubHost fetches file content from GitHub's raw-content endpoint and
// repository metadata from the REST API.
//
// Thread Safety: safe for concurrent use; all state is read-only after
// construction.
type GitHubHost struct {
	client     HTTPClient
	rawBaseURL string
	apiBaseURL string
	token      string
}

// GitHubOption customizes a GitHubHost.
type GitHubOption func(*GitHubHost)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c HTTPClient) GitHubOption {
	return func(h *GitHubHost) { h.client = c }
}

// WithBaseURLs overrides the raw-content and API endpoints, for GitHub
// Enterprise deployments and for tests.
func WithBaseURLs(rawBase, apiBase string) GitHubOption {
	return func(h *GitHubHost) {
		h.rawBaseURL = strings.TrimRight(rawBase, "/")
		h.apiBaseURL = strings.TrimRight(apiBase, "/")
	}
}

// WithToken sets a bearer token for private repositories. Pass "" for
// anonymous access.
func WithToken(token string) GitHubOption {
	return func(h *GitHubHost) { h.token = token }
}

// NewGitHubHost creates a host client targeting github.com by default.
func NewGitHubHost(opts ...GitHubOption) *GitHubHost {
	h := &GitHubHost{
		client:     &http.Client{Timeout: 30 * time.Second},
		rawBaseURL: "https://raw.githubusercontent.com",
		apiBaseURL: "https://api.github.com",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FetchFile implements SourceHost.
func (h *GitHubHost) FetchFile(ctx context.Context, owner, repo, ref, path string) (string, error) {
	url := fmt.Sprintf("%s/%s/%s/%s/%s",
		h.rawBaseURL, owner, repo, ref, strings.TrimLeft(path, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating raw content request: %w", err)
	}
	h.setAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s/%s@%s:%s", ErrFileNotFound, owner, repo, ref, path)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: raw content returned status %s", ErrHostUnavailable, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading raw content body: %v", ErrHostUnavailable, err)
	}
	return string(body), nil
}

// DefaultBranch implements SourceHost.
func (h *GitHubHost) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s", h.apiBaseURL, owner, repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating repo metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	h.setAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: repo metadata returned status %s", ErrHostUnavailable, resp.Status)
	}

	var meta struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("%w: decoding repo metadata: %v", ErrHostUnavailable, err)
	}
	if meta.DefaultBranch == "" {
		return "", fmt.Errorf("%w: repo metadata missing default_branch", ErrHostUnavailable)
	}
	return meta.DefaultBranch, nil
}

func (h *GitHubHost) setAuth(req *http.Request) {
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
}

var _ SourceHost = (*GitHubHost)(nil)
