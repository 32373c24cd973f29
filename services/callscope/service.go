// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package callscope provides the CallScope HTTP service for answering
// "show me how function F is used" against per-repository call graphs.
//
// The service exposes endpoints for:
//   - Finding and rendering real call sites of a function
//   - Reporting progress of in-flight graph builds
//   - Enumerating live build records for diagnostics
//   - Dispatching graph builds without waiting for them
package callscope

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/CallScope/services/callscope/enrich"
	"github.com/AleutianAI/CallScope/services/callscope/graphstore"
	"github.com/AleutianAI/CallScope/services/callscope/registry"
	"github.com/AleutianAI/CallScope/services/callscope/telemetry"
	"github.com/AleutianAI/CallScope/services/callscope/trigger"
)

// ServiceConfig configures the CallScope service.
type ServiceConfig struct {
	// OperationTimeout bounds one whole usage lookup, including the
	// store query and snippet enrichment. Default: 8s
	OperationTimeout time.Duration

	// DefaultCallerLimit is the number of call sites returned when the
	// request does not set a limit. Default: 10
	DefaultCallerLimit int

	// MaxCallerLimit caps the per-request limit. Default: 50
	MaxCallerLimit int

	// MaxConcurrentFetches bounds parallel snippet fetches per lookup.
	// Default: 8
	MaxConcurrentFetches int

	// DefaultBranchFallback is the ref used when the source host cannot
	// report a default branch. Default: "main"
	DefaultBranchFallback string
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		OperationTimeout:      8 * time.Second,
		DefaultCallerLimit:    10,
		MaxCallerLimit:        50,
		MaxConcurrentFetches:  8,
		DefaultBranchFallback: "main",
	}
}

// applyDefaults fills zero fields with the package defaults.
func (c *ServiceConfig) applyDefaults() {
	defaults := DefaultServiceConfig()
	if c.OperationTimeout == 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.DefaultCallerLimit == 0 {
		c.DefaultCallerLimit = defaults.DefaultCallerLimit
	}
	if c.MaxCallerLimit == 0 {
		c.MaxCallerLimit = defaults.MaxCallerLimit
	}
	if c.MaxConcurrentFetches == 0 {
		c.MaxConcurrentFetches = defaults.MaxConcurrentFetches
	}
	if c.DefaultBranchFallback == "" {
		c.DefaultBranchFallback = defaults.DefaultBranchFallback
	}
}

// GraphChecker reports whether a call graph exists in the store.
type GraphChecker interface {
	Exists(ctx context.Context, graphName string) bool
}

// SnippetFetcher renders the source window for one call site.
type SnippetFetcher interface {
	FetchSnippet(ctx context.Context, req enrich.SnippetRequest) string
}

// BranchResolver reports a repository's default branch.
type BranchResolver interface {
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

// BuildStarter dispatches an analysis request without waiting for it.
type BuildStarter interface {
	FireAndForget(req trigger.BuildRequest) string
}

// BuildSupervisor runs a dispatched build until the graph is observed
// or the poll budget runs out, holding the build lock throughout.
type BuildSupervisor interface {
	Run(ctx context.Context, req trigger.BuildRequest, graphName, lockKey string) trigger.Outcome
}

// IgnoreSource supplies path patterns excluded from analysis requests.
type IgnoreSource interface {
	Patterns() []string
}

// Service is the CallScope service.
//
// Thread Safety:
//
//	Service is safe for concurrent use. Multiple goroutines can call
//	any combination of methods simultaneously.
type Service struct {
	config     ServiceConfig
	store      graphstore.Store
	locks      *registry.Registry
	builder    BuildStarter
	supervisor BuildSupervisor
	checker    GraphChecker
	enricher   SnippetFetcher
	branches   BranchResolver
	ignore     IgnoreSource
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// ServiceOption customizes a Service at construction.
type ServiceOption func(*Service)

// WithChecker overrides the store-backed availability checker.
func WithChecker(c GraphChecker) ServiceOption {
	return func(s *Service) { s.checker = c }
}

// WithEnricher sets the snippet fetcher. Without one, every example
// carries the degraded placeholder.
func WithEnricher(e SnippetFetcher) ServiceOption {
	return func(s *Service) { s.enricher = e }
}

// WithBranchResolver sets the default-branch lookup. Without one, the
// configured fallback ref is used.
func WithBranchResolver(b BranchResolver) ServiceOption {
	return func(s *Service) { s.branches = b }
}

// WithIgnoreSource sets the ignore-pattern provider for build requests.
func WithIgnoreSource(i IgnoreSource) ServiceOption {
	return func(s *Service) { s.ignore = i }
}

// WithSupervisor enables supervised builds for explicit trigger
// requests. Without one, explicit triggers dispatch fire-and-forget.
func WithSupervisor(sup BuildSupervisor) ServiceOption {
	return func(s *Service) { s.supervisor = sup }
}

// WithMetrics enables operation metrics.
func WithMetrics(m *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new CallScope service.
//
// Description:
//
//	Wires the store, build registry, and build dispatcher into a
//	service. The graph availability checker defaults to a store-backed
//	one; the snippet fetcher and branch resolver are optional and
//	degrade when absent.
//
// Inputs:
//
//	config - Service configuration (zero fields take defaults)
//	store - Graph store for caller queries
//	locks - Build-state registry
//	builder - Fire-and-forget build dispatcher
//	opts - Optional dependency overrides
//
// Outputs:
//
//	*Service - The configured service
func NewService(config ServiceConfig, store graphstore.Store, locks *registry.Registry, builder BuildStarter, opts ...ServiceOption) *Service {
	config.applyDefaults()
	svc := &Service{
		config:  config,
		store:   store,
		locks:   locks,
		builder: builder,
		logger:  slog.Default().With("component", "callscope"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.checker == nil {
		svc.checker = graphstore.NewAvailabilityChecker(store)
	}
	return svc
}

// FindUsageExamples answers "show me how this function is used".
//
// Description:
//
//	Validates the request, then runs the lookup pipeline under the
//	operation deadline: check graph availability, query callers, and
//	enrich each call site with a rendered snippet. Every downstream
//	failure maps to a response state; only validation returns an error.
//	When the deadline fires the caller gets a timeout advisory with no
//	partial results, and in-flight work is cancelled.
//
// Inputs:
//
//	ctx - Context for cancellation
//	req - Repository identity, function name, optional limit
//
// Outputs:
//
//	*UsageResponse - Outcome state, message, and examples when found
//	error - Non-nil only for validation failures
//
// Errors:
//
//	ErrBlankIdentity - Owner or repo blank after trimming
//	ErrBlankFunction - Function name blank after trimming
func (s *Service) FindUsageExamples(ctx context.Context, req UsageRequest) (*UsageResponse, error) {
	owner := strings.TrimSpace(req.Owner)
	repo := strings.TrimSpace(req.Repo)
	function := strings.TrimSpace(req.Function)

	// Validation happens before any network or registry access.
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: owner=%q repo=%q", ErrBlankIdentity, req.Owner, req.Repo)
	}
	if function == "" {
		return nil, ErrBlankFunction
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.config.DefaultCallerLimit
	}
	if limit > s.config.MaxCallerLimit {
		limit = s.config.MaxCallerLimit
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	start := time.Now()

	// The pipeline runs in its own goroutine so an expired deadline
	// returns immediately instead of waiting out a slow store call.
	// The buffered channel lets the late result be dropped.
	done := make(chan *UsageResponse, 1)
	go func() {
		done <- s.runPipeline(opCtx, owner, repo, function, limit)
	}()

	select {
	case resp := <-done:
		s.recordQuery(ctx, resp.State, time.Since(start))
		return resp, nil
	case <-opCtx.Done():
		s.logger.Warn("usage lookup timed out",
			"repo", repoKey(owner, repo),
			"function", function,
			"timeout", s.config.OperationTimeout)
		s.recordQuery(ctx, StateTimeout, time.Since(start))
		return timeoutResult(function), nil
	}
}

func timeoutResult(function string) *UsageResponse {
	return &UsageResponse{
		Function: function,
		State:    StateTimeout,
		Message:  timeoutMessage(function),
	}
}

// runPipeline executes one lookup. It cannot fail: every failure mode
// maps to a response state.
func (s *Service) runPipeline(ctx context.Context, owner, repo, function string, limit int) *UsageResponse {
	graphName := graphstore.GraphNameForRepo(owner, repo)
	lockKey := repoKey(owner, repo)

	available := s.checker.Exists(ctx, graphName)
	s.recordStoreCheck(ctx, available)
	if !available {
		// A killed context makes every check come back negative. The
		// timeout branch already answered the caller; starting a build
		// over a graph that may well exist would be a side effect no
		// one asked for.
		if ctx.Err() != nil {
			return timeoutResult(function)
		}
		return s.handleMissingGraph(ctx, owner, repo, function, lockKey)
	}

	sites, err := s.queryCallers(ctx, graphName, function, limit)
	if err != nil {
		if ctx.Err() != nil {
			return timeoutResult(function)
		}
		// The graph was reported present but the query failed. The
		// check and the query are separate sessions, so the graph may
		// have vanished in between; treat it as not yet available.
		s.logger.Warn("caller query failed on available graph",
			"graph", graphName,
			"function", function,
			"error", err)
		return s.handleMissingGraph(ctx, owner, repo, function, lockKey)
	}

	if len(sites) == 0 {
		// An empty result on a live graph is ambiguous: the function may
		// truly have no callers, or the builder may still be inserting
		// edges into a class it created early. A live build record
		// disambiguates in favor of waiting.
		if progress := s.locks.GetProgress(lockKey); progress.InProgress {
			return &UsageResponse{
				Function: function,
				State:    StateBuildInProgress,
				Message:  inProgressMessage(lockKey, progress),
			}
		}
		return &UsageResponse{
			Function: function,
			State:    StateNoCallers,
			Message:  noCallersMessage(function),
		}
	}

	examples := s.enrichAll(ctx, owner, repo, function, sites)
	return &UsageResponse{
		Function: function,
		State:    StateFound,
		Message:  foundMessage(len(examples), function),
		Examples: examples,
	}
}

// handleMissingGraph decides between "wait for the running build" and
// "start a fresh one".
//
// A stale record must be evicted before the progress read; otherwise a
// build that died minutes ago would keep reporting in-progress here and
// block the restart.
func (s *Service) handleMissingGraph(ctx context.Context, owner, repo, function, lockKey string) *UsageResponse {
	s.locks.ClearStaleLock(lockKey)

	progress := s.locks.GetProgress(lockKey)
	if progress.InProgress {
		return &UsageResponse{
			Function: function,
			State:    StateBuildInProgress,
			Message:  inProgressMessage(lockKey, progress),
		}
	}

	s.locks.SetLock(lockKey, true)
	dispatchID := s.builder.FireAndForget(trigger.BuildRequest{
		RepoURL: repoURL(owner, repo),
		Ignore:  s.ignorePatterns(),
	})
	s.recordBuildTriggered(ctx, "query")
	s.logger.Info("analysis started for missing graph",
		"repo", lockKey,
		"dispatch_id", dispatchID)

	return &UsageResponse{
		Function: function,
		State:    StateBuildStarted,
		Message:  startedMessage(lockKey),
	}
}

// queryCallers runs one caller query under a scoped store session.
func (s *Service) queryCallers(ctx context.Context, graphName, function string, limit int) ([]graphstore.CallSite, error) {
	session, err := s.store.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to graph store: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Debug("graph session close failed", "error", cerr)
		}
	}()

	return session.FindCallers(ctx, graphName, function, limit)
}

// enrichAll fans snippet fetches out over the call sites. Output order
// matches site order regardless of fetch completion order. Fetches
// never fail; a site whose source cannot be read carries the
// placeholder text.
func (s *Service) enrichAll(ctx context.Context, owner, repo, function string, sites []graphstore.CallSite) []CodeExample {
	ref := s.resolveRef(ctx, owner, repo)

	var degraded atomic.Int64
	examples := make([]CodeExample, len(sites))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrentFetches)
	for i, site := range sites {
		g.Go(func() error {
			path := relativePath(site.CallerPath, owner, repo)
			snippetReq := enrich.SnippetRequest{
				Owner:            owner,
				Repo:             repo,
				Ref:              ref,
				Path:             path,
				Line:             site.Line,
				CallerName:       site.CallerName,
				SearchedFunction: function,
			}
			var snippet string
			if s.enricher != nil {
				snippet = s.enricher.FetchSnippet(gctx, snippetReq)
			} else {
				snippet = enrich.FallbackText(snippetReq)
			}
			if snippet == enrich.FallbackText(snippetReq) {
				degraded.Add(1)
			}
			examples[i] = CodeExample{
				CallerName: site.CallerName,
				Path:       path,
				Line:       site.Line,
				Snippet:    snippet,
			}
			return nil
		})
	}
	// Fetchers never return errors; Wait only joins the group.
	_ = g.Wait()

	if n := degraded.Load(); n > 0 && s.metrics != nil {
		s.metrics.EnrichmentFailuresTotal.Add(ctx, n)
	}

	return examples
}

// resolveRef returns the repository's default branch, or the configured
// fallback when the lookup is unavailable or fails.
func (s *Service) resolveRef(ctx context.Context, owner, repo string) string {
	if s.branches == nil {
		return s.config.DefaultBranchFallback
	}
	ref, err := s.branches.DefaultBranch(ctx, owner, repo)
	if err != nil || ref == "" {
		s.logger.Debug("default branch lookup failed, using fallback",
			"repo", repoKey(owner, repo),
			"fallback", s.config.DefaultBranchFallback,
			"error", err)
		return s.config.DefaultBranchFallback
	}
	return ref
}

// Progress reports the derived build progress for one repository.
func (s *Service) Progress(owner, repo string) ProgressResponse {
	key := repoKey(owner, repo)
	return ProgressResponse{
		Repository: key,
		Progress:   s.locks.GetProgress(key),
	}
}

// Locks enumerates live build records for diagnostics, sorted by
// repository key. Records that expire between the snapshot and the
// progress read are skipped.
func (s *Service) Locks() LocksResponse {
	snapshot := s.locks.Snapshot()

	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	infos := make([]LockInfo, 0, len(keys))
	for _, key := range keys {
		view := s.locks.GetProgress(key)
		if !view.InProgress {
			continue
		}
		infos = append(infos, LockInfo{
			Repository:     key,
			StartedAt:      snapshot[key].StartedAt,
			ElapsedMinutes: view.ElapsedMinutes,
			Phase:          view.Phase,
		})
	}

	return LocksResponse{Count: len(infos), Locks: infos}
}

// TriggerBuild arms the build lock and dispatches an analysis request
// without waiting for the outcome. Progress is immediately visible
// through Progress.
//
// With a supervisor wired, the dispatched build is watched in the
// background until the graph appears or the poll budget runs out, and
// the lock is cleared for it. Without one, the lock rides out its
// natural expiry.
//
// Errors:
//
//	ErrBlankIdentity - Owner or repo blank after trimming
func (s *Service) TriggerBuild(owner, repo string) (*BuildResponse, error) {
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: owner=%q repo=%q", ErrBlankIdentity, owner, repo)
	}

	key := repoKey(owner, repo)
	req := trigger.BuildRequest{
		RepoURL: repoURL(owner, repo),
		Ignore:  s.ignorePatterns(),
	}

	// Arm the lock before dispatching so a progress read issued right
	// after the response already sees the build.
	s.locks.SetLock(key, true)

	var dispatchID string
	if s.supervisor != nil {
		dispatchID = uuid.NewString()
		graphName := graphstore.GraphNameForRepo(owner, repo)
		go func() {
			outcome := s.supervisor.Run(context.Background(), req, graphName, key)
			s.logger.Info("supervised build finished",
				"repo", key,
				"dispatch_id", dispatchID,
				"outcome", outcome.String())
		}()
	} else {
		dispatchID = s.builder.FireAndForget(req)
	}
	s.recordBuildTriggered(context.Background(), "api")
	s.logger.Info("analysis dispatched",
		"repo", key,
		"dispatch_id", dispatchID,
		"supervised", s.supervisor != nil)

	return &BuildResponse{
		Repository: key,
		DispatchID: dispatchID,
		State:      StateBuildStarted,
		Message:    fmt.Sprintf("Analysis dispatched for %s. Poll progress for status.", key),
	}, nil
}

// Ready reports whether the graph store can be reached. Used by the
// readiness probe; a false value should keep traffic away.
func (s *Service) Ready(ctx context.Context) (bool, string) {
	session, err := s.store.Connect(ctx)
	if err != nil {
		return false, "graph store unreachable"
	}
	if cerr := session.Close(); cerr != nil {
		s.logger.Debug("readiness session close failed", "error", cerr)
	}
	return true, ""
}

// Registry exposes the build-state registry for wiring (metrics
// callbacks, the progress stream).
func (s *Service) Registry() *registry.Registry {
	return s.locks
}

func (s *Service) ignorePatterns() []string {
	if s.ignore == nil {
		return nil
	}
	return s.ignore.Patterns()
}

// ----- Metrics -----

// All recorders are no-ops without WithMetrics.

func (s *Service) recordQuery(ctx context.Context, state string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state))
	s.metrics.QueriesTotal.Add(ctx, 1, attrs)
	s.metrics.QueryDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (s *Service) recordStoreCheck(ctx context.Context, available bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.StoreChecksTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("available", available)))
}

func (s *Service) recordBuildTriggered(ctx context.Context, origin string) {
	if s.metrics == nil {
		return
	}
	s.metrics.BuildsTriggeredTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("origin", origin)))
}

// ----- Keys and paths -----

// repoKey normalizes a repository identity to its registry key.
func repoKey(owner, repo string) string {
	return strings.ToLower(owner + "/" + repo)
}

// repoURL builds the clone URL sent to the build service.
func repoURL(owner, repo string) string {
	return "https://github.com/" + owner + "/" + repo
}

// relativePath strips an analyzer checkout prefix from a stored caller
// path. Paths recorded by the builder look like
// "/workspace/acme/widgets/pkg/server/handler.go"; the snippet fetch
// needs "pkg/server/handler.go".
func relativePath(callerPath, owner, repo string) string {
	marker := strings.ToLower(owner + "/" + repo + "/")
	lower := strings.ToLower(callerPath)
	if idx := strings.Index(lower, marker); idx >= 0 {
		return callerPath[idx+len(marker):]
	}
	return strings.TrimPrefix(callerPath, "/")
}

// ----- Messages -----

func foundMessage(count int, function string) string {
	if count == 1 {
		return fmt.Sprintf("Found 1 function calling %s.", function)
	}
	return fmt.Sprintf("Found %d functions calling %s.", count, function)
}

func noCallersMessage(function string) string {
	return fmt.Sprintf("No callers found for %s. The function may be unused, or the graph may predate it.", function)
}

func inProgressMessage(key string, progress registry.ProgressView) string {
	return fmt.Sprintf("Analysis of %s is still in progress. Estimated remaining: %s.", key, progress.EstimatedRemaining)
}

func startedMessage(key string) string {
	return fmt.Sprintf("No call graph exists for %s yet; starting analysis. Check back in 5-10 minutes.", key)
}

func timeoutMessage(function string) string {
	return fmt.Sprintf("Usage lookup for %s timed out before completing. Please try again.", function)
}
