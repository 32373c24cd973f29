// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphstore provides scoped access to call graphs stored in Weaviate.
//
// Each analyzed repository maps to a single Weaviate class named
// "CallEdge_<digest>", where the digest is derived from the repository
// identity. Objects in the class are call edges: one object per observed
// call site, carrying the caller name, the caller's file path, the line,
// and the callee name.
//
// Sessions are deliberately short-lived. Callers Connect, run queries, and
// Close; each session owns its HTTP transport and releases it on Close, so
// an abandoned check cannot leak connections. The availability checker
// builds on the same scoped lifecycle.
//
// Features:
//   - Scoped connect/query/close sessions
//   - Graph presence checks that never fail the caller
//   - Idempotent per-graph schema creation
//   - OpenTelemetry tracing integration
package graphstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "graphstore"

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrStoreUnavailable is returned when the graph store is not reachable.
	ErrStoreUnavailable = errors.New("graph store is not available")

	// ErrSessionClosed is returned when operations are called on a closed session.
	ErrSessionClosed = errors.New("graph store session is closed")
)

// -----------------------------------------------------------------------------
// Graph Naming
// -----------------------------------------------------------------------------

// GraphClassPrefix is the shared prefix of all call graph class names.
// Classes outside this prefix belong to other tenants of the store and
// are never enumerated or touched.
const GraphClassPrefix = "CallEdge_"

// GraphNameForRepo returns the deterministic class name for a repository.
//
// Owner and repo are lowercased before hashing since the upstream host
// treats repository identities case-insensitively.
func GraphNameForRepo(owner, repo string) string {
	identity := strings.ToLower(owner) + "/" + strings.ToLower(repo)
	hash := sha256.Sum256([]byte(identity))
	return GraphClassPrefix + hex.EncodeToString(hash[:])[:16]
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// CallSite is one observed call of a function.
type CallSite struct {
	// CallerName is the name of the function containing the call.
	CallerName string `json:"caller_name"`

	// CallerPath is the repository-relative path of the caller's file.
	CallerPath string `json:"caller_path"`

	// Line is the 1-based line number of the call.
	Line int `json:"line"`

	// CalleeName is the name of the function being called.
	CalleeName string `json:"callee_name"`
}

// -----------------------------------------------------------------------------
// Client Configuration
// -----------------------------------------------------------------------------

// ClientConfig configures the Weaviate-backed graph store.
type ClientConfig struct {
	// URL is the Weaviate server URL (e.g., "http://localhost:8080").
	URL string

	// ConnectTimeout bounds the readiness probe during Connect.
	// Default: 5s
	ConnectTimeout time.Duration

	// QueryTimeout bounds individual HTTP requests within a session.
	// Default: 30s
	QueryTimeout time.Duration

	// Logger for store operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults for production use.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout: 5 * time.Second,
		QueryTimeout:   30 * time.Second,
		Logger:         slog.Default(),
	}
}

// Validate checks if the configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return errors.New("url must not be empty")
	}
	parsed, err := url.Parse(c.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("url %q must include scheme and host", c.URL)
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	if c.QueryTimeout <= 0 {
		return errors.New("query_timeout must be positive")
	}
	return nil
}

// applyDefaults fills in zero values with defaults.
func (c *ClientConfig) applyDefaults() {
	defaults := DefaultClientConfig()
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = defaults.QueryTimeout
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
}

// -----------------------------------------------------------------------------
// Store and Session
// -----------------------------------------------------------------------------

// Store opens scoped sessions against a graph store.
type Store interface {
	// Connect opens a session. The caller must Close it.
	Connect(ctx context.Context) (Session, error)
}

// Session is a scoped connection to the graph store.
//
// Thread Safety: a Session may be shared across goroutines; Close is
// idempotent.
type Session interface {
	// ListGraphNames enumerates the call graph classes present in the store.
	ListGraphNames(ctx context.Context) ([]string, error)

	// FindCallers returns call sites of a function within one graph.
	FindCallers(ctx context.Context, graphName, function string, limit int) ([]CallSite, error)

	// EnsureSchema creates the class for a graph if it doesn't exist.
	EnsureSchema(ctx context.Context, graphName string) error

	// InsertCallSites batch-imports call edges into a graph.
	InsertCallSites(ctx context.Context, graphName string, sites []CallSite) (int, error)

	// Close releases the session's transport. Idempotent.
	Close() error
}

// WeaviateStore opens sessions against a Weaviate deployment.
//
// Thread Safety: Safe for concurrent use; each Connect yields an
// independent session.
type WeaviateStore struct {
	config ClientConfig
	host   string
	scheme string
	logger *slog.Logger
}

// NewWeaviateStore creates a store for the configured deployment.
//
// Inputs:
//
//	config - Store configuration. URL is required.
//
// Outputs:
//
//	*WeaviateStore - Ready-to-use store.
//	error - Non-nil if the configuration is invalid.
func NewWeaviateStore(config ClientConfig) (*WeaviateStore, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	parsed, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	return &WeaviateStore{
		config: config,
		host:   parsed.Host,
		scheme: parsed.Scheme,
		logger: config.Logger.With(slog.String("component", "graphstore")),
	}, nil
}

// Connect opens a scoped session against the store.
//
// Description:
//
//	Builds a Weaviate client on a fresh HTTP transport and probes the
//	server's readiness endpoint. An unreachable or unready server yields
//	ErrStoreUnavailable with the transport already released.
//
// Inputs:
//
//	ctx - Context for cancellation. The readiness probe is additionally
//	      bounded by ConnectTimeout.
//
// Outputs:
//
//	Session - The open session. Caller must Close it.
//	error - Non-nil if the client cannot be built or the server is not ready.
//
// Thread Safety: Safe for concurrent use.
func (s *WeaviateStore) Connect(ctx context.Context) (Session, error) {
	transport := &http.Transport{}
	cfg := weaviate.Config{
		Host:   s.host,
		Scheme: s.scheme,
		ConnectionClient: &http.Client{
			Transport: transport,
			Timeout:   s.config.QueryTimeout,
		},
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	isReady, err := client.Misc().ReadyChecker().Do(probeCtx)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !isReady {
		transport.CloseIdleConnections()
		return nil, ErrStoreUnavailable
	}

	return &weaviateSession{
		client:    client,
		transport: transport,
		logger:    s.logger,
	}, nil
}

// weaviateSession is a live connection scope against one Weaviate deployment.
type weaviateSession struct {
	client    *weaviate.Client
	transport *http.Transport
	logger    *slog.Logger
	closed    atomic.Bool
}

// ListGraphNames enumerates the call graph classes present in the store.
//
// Description:
//
//	Fetches the full schema and returns the names of classes carrying
//	the call graph prefix. Classes owned by other tenants are skipped.
//
// Outputs:
//
//	[]string - Present graph names. Empty slice when none exist.
//	error - Non-nil if the schema cannot be fetched.
func (s *weaviateSession) ListGraphNames(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "graphstore.ListGraphNames")
	defer span.End()

	dump, err := s.client.Schema().Getter().Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "schema fetch failed")
		return nil, fmt.Errorf("fetch schema: %w", err)
	}

	names := make([]string, 0, len(dump.Classes))
	for _, class := range dump.Classes {
		if class == nil {
			continue
		}
		if strings.HasPrefix(class.Class, GraphClassPrefix) {
			names = append(names, class.Class)
		}
	}

	span.SetAttributes(attribute.Int("graph_count", len(names)))
	span.SetStatus(codes.Ok, "success")
	return names, nil
}

// FindCallers returns call sites of a function within one graph.
//
// Description:
//
//	Runs a filtered Get against the graph's class, matching objects whose
//	calleeName equals the searched function. Results preserve the store's
//	return order.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	graphName - Class name of the graph, from GraphNameForRepo.
//	function - Exact callee name to match.
//	limit - Maximum call sites to return. Values < 1 default to 10.
//
// Outputs:
//
//	[]CallSite - Matching call sites. Empty slice when none match.
//	error - Non-nil if the query fails.
func (s *weaviateSession) FindCallers(ctx context.Context, graphName, function string, limit int) ([]CallSite, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if limit < 1 {
		limit = 10
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "graphstore.FindCallers",
		trace.WithAttributes(
			attribute.String("graph", graphName),
			attribute.String("function", function),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	whereFilter := filters.Where().
		WithPath([]string{"calleeName"}).
		WithOperator(filters.Equal).
		WithValueString(function)

	fields := []graphql.Field{
		{Name: "callerName"},
		{Name: "callerPath"},
		{Name: "line"},
		{Name: "calleeName"},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(graphName).
		WithFields(fields...).
		WithWhere(whereFilter).
		WithLimit(limit).
		Do(ctx)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("find callers: %w", err)
	}
	if result.Errors != nil && len(result.Errors) > 0 {
		err := fmt.Errorf("find callers: %s", result.Errors[0].Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, "query error")
		return nil, err
	}

	sites := parseCallSites(result, graphName)
	span.SetAttributes(attribute.Int("result_count", len(sites)))
	span.SetStatus(codes.Ok, "success")
	return sites, nil
}

// Close releases the session's transport. Idempotent.
func (s *weaviateSession) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}
	s.transport.CloseIdleConnections()
	return nil
}

// parseCallSites extracts call sites from a GraphQL Get response.
func parseCallSites(result *models.GraphQLResponse, graphName string) []CallSite {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return []CallSite{}
	}
	objects, ok := data[graphName].([]interface{})
	if !ok {
		return []CallSite{}
	}

	sites := make([]CallSite, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue // skip malformed objects
		}
		sites = append(sites, CallSite{
			CallerName: getString(m, "callerName"),
			CallerPath: getString(m, "callerPath"),
			Line:       getInt(m, "line"),
			CalleeName: getString(m, "calleeName"),
		})
	}
	return sites
}

// getString safely extracts a string from a map.
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// getInt safely extracts an int from a map.
func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}
