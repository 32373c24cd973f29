// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the CallScope service configuration.
//
// Configuration is layered: package defaults, then an optional yaml file,
// then CALLSCOPE_* environment variables. Later layers win. Load applies
// all three, fills remaining zero fields, and validates the result.
//
// # Secrets
//
// The build-service and GitHub tokens are accepted in the yaml file and
// environment for operator convenience, but Load moves them into memguard
// enclaves and wipes the plaintext fields before returning. Callers reach
// them only through BuilderToken and GitHubToken; nothing in this package
// ever logs a token value.
//
// # Ignore Patterns
//
// The optional ignore-patterns file named by Ignore.File is not read
// here; IgnoreWatcher loads it and hot-reloads on change.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// configValidate is the package validator instance. validator.New is
// expensive; one instance serves all Validate calls.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// -----------------------------------------------------------------------------
// Duration
// -----------------------------------------------------------------------------

// Duration wraps time.Duration so yaml values can be written in Go
// duration syntax ("30s", "10m") instead of raw nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string from the yaml node.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in Go duration syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Port is the listen port. Default: 8080.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// Debug enables gin debug mode and request logging. Default: false.
	Debug bool `yaml:"debug"`

	// ShutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
	// Default: 10s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, or error.
	// Default: info.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir enables daily log files under the directory when set.
	// Default: "" (disabled).
	Dir string `yaml:"dir"`

	// JSON forces JSON output on stderr. Default: false.
	JSON bool `yaml:"json"`

	// Quiet disables stderr output. Default: false.
	Quiet bool `yaml:"quiet"`
}

// StoreConfig locates the graph store.
type StoreConfig struct {
	// URL is the Weaviate deployment URL. Default: http://localhost:8081.
	URL string `yaml:"url" validate:"required,url"`

	// ConnectTimeout bounds the readiness probe on session open.
	// Default: 5s.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// QueryTimeout bounds individual store operations. Default: 30s.
	QueryTimeout Duration `yaml:"query_timeout"`
}

// RegistryConfig tunes build-record staleness policy.
type RegistryConfig struct {
	// SoftStaleThreshold is the age past which a record stops vetoing
	// fresh builds. Default: 10m.
	SoftStaleThreshold Duration `yaml:"soft_stale_threshold"`

	// HardExpiryThreshold is the age past which a record is evicted on
	// read. Default: 20m. Must not be below the soft threshold.
	HardExpiryThreshold Duration `yaml:"hard_expiry_threshold"`
}

// BuilderConfig locates the external analysis service and tunes build
// dispatch.
type BuilderConfig struct {
	// Endpoint is the build service URL.
	// Default: http://localhost:9100/v1/builds.
	Endpoint string `yaml:"endpoint" validate:"required,url"`

	// Token is the bearer token for the build service. Wiped after Load;
	// use Config.BuilderToken.
	Token string `yaml:"token"`

	// RequestTimeout bounds a fire-and-forget build request. Default: 5s.
	RequestTimeout Duration `yaml:"request_timeout"`

	// SupervisedRequestTimeout bounds a build request under supervision.
	// Default: 10m.
	SupervisedRequestTimeout Duration `yaml:"supervised_request_timeout"`

	// PollInterval is how often supervision checks for the graph.
	// Default: 30s.
	PollInterval Duration `yaml:"poll_interval"`

	// MaxPollAttempts is the supervision polling budget. Default: 15.
	MaxPollAttempts int `yaml:"max_poll_attempts" validate:"omitempty,gte=1"`

	// GraceDelay is how long after a supervised run ends before its lock
	// clears. Default: 2m.
	GraceDelay Duration `yaml:"grace_delay"`

	// Supervise runs explicit trigger requests under supervision instead
	// of fire-and-forget. Default: true.
	Supervise *bool `yaml:"supervise"`
}

// GitHubConfig controls source-host access for snippet enrichment.
type GitHubConfig struct {
	// Token is the bearer token for private repositories. Wiped after
	// Load; use Config.GitHubToken.
	Token string `yaml:"token"`

	// RawBaseURL overrides the raw-content endpoint, for GitHub
	// Enterprise. Default: "" (github.com).
	RawBaseURL string `yaml:"raw_base_url" validate:"omitempty,url"`

	// APIBaseURL overrides the REST API endpoint. Default: "" (github.com).
	APIBaseURL string `yaml:"api_base_url" validate:"omitempty,url"`
}

// CacheConfig controls the warm file-content cache.
type CacheConfig struct {
	// Dir is the BadgerDB directory. Default: "" (cache disabled).
	Dir string `yaml:"dir"`

	// TTL is how long cached file contents stay valid. Default: 1h.
	TTL Duration `yaml:"ttl"`

	// SyncWrites enables synchronous writes. Cached content is
	// rebuildable, so the default is false.
	SyncWrites bool `yaml:"sync_writes"`
}

// LookupConfig tunes the usage-lookup pipeline.
type LookupConfig struct {
	// OperationTimeout bounds one whole usage lookup. Default: 8s.
	OperationTimeout Duration `yaml:"operation_timeout"`

	// DefaultCallerLimit is the call-site count when the request sets no
	// limit. Default: 10.
	DefaultCallerLimit int `yaml:"default_caller_limit" validate:"omitempty,gte=1"`

	// MaxCallerLimit caps the per-request limit. Default: 50. Must not
	// be below DefaultCallerLimit.
	MaxCallerLimit int `yaml:"max_caller_limit" validate:"omitempty,gte=1"`

	// MaxConcurrentFetches bounds parallel snippet fetches per lookup.
	// Default: 8.
	MaxConcurrentFetches int `yaml:"max_concurrent_fetches" validate:"omitempty,gte=1"`

	// DefaultBranch is the ref used when the source host cannot report
	// one. Default: main.
	DefaultBranch string `yaml:"default_branch"`
}

// TelemetryConfig selects trace and metric exporters. Empty fields defer
// to the telemetry package defaults and their OTEL_* environment
// handling.
type TelemetryConfig struct {
	// Disabled turns tracing and metrics off entirely.
	Disabled bool `yaml:"disabled"`

	// Environment names the deployment environment stamped on telemetry
	// resources. Default: "" (telemetry package default).
	Environment string `yaml:"environment"`

	// TraceExporter selects the span exporter. Default: "" (otlp).
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp jaeger stdout none"`

	// MetricExporter selects the metric exporter. Default: "" (prometheus).
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP receiver host:port. Default: "" (telemetry
	// package default).
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// IgnoreConfig names the optional ignore-patterns file attached to build
// requests.
type IgnoreConfig struct {
	// File is the path to the patterns file, one pattern per line with
	// '#' comments. Default: "" (no ignore patterns).
	File string `yaml:"file"`

	// ReloadDebounce is how long file changes are batched before a
	// reload. Default: 200ms.
	ReloadDebounce Duration `yaml:"reload_debounce"`
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config is the full service configuration.
//
// Thread Safety: treat a loaded Config as read-only; Load returns it
// fully populated and nothing mutates it afterward.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Registry  RegistryConfig  `yaml:"registry"`
	Builder   BuilderConfig   `yaml:"builder"`
	GitHub    GitHubConfig    `yaml:"github"`
	Cache     CacheConfig     `yaml:"cache"`
	Lookup    LookupConfig    `yaml:"lookup"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Ignore    IgnoreConfig    `yaml:"ignore"`

	builderToken *memguard.Enclave
	githubToken  *memguard.Enclave
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	supervise := true
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Store: StoreConfig{
			URL:            "http://localhost:8081",
			ConnectTimeout: Duration{5 * time.Second},
			QueryTimeout:   Duration{30 * time.Second},
		},
		Registry: RegistryConfig{
			SoftStaleThreshold:  Duration{10 * time.Minute},
			HardExpiryThreshold: Duration{20 * time.Minute},
		},
		Builder: BuilderConfig{
			Endpoint:                 "http://localhost:9100/v1/builds",
			RequestTimeout:           Duration{5 * time.Second},
			SupervisedRequestTimeout: Duration{10 * time.Minute},
			PollInterval:             Duration{30 * time.Second},
			MaxPollAttempts:          15,
			GraceDelay:               Duration{2 * time.Minute},
			Supervise:                &supervise,
		},
		Cache: CacheConfig{
			TTL: Duration{time.Hour},
		},
		Lookup: LookupConfig{
			OperationTimeout:     Duration{8 * time.Second},
			DefaultCallerLimit:   10,
			MaxCallerLimit:       50,
			MaxConcurrentFetches: 8,
			DefaultBranch:        "main",
		},
		Ignore: IgnoreConfig{
			ReloadDebounce: Duration{200 * time.Millisecond},
		},
	}
}

// ApplyDefaults fills zero fields with the package defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Store.URL == "" {
		c.Store.URL = defaults.Store.URL
	}
	if c.Store.ConnectTimeout.Duration == 0 {
		c.Store.ConnectTimeout = defaults.Store.ConnectTimeout
	}
	if c.Store.QueryTimeout.Duration == 0 {
		c.Store.QueryTimeout = defaults.Store.QueryTimeout
	}
	if c.Registry.SoftStaleThreshold.Duration == 0 {
		c.Registry.SoftStaleThreshold = defaults.Registry.SoftStaleThreshold
	}
	if c.Registry.HardExpiryThreshold.Duration == 0 {
		c.Registry.HardExpiryThreshold = defaults.Registry.HardExpiryThreshold
	}
	if c.Builder.Endpoint == "" {
		c.Builder.Endpoint = defaults.Builder.Endpoint
	}
	if c.Builder.RequestTimeout.Duration == 0 {
		c.Builder.RequestTimeout = defaults.Builder.RequestTimeout
	}
	if c.Builder.SupervisedRequestTimeout.Duration == 0 {
		c.Builder.SupervisedRequestTimeout = defaults.Builder.SupervisedRequestTimeout
	}
	if c.Builder.PollInterval.Duration == 0 {
		c.Builder.PollInterval = defaults.Builder.PollInterval
	}
	if c.Builder.MaxPollAttempts == 0 {
		c.Builder.MaxPollAttempts = defaults.Builder.MaxPollAttempts
	}
	if c.Builder.GraceDelay.Duration == 0 {
		c.Builder.GraceDelay = defaults.Builder.GraceDelay
	}
	if c.Builder.Supervise == nil {
		c.Builder.Supervise = defaults.Builder.Supervise
	}
	if c.Cache.TTL.Duration == 0 {
		c.Cache.TTL = defaults.Cache.TTL
	}
	if c.Lookup.OperationTimeout.Duration == 0 {
		c.Lookup.OperationTimeout = defaults.Lookup.OperationTimeout
	}
	if c.Lookup.DefaultCallerLimit == 0 {
		c.Lookup.DefaultCallerLimit = defaults.Lookup.DefaultCallerLimit
	}
	if c.Lookup.MaxCallerLimit == 0 {
		c.Lookup.MaxCallerLimit = defaults.Lookup.MaxCallerLimit
	}
	if c.Lookup.MaxConcurrentFetches == 0 {
		c.Lookup.MaxConcurrentFetches = defaults.Lookup.MaxConcurrentFetches
	}
	if c.Lookup.DefaultBranch == "" {
		c.Lookup.DefaultBranch = defaults.Lookup.DefaultBranch
	}
	if c.Ignore.ReloadDebounce.Duration == 0 {
		c.Ignore.ReloadDebounce = defaults.Ignore.ReloadDebounce
	}
}

// Validate checks the configuration after defaults are applied.
//
// Struct tags cover format checks (ports, URLs, enum values); the
// cross-field rules below are explicit because validator tags cannot
// compare fields of the wrapped Duration type.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Lookup.MaxCallerLimit < c.Lookup.DefaultCallerLimit {
		return fmt.Errorf("lookup.max_caller_limit %d must not be below lookup.default_caller_limit %d",
			c.Lookup.MaxCallerLimit, c.Lookup.DefaultCallerLimit)
	}
	if c.Registry.HardExpiryThreshold.Duration < c.Registry.SoftStaleThreshold.Duration {
		return fmt.Errorf("registry.hard_expiry_threshold %v must not be below registry.soft_stale_threshold %v",
			c.Registry.HardExpiryThreshold.Duration, c.Registry.SoftStaleThreshold.Duration)
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Lookup.OperationTimeout.Duration <= 0 {
		return errors.New("lookup.operation_timeout must be positive")
	}
	if c.Store.ConnectTimeout.Duration <= 0 || c.Store.QueryTimeout.Duration <= 0 {
		return errors.New("store timeouts must be positive")
	}
	return nil
}

// BuilderToken returns the build-service bearer token enclave, or nil
// when no token was configured.
func (c *Config) BuilderToken() *memguard.Enclave {
	return c.builderToken
}

// GitHubToken returns the GitHub bearer token enclave, or nil when no
// token was configured.
func (c *Config) GitHubToken() *memguard.Enclave {
	return c.githubToken
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

// Load builds the service configuration.
//
// Description:
//
//	Reads the yaml file at path when path is non-empty (a missing file is
//	an error; operators who pass -config expect it honored). Applies
//	CALLSCOPE_* environment overrides, fills remaining zero fields with
//	defaults, validates, and seals secrets into enclaves.
//
// Inputs:
//
//	path - Optional yaml file path. "" skips file loading.
//
// Outputs:
//
//	*Config - The validated configuration with secrets sealed.
//	error - Non-nil when the file is unreadable, the yaml is malformed,
//	        or validation fails.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.sealSecrets()
	return cfg, nil
}

// applyEnvOverrides layers CALLSCOPE_* variables over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CALLSCOPE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CALLSCOPE_DEBUG"); v != "" {
		c.Server.Debug = v == "true" || v == "1"
	}
	if v := os.Getenv("CALLSCOPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CALLSCOPE_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("CALLSCOPE_STORE_URL"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("CALLSCOPE_BUILDER_ENDPOINT"); v != "" {
		c.Builder.Endpoint = v
	}
	if v := os.Getenv("CALLSCOPE_BUILDER_TOKEN"); v != "" {
		c.Builder.Token = v
	}
	if v := os.Getenv("CALLSCOPE_GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("CALLSCOPE_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("CALLSCOPE_IGNORE_FILE"); v != "" {
		c.Ignore.File = v
	}
}

// sealSecrets moves token values into enclaves and wipes the plaintext
// fields. memguard wipes the source buffer as part of enclave creation.
func (c *Config) sealSecrets() {
	if c.Builder.Token != "" {
		c.builderToken = memguard.NewEnclave([]byte(c.Builder.Token))
		c.Builder.Token = ""
	}
	if c.GitHub.Token != "" {
		c.githubToken = memguard.NewEnclave([]byte(c.GitHub.Token))
		c.GitHub.Token = ""
	}
}
