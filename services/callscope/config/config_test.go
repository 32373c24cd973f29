// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "http://localhost:8081", cfg.Store.URL)
	assert.Equal(t, 10*time.Minute, cfg.Registry.SoftStaleThreshold.Duration)
	assert.Equal(t, 20*time.Minute, cfg.Registry.HardExpiryThreshold.Duration)
	assert.Equal(t, 8*time.Second, cfg.Lookup.OperationTimeout.Duration)
	assert.Equal(t, 10, cfg.Lookup.DefaultCallerLimit)
	assert.Equal(t, 50, cfg.Lookup.MaxCallerLimit)
	assert.Equal(t, "main", cfg.Lookup.DefaultBranch)
	require.NotNil(t, cfg.Builder.Supervise)
	assert.True(t, *cfg.Builder.Supervise, "explicit triggers supervise by default")
	assert.Empty(t, cfg.Cache.Dir, "cache is opt-in")

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestConfig_ApplyDefaults(t *testing.T) {
	t.Run("zero config gets every default", func(t *testing.T) {
		cfg := &Config{}
		cfg.ApplyDefaults()

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 5*time.Second, cfg.Store.ConnectTimeout.Duration)
		assert.Equal(t, 15, cfg.Builder.MaxPollAttempts)
		assert.Equal(t, time.Hour, cfg.Cache.TTL.Duration)
		assert.Equal(t, 200*time.Millisecond, cfg.Ignore.ReloadDebounce.Duration)
	})

	t.Run("set fields survive", func(t *testing.T) {
		supervise := false
		cfg := &Config{}
		cfg.Server.Port = 9999
		cfg.Lookup.DefaultCallerLimit = 3
		cfg.Builder.Supervise = &supervise
		cfg.ApplyDefaults()

		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, 3, cfg.Lookup.DefaultCallerLimit)
		require.NotNil(t, cfg.Builder.Supervise)
		assert.False(t, *cfg.Builder.Supervise, "explicit false is not a zero value")
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.ApplyDefaults()
		return cfg
	}

	t.Run("defaults pass", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("port out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Server.Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("malformed store url", func(t *testing.T) {
		cfg := valid()
		cfg.Store.URL = "not a url"
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown log level", func(t *testing.T) {
		cfg := valid()
		cfg.Logging.Level = "verbose"
		assert.Error(t, cfg.Validate())
	})

	t.Run("max caller limit below default limit", func(t *testing.T) {
		cfg := valid()
		cfg.Lookup.MaxCallerLimit = cfg.Lookup.DefaultCallerLimit - 1
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_caller_limit")
	})

	t.Run("hard expiry below soft staleness", func(t *testing.T) {
		cfg := valid()
		cfg.Registry.SoftStaleThreshold = Duration{15 * time.Minute}
		cfg.Registry.HardExpiryThreshold = Duration{5 * time.Minute}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hard_expiry_threshold")
	})

	t.Run("unknown trace exporter", func(t *testing.T) {
		cfg := valid()
		cfg.Telemetry.TraceExporter = "zipkin"
		assert.Error(t, cfg.Validate())
	})
}

func TestDuration_YAML(t *testing.T) {
	type probe struct {
		Timeout Duration `yaml:"timeout"`
	}

	t.Run("parses duration syntax", func(t *testing.T) {
		var p probe
		require.NoError(t, yaml.Unmarshal([]byte("timeout: 1m30s\n"), &p))
		assert.Equal(t, 90*time.Second, p.Timeout.Duration)
	})

	t.Run("rejects non-durations", func(t *testing.T) {
		var p probe
		err := yaml.Unmarshal([]byte("timeout: banana\n"), &p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid duration")
	})

	t.Run("marshals back to duration syntax", func(t *testing.T) {
		out, err := yaml.Marshal(probe{Timeout: Duration{45 * time.Second}})
		require.NoError(t, err)
		assert.Contains(t, string(out), "45s")
	})
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callscope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("empty path loads pure defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "http://localhost:8081", cfg.Store.URL)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  port: 9090
  debug: true
store:
  url: http://weaviate:8080
  query_timeout: 45s
lookup:
  default_caller_limit: 5
  max_caller_limit: 20
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.True(t, cfg.Server.Debug)
		assert.Equal(t, "http://weaviate:8080", cfg.Store.URL)
		assert.Equal(t, 45*time.Second, cfg.Store.QueryTimeout.Duration)
		assert.Equal(t, 5, cfg.Lookup.DefaultCallerLimit)
		assert.Equal(t, 20, cfg.Lookup.MaxCallerLimit)

		// Untouched sections keep their defaults.
		assert.Equal(t, 8*time.Second, cfg.Lookup.OperationTimeout.Duration)
		assert.Equal(t, "http://localhost:9100/v1/builds", cfg.Builder.Endpoint)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := writeConfigFile(t, "server: [not: a: mapping\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid values fail validation", func(t *testing.T) {
		path := writeConfigFile(t, "logging:\n  level: verbose\n")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation")
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfigFile(t, "server:\n  port: 9090\n")
		t.Setenv("CALLSCOPE_PORT", "7070")
		t.Setenv("CALLSCOPE_STORE_URL", "http://graph.internal:8080")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "http://graph.internal:8080", cfg.Store.URL)
	})
}

func TestLoad_SealsSecrets(t *testing.T) {
	t.Run("tokens move into enclaves", func(t *testing.T) {
		path := writeConfigFile(t, `
builder:
  token: builder-sekrit
github:
  token: ghp_test123
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Empty(t, cfg.Builder.Token, "plaintext must be wiped")
		assert.Empty(t, cfg.GitHub.Token, "plaintext must be wiped")

		require.NotNil(t, cfg.BuilderToken())
		buf, err := cfg.BuilderToken().Open()
		require.NoError(t, err)
		assert.Equal(t, "builder-sekrit", buf.String())
		buf.Destroy()

		require.NotNil(t, cfg.GitHubToken())
		buf, err = cfg.GitHubToken().Open()
		require.NoError(t, err)
		assert.Equal(t, "ghp_test123", buf.String())
		buf.Destroy()
	})

	t.Run("token from environment is sealed too", func(t *testing.T) {
		t.Setenv("CALLSCOPE_BUILDER_TOKEN", "env-sekrit")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Empty(t, cfg.Builder.Token)
		require.NotNil(t, cfg.BuilderToken())

		buf, err := cfg.BuilderToken().Open()
		require.NoError(t, err)
		assert.Equal(t, "env-sekrit", buf.String())
		buf.Destroy()
	})

	t.Run("absent tokens leave nil enclaves", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Nil(t, cfg.BuilderToken())
		assert.Nil(t, cfg.GitHubToken())
	})
}
