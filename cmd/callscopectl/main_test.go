// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCtlConfig(t *testing.T) {
	cfg := DefaultCtlConfig()
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
}

func TestServerBaseURL(t *testing.T) {
	restoreFlag := serverFlag
	restoreConfig := ctlConfig
	t.Cleanup(func() {
		serverFlag = restoreFlag
		ctlConfig = restoreConfig
	})

	t.Run("config file value is the fallback", func(t *testing.T) {
		serverFlag = ""
		t.Setenv("CALLSCOPE_SERVER", "")
		ctlConfig.ServerURL = "http://config-host:8080"

		assert.Equal(t, "http://config-host:8080", serverBaseURL())
	})

	t.Run("environment overrides config", func(t *testing.T) {
		serverFlag = ""
		t.Setenv("CALLSCOPE_SERVER", "http://env-host:9090")
		ctlConfig.ServerURL = "http://config-host:8080"

		assert.Equal(t, "http://env-host:9090", serverBaseURL())
	})

	t.Run("flag overrides environment and config", func(t *testing.T) {
		serverFlag = "http://flag-host:7070"
		t.Setenv("CALLSCOPE_SERVER", "http://env-host:9090")
		ctlConfig.ServerURL = "http://config-host:8080"

		assert.Equal(t, "http://flag-host:7070", serverBaseURL())
	})

	t.Run("trailing slash is trimmed", func(t *testing.T) {
		serverFlag = "http://flag-host:7070/"
		t.Setenv("CALLSCOPE_SERVER", "")

		assert.Equal(t, "http://flag-host:7070", serverBaseURL())
		assert.Equal(t, "http://flag-host:7070/v1/usage/locks", serviceURL("/v1/usage/locks"))
	})
}

func TestParseRepositoryArg(t *testing.T) {
	t.Run("splits owner and repo", func(t *testing.T) {
		owner, repo := parseRepositoryArg("golang/go")
		assert.Equal(t, "golang", owner)
		assert.Equal(t, "go", repo)
	})

	t.Run("trims whitespace around both halves", func(t *testing.T) {
		owner, repo := parseRepositoryArg(" golang / go ")
		assert.Equal(t, "golang", owner)
		assert.Equal(t, "go", repo)
	})

	t.Run("keeps nested path segments in the repo half", func(t *testing.T) {
		owner, repo := parseRepositoryArg("org/team/project")
		assert.Equal(t, "org", owner)
		assert.Equal(t, "team/project", repo)
	})
}
