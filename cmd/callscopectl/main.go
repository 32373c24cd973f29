// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command callscopectl is the operations CLI for a running CallScope
// service.
//
// It talks to the CallScope HTTP API and covers the day-to-day checks an
// operator needs: service health and readiness, the live build-lock
// table, per-repository build progress, and manual build dispatch.
//
// Usage:
//
//	callscopectl status                  # health + readiness
//	callscopectl locks                   # live build records
//	callscopectl progress golang/go      # build progress for one repository
//	callscopectl trigger golang/go       # dispatch a graph build
//
// The service base URL resolves from, in order: the --server flag, the
// CALLSCOPE_SERVER environment variable, and the server_url key in
// ~/.callscope/callscope.yaml (written with defaults on first run).
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// CtlConfig is the on-disk configuration for callscopectl.
type CtlConfig struct {
	// ServerURL is the base URL of the CallScope service.
	ServerURL string `yaml:"server_url"`
}

// DefaultCtlConfig returns the configuration written on first run.
func DefaultCtlConfig() CtlConfig {
	return CtlConfig{
		ServerURL: "http://localhost:8080",
	}
}

var (
	// ctlConfig is a singleton loaded once per invocation.
	ctlConfig CtlConfig
	loadOnce  sync.Once

	serverFlag string

	rootCmd = &cobra.Command{
		Use:   "callscopectl",
		Short: "Operations CLI for the CallScope usage-lookup service",
		Long: `callscopectl talks to a running CallScope service over its HTTP API.

It covers the operational surface: health and readiness checks, the live
build-lock table, per-repository build progress, and manual build dispatch.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := loadCtlConfig(); err != nil {
				log.Fatalf("Error loading configuration: %v", err)
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "",
		"Base URL of the CallScope service (overrides config and CALLSCOPE_SERVER)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

// loadCtlConfig ensures the config is loaded into the ctlConfig singleton.
func loadCtlConfig() error {
	var err error
	loadOnce.Do(func() {
		err = loadCtlConfigInternal()
	})
	return err
}

func loadCtlConfigInternal() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("could not find the user's home directory: %w", err)
	}
	configPath := filepath.Join(home, ".callscope", "callscope.yaml")
	// create it if it doesn't exist
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf("First run detected, creating the config at %s\n", configPath)
		if err := createDefaultCtlConfig(configPath); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read the config file: %w", err)
	}
	if err = yaml.Unmarshal(data, &ctlConfig); err != nil {
		return fmt.Errorf("failed to parse the config file %s: %w", configPath, err)
	}
	if ctlConfig.ServerURL == "" {
		ctlConfig.ServerURL = DefaultCtlConfig().ServerURL
	}
	return nil
}

func createDefaultCtlConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultCtlConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// serverBaseURL resolves the service base URL. The --server flag wins,
// then the CALLSCOPE_SERVER environment variable, then the config file.
func serverBaseURL() string {
	if serverFlag != "" {
		return strings.TrimRight(serverFlag, "/")
	}
	if env := os.Getenv("CALLSCOPE_SERVER"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return strings.TrimRight(ctlConfig.ServerURL, "/")
}

// serviceURL joins the resolved base URL with an API path.
func serviceURL(path string) string {
	return serverBaseURL() + path
}
