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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/CallScope/services/callscope"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	locksJSONOutput    bool // Output locks as JSON
	progressJSONOutput bool // Output progress as JSON
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// locksCmd enumerates the live build records held by the service.
//
// # Description
//
// Fetches the build-lock table. Each entry is one repository with an
// analysis believed in flight, its derived phase, and how long it has
// been running. Useful for diagnosing stuck or repeated builds.
//
// # Examples
//
//	callscopectl locks          # Human-readable table
//	callscopectl locks --json   # JSON output for scripting
var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List live build records held by the service",
	Long: `Lists every repository with a graph build believed in flight.

Records expire on their own: the service evicts anything older than its
hard expiry threshold, so a build that died without reporting back will
drop off this list within that window.

Examples:
  callscopectl locks          # Human-readable table
  callscopectl locks --json   # JSON output for automation`,
	Run: runLocksCommand,
}

// progressCmd reports build progress for a single repository.
var progressCmd = &cobra.Command{
	Use:   "progress [owner/repo]",
	Short: "Show graph build progress for one repository",
	Long: `Shows the build progress view for a single repository.

The phase and remaining estimate are derived from elapsed time, not from
telemetry out of the analysis service, so treat them as coarse guidance.

Examples:
  callscopectl progress golang/go
  callscopectl progress golang/go --json`,
	Args: cobra.ExactArgs(1),
	Run:  runProgressCommand,
}

// triggerCmd dispatches a graph build through the service.
var triggerCmd = &cobra.Command{
	Use:   "trigger [owner/repo]",
	Short: "Dispatch a graph build for a repository",
	Long: `Asks the service to arm the build lock and dispatch a graph analysis.

The service answers immediately with a dispatch ID; the build itself runs
in the analysis service. Watch it with 'callscopectl progress'.

Examples:
  callscopectl trigger golang/go`,
	Args: cobra.ExactArgs(1),
	Run:  runTriggerCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.Flags().BoolVar(&locksJSONOutput, "json", false,
		"Output as JSON for scripting")

	rootCmd.AddCommand(progressCmd)
	progressCmd.Flags().BoolVar(&progressJSONOutput, "json", false,
		"Output as JSON for scripting")

	rootCmd.AddCommand(triggerCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runLocksCommand(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serviceURL("/v1/usage/locks"))
	if err != nil {
		log.Fatalf("Failed to reach the CallScope service at %s: %v", serverBaseURL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		log.Fatalf("The service returned an error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var locks callscope.LocksResponse
	if err := json.NewDecoder(resp.Body).Decode(&locks); err != nil {
		log.Fatalf("Failed to parse the locks response: %v", err)
	}

	if locksJSONOutput {
		outputJSON(locks)
		return
	}

	if locks.Count == 0 {
		fmt.Println("No builds in flight.")
		return
	}
	fmt.Printf("Live builds: %d\n", locks.Count)
	fmt.Println("------------------------------------------------------------------")
	for _, l := range locks.Locks {
		fmt.Printf("%-40s %-22s %3dm elapsed (started %s)\n",
			l.Repository, l.Phase, l.ElapsedMinutes, l.StartedAt.Local().Format("15:04:05"))
	}
}

func runProgressCommand(cmd *cobra.Command, args []string) {
	owner, repo := parseRepositoryArg(args[0])

	query := url.Values{}
	query.Set("owner", owner)
	query.Set("repo", repo)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serviceURL("/v1/usage/progress") + "?" + query.Encode())
	if err != nil {
		log.Fatalf("Failed to reach the CallScope service at %s: %v", serverBaseURL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		log.Fatalf("The service returned an error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var progress callscope.ProgressResponse
	if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
		log.Fatalf("Failed to parse the progress response: %v", err)
	}

	if progressJSONOutput {
		outputJSON(progress)
		return
	}

	if !progress.Progress.InProgress {
		fmt.Printf("No build in flight for %s.\n", progress.Repository)
		return
	}
	fmt.Printf("Repository: %s\n", progress.Repository)
	fmt.Printf("Phase:      %s\n", progress.Progress.Phase)
	fmt.Printf("Elapsed:    %dm\n", progress.Progress.ElapsedMinutes)
	if progress.Progress.EstimatedRemaining != "" {
		fmt.Printf("Remaining:  %s\n", progress.Progress.EstimatedRemaining)
	}
}

func runTriggerCommand(cmd *cobra.Command, args []string) {
	owner, repo := parseRepositoryArg(args[0])

	postBody, err := json.Marshal(callscope.BuildRequest{Owner: owner, Repo: repo})
	if err != nil {
		log.Fatalf("Failed to create the build request: %v", err)
	}

	fmt.Printf("Dispatching a graph build for %s/%s...\n", owner, repo)
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(serviceURL("/v1/usage/builds"), "application/json", bytes.NewBuffer(postBody))
	if err != nil {
		log.Fatalf("Failed to reach the CallScope service at %s: %v", serverBaseURL(), err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("The service returned an error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var build callscope.BuildResponse
	if err := json.Unmarshal(bodyBytes, &build); err != nil {
		log.Fatalf("Failed to parse the build response: %v", err)
	}

	fmt.Printf("\nDispatched build for %s\n", build.Repository)
	fmt.Printf("  Dispatch ID: %s\n", build.DispatchID)
	fmt.Printf("  State:       %s\n", build.State)
	if build.Message != "" {
		fmt.Printf("  %s\n", build.Message)
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// parseRepositoryArg splits an "owner/repo" argument and exits on bad input.
func parseRepositoryArg(arg string) (owner, repo string) {
	owner, repo, ok := strings.Cut(arg, "/")
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	if !ok || owner == "" || repo == "" {
		fmt.Fprintf(os.Stderr, "Invalid repository %q: expected owner/repo, e.g. golang/go\n", arg)
		os.Exit(1)
	}
	return owner, repo
}

// outputJSON writes any response as indented JSON to stdout.
func outputJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		log.Fatalf("Failed to encode JSON: %v", err)
	}
}
