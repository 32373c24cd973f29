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
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/CallScope/services/callscope"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	statusJSONOutput bool // Output as JSON
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// statusCmd reports service health and readiness.
//
// # Description
//
// Calls the health and readiness endpoints of the CallScope service and
// prints a combined report. Health is process-level liveness; readiness
// additionally probes the graph store, so a ready service can serve
// usage lookups immediately.
//
// # Examples
//
//	callscopectl status          # Human-readable report
//	callscopectl status --json   # JSON output for scripting
//
// # Limitations
//
//   - Exits with code 1 when the service is unreachable or not ready
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health and readiness of the CallScope service",
	Long: `Checks the CallScope service health and readiness endpoints.

Health reports whether the process is up; readiness additionally probes
the graph store. A service that is healthy but not ready is running and
waiting for its Weaviate backend.

Examples:
  callscopectl status          # Human-readable report
  callscopectl status --json   # JSON output for automation`,
	Run: runStatusCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false,
		"Output as JSON for scripting")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// statusReport is the combined output of the two probe endpoints.
type statusReport struct {
	Server string                    `json:"server"`
	Health *callscope.HealthResponse `json:"health,omitempty"`
	Ready  *callscope.ReadyResponse  `json:"ready,omitempty"`
}

// runStatusCommand probes the service and displays the results.
//
// # Description
//
// Fetches /v1/usage/health and /v1/usage/ready, then formats the combined
// report based on output mode. The readiness endpoint returns 503 with a
// body when the graph store is unreachable; that body is still decoded
// and shown.
//
// # Inputs
//
//   - cmd: Cobra command (unused)
//   - args: Command arguments (unused)
//
// # Outputs
//
// Prints the status report to stdout.
func runStatusCommand(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 10 * time.Second}
	report := statusReport{Server: serverBaseURL()}

	resp, err := client.Get(serviceURL("/v1/usage/health"))
	if err != nil {
		log.Fatalf("Failed to reach the CallScope service at %s: %v", report.Server, err)
	}
	var health callscope.HealthResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if decodeErr != nil {
		log.Fatalf("Failed to parse the health response: %v", decodeErr)
	}
	report.Health = &health

	// A 503 here still carries a ReadyResponse body with the reason.
	resp, err = client.Get(serviceURL("/v1/usage/ready"))
	if err != nil {
		log.Fatalf("Failed to reach the readiness endpoint: %v", err)
	}
	var ready callscope.ReadyResponse
	decodeErr = json.NewDecoder(resp.Body).Decode(&ready)
	resp.Body.Close()
	if decodeErr != nil {
		log.Fatalf("Failed to parse the readiness response: %v", decodeErr)
	}
	report.Ready = &ready

	if statusJSONOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			log.Fatalf("Failed to encode JSON: %v", err)
		}
	} else {
		fmt.Printf("CallScope @ %s\n", report.Server)
		fmt.Printf("  Health: %s (version %s)\n", health.Status, health.Version)
		if ready.Ready {
			fmt.Println("  Ready:  yes")
		} else {
			fmt.Printf("  Ready:  no (%s)\n", ready.Reason)
		}
	}

	if !ready.Ready {
		os.Exit(1)
	}
}
