// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the CallScope service.
//
// Description:
//
//	Provides standard counters and histograms for usage lookups, build
//	dispatches, snippet enrichment, and graph store probes. All metrics
//	use the "callscope_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Query Metrics ---

	// QueriesTotal counts usage lookups by outcome state.
	QueriesTotal metric.Int64Counter

	// QueryDuration records whole-lookup duration in seconds.
	QueryDuration metric.Float64Histogram

	// --- Build Metrics ---

	// BuildsTriggeredTotal counts dispatched analysis builds by origin
	// (query-initiated vs explicit API trigger).
	BuildsTriggeredTotal metric.Int64Counter

	// ActiveBuilds tracks live build records in the registry.
	ActiveBuilds metric.Int64ObservableGauge

	// --- Enrichment Metrics ---

	// EnrichmentFailuresTotal counts call sites served with the
	// degraded placeholder instead of real source.
	EnrichmentFailuresTotal metric.Int64Counter

	// --- Store Metrics ---

	// StoreChecksTotal counts graph availability probes by result.
	StoreChecksTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Description:
//
//	Registers all pre-defined metrics with the provided meter.
//	Returns an error if any metric registration fails. The ActiveBuilds
//	gauge needs a callback and is registered separately via
//	RegisterActiveBuilds.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Example:
//
//	meter := otel.Meter("callscope")
//	metrics, err := telemetry.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.QueriesTotal.Add(ctx, 1, ...)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Query Metrics ---
	m.QueriesTotal, err = meter.Int64Counter(
		"callscope_queries_total",
		metric.WithDescription("Total usage lookups by outcome state"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queries_total: %w", err)
	}

	m.QueryDuration, err = meter.Float64Histogram(
		"callscope_query_duration_seconds",
		metric.WithDescription("Usage lookup duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create query_duration: %w", err)
	}

	// --- Build Metrics ---
	m.BuildsTriggeredTotal, err = meter.Int64Counter(
		"callscope_builds_triggered_total",
		metric.WithDescription("Total analysis builds dispatched"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create builds_triggered_total: %w", err)
	}

	// Note: ActiveBuilds requires a callback registration, handled separately

	// --- Enrichment Metrics ---
	m.EnrichmentFailuresTotal, err = meter.Int64Counter(
		"callscope_enrichment_failures_total",
		metric.WithDescription("Call sites served with placeholder text"),
		metric.WithUnit("{site}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create enrichment_failures_total: %w", err)
	}

	// --- Store Metrics ---
	m.StoreChecksTotal, err = meter.Int64Counter(
		"callscope_store_checks_total",
		metric.WithDescription("Graph availability probes by result"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create store_checks_total: %w", err)
	}

	return m, nil
}

// RegisterActiveBuilds registers a callback for the active-builds gauge.
//
// Description:
//
//	Sets up an observable gauge that reports the number of live build
//	records. The callback is invoked each time metrics are scraped.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	countFunc - A function that returns the current live record count.
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
//
// Example:
//
//	reg, err := metrics.RegisterActiveBuilds(meter, func() int64 {
//	    return int64(locks.Len())
//	})
func (m *Metrics) RegisterActiveBuilds(meter metric.Meter, countFunc func() int64) (metric.Registration, error) {
	var err error
	m.ActiveBuilds, err = meter.Int64ObservableGauge(
		"callscope_active_builds",
		metric.WithDescription("Live build records in the registry"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_builds: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.ActiveBuilds, countFunc())
		return nil
	}, m.ActiveBuilds)
}
