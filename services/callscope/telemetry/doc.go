// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for CallScope.
//
// Init builds the global TracerProvider and MeterProvider from a small
// exporter-selection Config, installs the W3C trace-context propagator, and
// hands back one shutdown function that flushes whatever was installed. The
// rest of the service never touches an SDK package; components obtain their
// tracers and meters through otel.Tracer and otel.Meter and stay unaware of
// where the data lands.
//
// # Exporters
//
// Traces go to an OTLP/gRPC collector by default ("jaeger" is accepted as an
// alias, since Jaeger ingests OTLP natively). Metrics default to a
// Prometheus pull endpoint; while that exporter is active, MetricsHandler
// returns the promhttp handler for mounting on the router:
//
//	if h := telemetry.MetricsHandler(); h != nil {
//	    router.GET("/metrics", gin.WrapH(h))
//	}
//
// Both signals also accept "stdout" for local debugging and "none" to turn
// the signal off entirely.
//
// # Instruments
//
// The Metrics struct groups the service's instruments under the
// "callscope_" prefix: lookup counts and durations, dispatched builds, an
// active-build gauge, enrichment fallbacks, and store availability probes.
// NewMetrics creates everything except the gauge, which needs a live count
// callback and is attached separately via RegisterActiveBuilds.
//
// # Environment
//
// DefaultConfig honors the standard OTel variables (OTEL_TRACES_EXPORTER,
// OTEL_METRICS_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT) plus CALLSCOPE_ENV
// for the deployment.environment resource attribute.
//
// # Thread Safety
//
// Init is called once at startup; everything exported is safe for
// concurrent use afterwards.
package telemetry
