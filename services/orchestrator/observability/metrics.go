// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the query service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring query and
// streaming operations. Metrics include:
//   - Query counters (by mode and status)
//   - Admission wait and retrieval latency histograms
//   - In-flight and active stream gauges
//   - Repair outcomes and session evictions
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *Metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for query service metrics
const ragSubsystem = "rag"

// Metrics holds all Prometheus metrics of the query service.
//
// # Fields
//
//   - QueriesTotal: Queries by mode (sync, stream) and status
//   - AdmissionWaitSeconds: Time spent waiting for a concurrency slot
//   - InFlight: Non-streaming queries past admission
//   - ActiveStreams: Streams currently producing
//   - TimeToFirstTokenSeconds: Generator time to first token by mode
//   - RetrievalSeconds: Retrieval duration by mode
//   - RepairTotal: Repair outcomes (repaired, unchanged, skipped)
//   - SessionEvictionsTotal: Session evictions by reason (capacity, ttl)
//   - ClientDisconnectsTotal: Streams abandoned by the client
type Metrics struct {
	QueriesTotal            *prometheus.CounterVec
	AdmissionWaitSeconds    prometheus.Histogram
	InFlight                prometheus.Gauge
	ActiveStreams           prometheus.Gauge
	TimeToFirstTokenSeconds *prometheus.HistogramVec
	RetrievalSeconds        *prometheus.HistogramVec
	RepairTotal             *prometheus.CounterVec
	SessionEvictionsTotal   *prometheus.CounterVec
	ClientDisconnectsTotal  prometheus.Counter
}

// NewMetrics creates and registers the metrics with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Tests pass prometheus.NewRegistry();
//     the server passes prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics if the metrics are already registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "queries_total",
				Help:      "Total number of queries by mode and status",
			},
			[]string{"mode", "status"},
		),

		AdmissionWaitSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "admission_wait_seconds",
				Help:      "Time spent waiting for a concurrency slot",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
		),

		InFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "in_flight_queries",
				Help:      "Number of non-streaming queries holding a concurrency slot",
			},
		),

		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "active_streams",
				Help:      "Number of streams currently producing events",
			},
		),

		TimeToFirstTokenSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Generator time to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"mode"},
		),

		RetrievalSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "retrieval_seconds",
				Help:      "Repair plus document retrieval duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"mode"},
		),

		RepairTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "repair_total",
				Help:      "Query repair outcomes",
			},
			[]string{"outcome"},
		),

		SessionEvictionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "session_evictions_total",
				Help:      "Sessions evicted from the store by reason",
			},
			[]string{"reason"},
		),

		ClientDisconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Mode labels a query by response mode.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeStream Mode = "stream"
)

// Status labels a finished query.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusNotReady Status = "not_ready"
	StatusTimeout  Status = "timeout"
	StatusError    Status = "error"
)

// Repair outcomes.
const (
	RepairRepaired  = "repaired"
	RepairUnchanged = "unchanged"
	RepairSkipped   = "skipped"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordQuery records a finished query.
func (m *Metrics) RecordQuery(mode Mode, status Status) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(string(mode), string(status)).Inc()
}

// ObserveAdmissionWait records time spent waiting for a slot.
func (m *Metrics) ObserveAdmissionWait(seconds float64) {
	if m == nil {
		return
	}
	m.AdmissionWaitSeconds.Observe(seconds)
}

// QueryStarted increments the in-flight gauge.
func (m *Metrics) QueryStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

// QueryEnded decrements the in-flight gauge.
func (m *Metrics) QueryEnded() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstToken records generator latency to the first token.
func (m *Metrics) RecordTimeToFirstToken(mode Mode, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(string(mode)).Observe(seconds)
}

// RecordRetrieval records the retrieval phase duration.
func (m *Metrics) RecordRetrieval(mode Mode, seconds float64) {
	if m == nil {
		return
	}
	m.RetrievalSeconds.WithLabelValues(string(mode)).Observe(seconds)
}

// RecordRepair records a repair outcome.
func (m *Metrics) RecordRepair(outcome string) {
	if m == nil {
		return
	}
	m.RepairTotal.WithLabelValues(outcome).Inc()
}

// RecordEviction records a session eviction. It matches the session
// store's eviction hook.
func (m *Metrics) RecordEviction(_ int64, reason string) {
	if m == nil {
		return
	}
	m.SessionEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *Metrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}
