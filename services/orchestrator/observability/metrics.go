// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the generation stream.
//
// # Description
//
// Metrics cover the whole life of a generation request: how many arrive,
// how they end, how long the first chunk takes, how many chunks flow, and
// which backends are called. They are exposed on GET /metrics.
//
// # Metrics
//
//   - aleutian_streaming_requests_total{endpoint,status}
//   - aleutian_streaming_chunks_total{backend}
//   - aleutian_streaming_time_to_first_chunk_seconds{endpoint}
//   - aleutian_streaming_stream_duration_seconds{endpoint,status}
//   - aleutian_streaming_active_streams{endpoint}
//   - aleutian_streaming_errors_total{endpoint,error_code}
//   - aleutian_streaming_keepalives_total{endpoint}
//   - aleutian_streaming_client_disconnects_total{endpoint}
//   - aleutian_streaming_backend_invocations_total{backend,outcome}
//
// # Thread Safety
//
// All methods are safe for concurrent use and safe to call on a nil
// *StreamingMetrics, which records nothing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian"

const streamingSubsystem = "streaming"

// StreamingMetrics holds the collectors for the generation stream.
type StreamingMetrics struct {
	// RequestsTotal counts requests by endpoint and final status.
	RequestsTotal *prometheus.CounterVec

	// ChunksTotal counts content chunks relayed to clients, by backend.
	ChunksTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures request start to first content chunk.
	TimeToFirstChunkSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures the full stream, by endpoint and status.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams is the number of open streams.
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts failures by endpoint and ErrorCode.
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE comment pings.
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts streams abandoned by the client.
	ClientDisconnectsTotal *prometheus.CounterVec

	// BackendInvocationsTotal counts backend calls by type and outcome.
	BackendInvocationsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance set by InitMetrics.
var DefaultMetrics *StreamingMetrics

// InitMetrics registers the collectors with the default Prometheus registry
// and stores them in DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice, since the default registry rejects duplicates.
//     Use NewStreamingMetrics with a private registry in tests.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = NewStreamingMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewStreamingMetrics creates the collectors and registers them with reg.
//
// # Inputs
//
//   - reg: Target registry. Nil creates unregistered collectors.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		ChunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "chunks_total",
				Help:      "Total content chunks relayed to clients by backend",
			},
			[]string{"backend"},
		),

		TimeToFirstChunkSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from request to first content chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		BackendInvocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "backend_invocations_total",
				Help:      "Total LLM backend invocations by backend type and outcome",
			},
			[]string{"backend", "outcome"},
		),
	}
}

// =============================================================================
// Labels
// =============================================================================

// ErrorCode classifies a failed request for the errors_total metric.
type ErrorCode string

const (
	// ErrorCodeMissingInput means the request had no userInput.
	ErrorCodeMissingInput ErrorCode = "missing_input"

	// ErrorCodeMissingConfiguration means no backend config could be resolved.
	ErrorCodeMissingConfiguration ErrorCode = "missing_configuration"

	// ErrorCodeRequestMalformed means the body could not be decoded.
	ErrorCodeRequestMalformed ErrorCode = "request_malformed"

	// ErrorCodeRequestTooLarge means the body exceeded the size limit.
	ErrorCodeRequestTooLarge ErrorCode = "request_too_large"

	// ErrorCodeBackendFailure means the backend failed after the stream opened.
	ErrorCodeBackendFailure ErrorCode = "backend_failure"

	// ErrorCodeClientDisconnect means the client went away mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"

	// ErrorCodeInternal covers panics and other unexpected failures.
	ErrorCodeInternal ErrorCode = "internal"
)

// Endpoint names the handler for metric labels.
type Endpoint string

const (
	// EndpointGenerate is POST /api/generate.
	EndpointGenerate Endpoint = "generate"
)

// Outcome labels for BackendInvocationsTotal.
const (
	OutcomeSuccess    = "success"
	OutcomeError      = "error"
	OutcomeDisconnect = "disconnect"
)

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// =============================================================================
// Recording Methods
// =============================================================================

// RecordRequest counts a finished request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError counts a failure by code.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordChunks adds relayed content chunks for a backend.
func (m *StreamingMetrics) RecordChunks(backend string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ChunksTotal.WithLabelValues(backend).Add(float64(count))
}

// StreamStarted increments the active stream gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstChunk observes the latency of the first content chunk.
func (m *StreamingMetrics) RecordTimeToFirstChunk(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstChunkSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration observes the full stream duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordKeepAlive counts a keepalive ping.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect counts a stream the client abandoned.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordBackendInvocation counts one backend call.
func (m *StreamingMetrics) RecordBackendInvocation(backend, outcome string) {
	if m == nil {
		return
	}
	m.BackendInvocationsTotal.WithLabelValues(backend, outcome).Inc()
}
