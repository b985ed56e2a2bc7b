// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics creates a StreamingMetrics instance on a private registry so
// tests can run in parallel without colliding on the default registry.
func newTestMetrics(t *testing.T) (*StreamingMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewStreamingMetrics(reg), reg
}

func TestNewStreamingMetrics_RegistersCollectors(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vec collectors only appear once a label set has been touched.
	m.RecordRequest(EndpointGenerate, true)
	m.RecordChunks("openai", 1)
	m.RecordTimeToFirstChunk(EndpointGenerate, 0.1)
	m.RecordStreamDuration(EndpointGenerate, 1, true)
	m.StreamStarted(EndpointGenerate)
	m.RecordError(EndpointGenerate, ErrorCodeInternal)
	m.RecordKeepAlive(EndpointGenerate)
	m.RecordClientDisconnect(EndpointGenerate)
	m.RecordBackendInvocation("openai", OutcomeSuccess)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) != 9 {
		t.Errorf("expected 9 metric families, got %d", len(families))
	}
}

func TestNewStreamingMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewStreamingMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewStreamingMetrics(reg)
}

func TestStreamingMetrics_NilSafe(t *testing.T) {
	var m *StreamingMetrics
	m.RecordRequest(EndpointGenerate, true)
	m.RecordError(EndpointGenerate, ErrorCodeBackendFailure)
	m.RecordChunks("openai", 3)
	m.StreamStarted(EndpointGenerate)
	m.StreamEnded(EndpointGenerate)
	m.RecordTimeToFirstChunk(EndpointGenerate, 0.5)
	m.RecordStreamDuration(EndpointGenerate, 2, false)
	m.RecordKeepAlive(EndpointGenerate)
	m.RecordClientDisconnect(EndpointGenerate)
	m.RecordBackendInvocation("openai", OutcomeError)
}

func TestErrorCodeConstants(t *testing.T) {
	codes := map[ErrorCode]string{
		ErrorCodeMissingInput:         "missing_input",
		ErrorCodeMissingConfiguration: "missing_configuration",
		ErrorCodeRequestMalformed:     "request_malformed",
		ErrorCodeRequestTooLarge:      "request_too_large",
		ErrorCodeBackendFailure:       "backend_failure",
		ErrorCodeClientDisconnect:     "client_disconnect",
		ErrorCodeInternal:             "internal",
	}
	for code, want := range codes {
		if string(code) != want {
			t.Errorf("ErrorCode = %q, want %q", code, want)
		}
	}
	if EndpointGenerate != "generate" {
		t.Errorf("EndpointGenerate = %q", EndpointGenerate)
	}
}

func TestStreamingMetrics_RecordRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRequest(EndpointGenerate, true)
	m.RecordRequest(EndpointGenerate, true)
	m.RecordRequest(EndpointGenerate, false)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("generate", "success")); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("generate", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestStreamingMetrics_RecordChunks(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordChunks("anthropic", 4)
	m.RecordChunks("anthropic", 0)
	m.RecordChunks("anthropic", -1)

	if got := testutil.ToFloat64(m.ChunksTotal.WithLabelValues("anthropic")); got != 4 {
		t.Errorf("chunks = %v, want 4", got)
	}
}

func TestStreamingMetrics_StreamLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)
	gauge := m.ActiveStreams.WithLabelValues("generate")

	m.StreamStarted(EndpointGenerate)
	m.StreamStarted(EndpointGenerate)
	if got := testutil.ToFloat64(gauge); got != 2 {
		t.Errorf("active = %v, want 2", got)
	}
	m.StreamEnded(EndpointGenerate)
	m.StreamEnded(EndpointGenerate)
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
}

func TestStreamingMetrics_ErrorsAndDisconnects(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordError(EndpointGenerate, ErrorCodeMissingInput)
	m.RecordError(EndpointGenerate, ErrorCodeMissingInput)
	m.RecordClientDisconnect(EndpointGenerate)
	m.RecordKeepAlive(EndpointGenerate)
	m.RecordBackendInvocation("ollama", OutcomeDisconnect)

	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("generate", "missing_input")); got != 2 {
		t.Errorf("missing_input = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("generate")); got != 1 {
		t.Errorf("disconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("generate")); got != 1 {
		t.Errorf("keepalives = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BackendInvocationsTotal.WithLabelValues("ollama", "disconnect")); got != 1 {
		t.Errorf("invocations = %v, want 1", got)
	}
}

func TestStreamingMetrics_Histograms(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordTimeToFirstChunk(EndpointGenerate, 0.3)
	m.RecordStreamDuration(EndpointGenerate, 12, true)

	count, err := testutil.GatherAndCount(reg,
		"aleutian_streaming_time_to_first_chunk_seconds",
		"aleutian_streaming_stream_duration_seconds",
	)
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("histogram series = %d, want 2", count)
	}
}

func TestStreamingMetrics_ConcurrentSafety(t *testing.T) {
	m, _ := newTestMetrics(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.StreamStarted(EndpointGenerate)
			m.RecordChunks("openai", 2)
			m.RecordRequest(EndpointGenerate, true)
			m.StreamEnded(EndpointGenerate)
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(m.ChunksTotal.WithLabelValues("openai")); got != 100 {
		t.Errorf("chunks = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("generate")); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
}
