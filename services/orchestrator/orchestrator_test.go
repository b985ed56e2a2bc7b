// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDraw/services/llm"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/config"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/datatypes"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// recordingInvoker emits fixed chunks and keeps the messages it was given.
type recordingInvoker struct {
	mu       sync.Mutex
	chunks   []string
	messages []datatypes.ChatMessage
}

func (r *recordingInvoker) Invoke(_ context.Context, _ datatypes.BackendConfig, msgs []datatypes.ChatMessage, onChunk llm.ChunkHandler) error {
	r.mu.Lock()
	r.messages = msgs
	r.mu.Unlock()
	for _, c := range r.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func testDeps(inv llm.Invoker) *Dependencies {
	env := config.NewEnvSnapshot(func(k string) (string, bool) {
		switch k {
		case config.EnvBaseURL:
			return "http://localhost:11434", true
		case config.EnvAPIKey:
			return "sk-test", true
		case config.EnvModel:
			return "llama3", true
		}
		return "", false
	})
	return &Dependencies{Invoker: inv, Env: &env, Registry: prometheus.NewRegistry()}
}

func testConfig() Config {
	return Config{TraceExporter: TraceExporterNone}
}

// =============================================================================
// Config Tests
// =============================================================================

// TestApplyConfigDefaults_AllDefaults verifies default values are applied.
func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	// Arrange
	cfg := Config{}

	// Act
	result := applyConfigDefaults(cfg)

	// Assert
	assert.Equal(t, 12210, result.Port, "default port should be 12210")
	assert.Equal(t, TraceExporterOTLP, result.TraceExporter)
	assert.Equal(t, "aleutian-otel-collector:4317", result.OTelEndpoint,
		"default OTel endpoint should be aleutian-otel-collector:4317")
	assert.False(t, result.DisableMetrics, "metrics should be enabled by default")
	assert.Equal(t, 15*time.Second, result.HeartbeatInterval)
	assert.Equal(t, int64(20<<20), result.MaxRequestBytes)
	assert.Equal(t, llm.DefaultTimeout, result.BackendTimeout)
	assert.Equal(t, 10*time.Second, result.ShutdownTimeout)
}

// TestApplyConfigDefaults_PreservesCustomValues verifies custom values are not overwritten.
func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	// Arrange
	cfg := Config{
		Port:              8080,
		TraceExporter:     TraceExporterStdout,
		OTelEndpoint:      "custom-collector:4317",
		HeartbeatInterval: -1,
		MaxRequestBytes:   1024,
	}

	// Act
	result := applyConfigDefaults(cfg)

	// Assert
	assert.Equal(t, 8080, result.Port, "custom port should be preserved")
	assert.Equal(t, TraceExporterStdout, result.TraceExporter)
	assert.Equal(t, "custom-collector:4317", result.OTelEndpoint,
		"custom OTel endpoint should be preserved")
	assert.Equal(t, time.Duration(-1), result.HeartbeatInterval, "negative disables keepalives")
	assert.Equal(t, int64(1024), result.MaxRequestBytes)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"port too large", func(c *Config) { c.Port = 70000 }, true},
		{"unknown exporter", func(c *Config) { c.TraceExporter = "zipkin" }, true},
		{"unknown gin mode", func(c *Config) { c.GinMode = "verbose" }, true},
		{"release mode", func(c *Config) { c.GinMode = "release" }, false},
		{"otlp without endpoint", func(c *Config) { c.TraceExporter = "otlp"; c.OTelEndpoint = "" }, true},
		{"missing prompt file", func(c *Config) { c.SystemPromptFile = "/nonexistent/prompt.txt" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := applyConfigDefaults(Config{})
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =============================================================================
// Config File Tests
// =============================================================================

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, "orchestrator.yaml", `
port: 9000
gin_mode: release
trace_exporter: stdout
heartbeat_interval: 5s
max_request_bytes: 1048576
backend_timeout: 2m
shutdown_timeout: 30s
disable_metrics: true
`)

	cfg, err := LoadConfigFile(path)

	require.NoError(t, err)
	assert.Equal(t, Config{
		Port:              9000,
		GinMode:           "release",
		TraceExporter:     "stdout",
		HeartbeatInterval: 5 * time.Second,
		MaxRequestBytes:   1 << 20,
		BackendTimeout:    2 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
		DisableMetrics:    true,
	}, cfg)
}

func TestLoadConfigFile_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "orchestrator.yaml", "prot: 9000\n")

	_, err := LoadConfigFile(path)

	assert.Error(t, err)
}

func TestLoadConfigFile_EmptyFile(t *testing.T) {
	path := writeFile(t, "orchestrator.yaml", "")

	cfg, err := LoadConfigFile(path)

	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
}

func TestLoadConfigFile_Missing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.ErrorIs(t, err, os.ErrNotExist)
}

// =============================================================================
// Service Tests
// =============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{TraceExporter: "zipkin"}, testDeps(&recordingInvoker{}))

	assert.Error(t, err)
}

func TestNew_RoutesWired(t *testing.T) {
	// Arrange
	inv := &recordingInvoker{chunks: []string{"[", "]"}}
	svc, err := New(testConfig(), testDeps(inv))
	require.NoError(t, err)

	// Act
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"userInput":"draw a tree"}`))
	req.Header.Set("Content-Type", "application/json")
	svc.Router().ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data: {\"content\":\"[\"}\n\ndata: {\"content\":\"]\"}\n\ndata: [DONE]\n\n", w.Body.String())

	m := httptest.NewRecorder()
	svc.Router().ServeHTTP(m, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, m.Code)
	assert.Contains(t, m.Body.String(), "aleutian_streaming_chunks_total")
}

func TestNew_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.DisableMetrics = true
	svc, err := New(cfg, testDeps(&recordingInvoker{}))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNew_DefaultInvokerReportsBackends(t *testing.T) {
	deps := testDeps(nil)
	svc, err := New(testConfig(), deps)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"backends":["anthropic","claude","ollama","openai"]`)
}

func TestNew_SystemPromptFile(t *testing.T) {
	// Arrange
	path := writeFile(t, "prompt.txt", "Return only Excalidraw JSON.")
	cfg := testConfig()
	cfg.SystemPromptFile = path
	inv := &recordingInvoker{}
	svc, err := New(cfg, testDeps(inv))
	require.NoError(t, err)

	// Act
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"userInput":"x"}`))
	svc.Router().ServeHTTP(w, req)

	// Assert
	inv.mu.Lock()
	defer inv.mu.Unlock()
	require.Len(t, inv.messages, 2)
	assert.Equal(t, "Return only Excalidraw JSON.", inv.messages[0].Content)
}

func TestService_ServeAndShutdown(t *testing.T) {
	// Arrange
	svc, err := New(testConfig(), testDeps(&recordingInvoker{}))
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	// Act
	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	cancel()

	// Assert
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestInitTracer_StdoutAndNone(t *testing.T) {
	for _, exporter := range []string{TraceExporterStdout, TraceExporterNone} {
		cleanup, err := initTracer(context.Background(), Config{TraceExporter: exporter})
		require.NoError(t, err, exporter)
		cleanup(context.Background())
	}

	_, err := initTracer(context.Background(), Config{TraceExporter: "zipkin"})
	assert.Error(t, err)
}
