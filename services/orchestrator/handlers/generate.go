// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the HTTP handlers of the orchestrator service.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianDraw/services/llm"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/config"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/prompt"
)

const (
	// DefaultHeartbeatInterval is the keepalive period while a backend runs.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultMaxRequestBytes bounds the request body, images included.
	DefaultMaxRequestBytes int64 = 20 << 20

	// requestIDHeader carries the per-request UUID back to the client.
	requestIDHeader = "X-Request-ID"

	// fallbackErrorMessage is used when a failure carries no message.
	fallbackErrorMessage = "Failed to generate code"
)

// =============================================================================
// Interface Definition
// =============================================================================

// GenerateHandler serves POST /api/generate.
type GenerateHandler interface {
	// HandleGenerate streams a generated diagram as Server-Sent Events.
	//
	// # Description
	//
	// Request body: {config?, userInput, chartType?}. Before the stream opens
	// the handler answers with JSON errors:
	//
	//	413 body larger than the configured limit
	//	500 "request malformed": body is not valid JSON, or userInput is not a string/object
	//	400 userInput missing or empty
	//	400 no config in the request and the environment is incomplete
	//
	// After headers are committed the response is 200 text/event-stream:
	//
	//	data: {"content":"..."}   zero or more
	//	data: [DONE]              on success
	//	data: {"error":"..."}     on backend failure, instead of [DONE]
	//
	// When the client disconnects mid-stream no terminal frame is written.
	//
	// # Examples
	//
	//	router.POST("/api/generate", handler.HandleGenerate)
	HandleGenerate(c *gin.Context)
}

// GenerateOptions tunes a GenerateHandler.
//
// # Fields
//
//   - HeartbeatInterval: Keepalive period. Zero disables keepalives.
//   - MaxRequestBytes: Body limit. Zero or negative disables the limit.
//   - Metrics: Optional; nil records nothing.
type GenerateOptions struct {
	HeartbeatInterval time.Duration
	MaxRequestBytes   int64
	Metrics           *observability.StreamingMetrics
}

// DefaultGenerateOptions returns the production defaults.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxRequestBytes:   DefaultMaxRequestBytes,
		Metrics:           observability.DefaultMetrics,
	}
}

// =============================================================================
// Struct Definition
// =============================================================================

// generateHandler implements GenerateHandler.
//
// # Thread Safety
//
// Stateless after construction; one instance serves all requests.
type generateHandler struct {
	invoker           llm.Invoker
	env               config.EnvSnapshot
	assembler         *prompt.Assembler
	tracer            trace.Tracer
	metrics           *observability.StreamingMetrics
	heartbeatInterval time.Duration
	maxRequestBytes   int64
}

// NewGenerateHandler creates a GenerateHandler.
//
// # Inputs
//
//   - invoker: Backend invoker. Must not be nil.
//   - env: Environment snapshot used when a request carries no config.
//   - assembler: Prompt assembler. Must not be nil.
//   - opts: Heartbeat, size limit and metrics.
//
// # Limitations
//
//   - Panics on nil invoker or assembler (programming errors).
func NewGenerateHandler(invoker llm.Invoker, env config.EnvSnapshot, assembler *prompt.Assembler, opts GenerateOptions) GenerateHandler {
	if invoker == nil {
		panic("NewGenerateHandler: invoker must not be nil")
	}
	if assembler == nil {
		panic("NewGenerateHandler: assembler must not be nil")
	}
	return &generateHandler{
		invoker:           invoker,
		env:               env,
		assembler:         assembler,
		tracer:            otel.Tracer("aleutian.orchestrator.handlers"),
		metrics:           opts.Metrics,
		heartbeatInterval: opts.HeartbeatInterval,
		maxRequestBytes:   opts.MaxRequestBytes,
	}
}

// =============================================================================
// Handler
// =============================================================================

func (h *generateHandler) HandleGenerate(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointGenerate
	requestID := uuid.NewString()
	c.Header(requestIDHeader, requestID)

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleGenerate")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)

	// writer stays nil until the 200 and SSE headers are committed.
	var writer SSEWriter
	success := false
	defer func() {
		if r := recover(); r != nil {
			msg := panicMessage(r)
			slog.Error("Panic while handling generate request",
				"requestId", requestID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			span.SetStatus(codes.Error, "panic: "+msg)
			h.metrics.RecordError(endpoint, observability.ErrorCodeInternal)
			if writer == nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: msg})
			} else if err := writer.Finish(errors.New(msg)); err != nil {
				slog.Debug("Could not write error frame after panic", "requestId", requestID, "error", err)
			}
			success = false
		}
		h.metrics.RecordRequest(endpoint, success)
		h.metrics.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
	}()

	// Step 1: Parse request body
	if h.maxRequestBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxRequestBytes)
	}
	var req datatypes.GenerateRequest
	if err := bindGenerateRequest(c, &req); err != nil {
		span.RecordError(err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			span.SetStatus(codes.Error, "request too large")
			slog.Warn("Generate request body too large", "requestId", requestID, "limit", tooLarge.Limit)
			h.metrics.RecordError(endpoint, observability.ErrorCodeRequestTooLarge)
			c.JSON(http.StatusRequestEntityTooLarge, datatypes.ErrorResponse{
				Error: fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse generate request", "requestId", requestID, "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeRequestMalformed)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: datatypes.ErrRequestMalformed.Error()})
		return
	}

	// Step 2: Require user input
	input, ok := req.Input()
	if !ok {
		span.SetStatus(codes.Error, "missing input")
		slog.Warn("Generate request without userInput", "requestId", requestID)
		h.metrics.RecordError(endpoint, observability.ErrorCodeMissingInput)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: datatypes.ErrMissingInput.Error()})
		return
	}

	// Step 3: Resolve backend configuration
	cfg, err := config.Resolve(req.Config, h.env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing configuration")
		slog.Warn("No backend configuration available", "requestId", requestID, "missing", h.env.Missing())
		h.metrics.RecordError(endpoint, observability.ErrorCodeMissingConfiguration)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return
	}

	_, hasImage := input.(datatypes.ImageInput)
	span.SetAttributes(
		attribute.String("llm.backend", cfg.Kind()),
		attribute.String("llm.model", cfg.Model),
		attribute.Bool("request.has_image", hasImage),
		attribute.String("request.chart_type", req.ChartType),
		attribute.Bool("request.config_from_env", req.Config == nil),
	)

	// Step 4: Assemble messages
	messages := h.assembler.Assemble(input, req.ChartType)

	// Step 5: Commit headers and open the stream
	SetSSEHeaders(c.Writer)
	w, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer", "requestId", requestID, "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Streaming not supported"})
		return
	}
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	writer = w

	slog.Info("Generation stream opened",
		"requestId", requestID,
		"backend", cfg.Kind(),
		"model", cfg.Model,
		"hasImage", hasImage,
		"chartType", req.ChartType,
	)

	// Step 6: Relay backend chunks
	chunks, streamErr := h.relay(ctx, requestID, cfg, messages, writer, startTime)
	h.metrics.RecordChunks(cfg.Kind(), chunks)

	// Step 7: Terminal frame
	disconnected := streamErr != nil && (ctx.Err() != nil || errors.Is(streamErr, context.Canceled))
	switch {
	case streamErr == nil:
		h.metrics.RecordBackendInvocation(cfg.Kind(), observability.OutcomeSuccess)
	case disconnected:
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "client disconnected")
		slog.Info("Client disconnected during generation", "requestId", requestID, "chunks", chunks)
		h.metrics.RecordClientDisconnect(endpoint)
		h.metrics.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
		h.metrics.RecordBackendInvocation(cfg.Kind(), observability.OutcomeDisconnect)
	default:
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "backend failure")
		slog.Error("Backend stream failed",
			"requestId", requestID,
			"backend", cfg.Kind(),
			"chunks", chunks,
			"error", streamErr,
		)
		h.metrics.RecordError(endpoint, observability.ErrorCodeBackendFailure)
		h.metrics.RecordBackendInvocation(cfg.Kind(), observability.OutcomeError)
	}

	if disconnected {
		// Nobody is listening, so no terminal frame is written.
		_ = writer.Close()
	} else if err := writer.Finish(streamErr); err != nil {
		slog.Debug("Failed to write terminal frame", "requestId", requestID, "error", err)
	}
	success = streamErr == nil

	slog.Info("Generation stream closed",
		"requestId", requestID,
		"success", success,
		"chunks", chunks,
		"durationMs", time.Since(startTime).Milliseconds(),
	)
}

// relay drives the backend and writes a content frame per chunk.
//
// # Description
//
// The heartbeat runs for the duration of the backend call and is fully
// stopped before relay returns, so the caller may write the terminal frame
// without a keepalive racing behind it.
//
// # Outputs
//
//   - int: Content frames written.
//   - error: Backend or write failure; nil on success.
func (h *generateHandler) relay(
	ctx context.Context,
	requestID string,
	cfg datatypes.BackendConfig,
	messages []datatypes.ChatMessage,
	writer SSEWriter,
	startTime time.Time,
) (int, error) {
	stopHeartbeat := h.startHeartbeat(ctx, writer)
	defer stopHeartbeat()

	chunks := 0
	onChunk := func(chunk string) error {
		// Client gone: abort the backend call.
		if err := ctx.Err(); err != nil {
			return err
		}
		if chunks == 0 {
			ttfc := time.Since(startTime)
			h.metrics.RecordTimeToFirstChunk(observability.EndpointGenerate, ttfc.Seconds())
			slog.Debug("First chunk received", "requestId", requestID, "ttfcMs", ttfc.Milliseconds())
		}
		if err := writer.WriteContent(chunk); err != nil {
			return err
		}
		chunks++
		return nil
	}

	err := h.invoker.Invoke(ctx, cfg, messages, onChunk)
	return chunks, err
}

// startHeartbeat launches runHeartbeat and returns a function that stops it
// and waits for it to exit.
func (h *generateHandler) startHeartbeat(ctx context.Context, writer SSEWriter) func() {
	if h.heartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runHeartbeat(ctx, writer, done)
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// runHeartbeat sends keepalive comments until done is closed, the context is
// cancelled, or a write fails.
func (h *generateHandler) runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(observability.EndpointGenerate)
		}
	}
}

// bindGenerateRequest decodes the body into req. Decode failures other than
// an exceeded size limit are wrapped with datatypes.ErrRequestMalformed.
func bindGenerateRequest(c *gin.Context, req *datatypes.GenerateRequest) error {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return fmt.Errorf("%w: %v", datatypes.ErrRequestMalformed, err)
}

// errorMessage returns err's text, or the generic message when it is empty.
func errorMessage(err error) string {
	if err == nil || err.Error() == "" {
		return fallbackErrorMessage
	}
	return err.Error()
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return errorMessage(err)
	}
	return fallbackErrorMessage
}
