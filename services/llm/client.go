// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm streams chat completions from LLM backends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianDraw/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.llm")

// DefaultTimeout bounds one complete backend call, including the stream body.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrUnsupportedBackend is returned for a config.Type no backend serves.
	ErrUnsupportedBackend = errors.New("Unsupported LLM type")

	// ErrInvocationSettled is returned to a backend that delivers a chunk
	// after its call has already returned.
	ErrInvocationSettled = errors.New("backend invocation already settled")
)

// ChunkHandler receives generated text in arrival order. A non-nil return
// aborts the backend call.
type ChunkHandler func(chunk string) error

// Invoker runs one streaming generation against the configured backend.
//
// # Description
//
// Invoke blocks until the backend has finished or failed. onChunk is called
// zero or more times, in order, from the calling goroutine's call tree. The
// return value tells the caller whether the stream ended in success.
type Invoker interface {
	Invoke(ctx context.Context, cfg datatypes.BackendConfig, messages []datatypes.ChatMessage, onChunk ChunkHandler) error
}

// Backend is one provider wire protocol.
type Backend interface {
	Stream(ctx context.Context, cfg datatypes.BackendConfig, messages []datatypes.ChatMessage, onChunk ChunkHandler) error
}

// Dispatcher routes invocations to a Backend by config type.
//
// # Description
//
// Types are matched case-insensitively after trimming. NewDispatcher registers
// "openai", "anthropic" (alias "claude") and "ollama".
//
// # Assumptions
//
//   - Backends are registered before the first Invoke. Register is not safe
//     to call concurrently with Invoke.
type Dispatcher struct {
	backends map[string]Backend
}

var _ Invoker = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher with the built-in backends.
//
// # Inputs
//
//   - httpClient: Shared client for backend calls. Nil uses a client with
//     DefaultTimeout.
func NewDispatcher(httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	d := &Dispatcher{backends: make(map[string]Backend)}
	anthropicBackend := NewAnthropicBackend(httpClient)
	d.Register("openai", NewOpenAIBackend(httpClient))
	d.Register("anthropic", anthropicBackend)
	d.Register("claude", anthropicBackend)
	d.Register("ollama", NewOllamaBackend(httpClient))
	return d
}

// Register adds or replaces the backend for a type.
func (d *Dispatcher) Register(kind string, backend Backend) {
	d.backends[datatypes.BackendConfig{Type: kind}.Kind()] = backend
}

// Kinds returns the registered backend types, sorted.
func (d *Dispatcher) Kinds() []string {
	kinds := make([]string, 0, len(d.backends))
	for k := range d.backends {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Invoke implements Invoker.
//
// # Description
//
// Wraps onChunk so that chunks are forwarded one at a time and any chunk a
// backend emits after Stream returned is dropped. Errors from onChunk are
// returned by the backend unchanged, so callers can match them with errors.Is.
//
// # Outputs
//
//   - error: ErrUnsupportedBackend (wrapped) for an unknown type, otherwise
//     whatever the backend returned.
func (d *Dispatcher) Invoke(ctx context.Context, cfg datatypes.BackendConfig, messages []datatypes.ChatMessage, onChunk ChunkHandler) error {
	backend, ok := d.backends[cfg.Kind()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}

	var (
		mu      sync.Mutex
		settled bool
	)
	guarded := func(chunk string) error {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			slog.Warn("Dropping chunk delivered after backend call returned",
				"backend", cfg.Kind(), "chunkLen", len(chunk))
			return ErrInvocationSettled
		}
		return onChunk(chunk)
	}

	err := backend.Stream(ctx, cfg, messages, guarded)

	mu.Lock()
	settled = true
	mu.Unlock()
	return err
}

// failSpan records err on span and returns it.
func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
