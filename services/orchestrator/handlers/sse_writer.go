// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianDraw/services/orchestrator/datatypes"
)

// ErrStreamClosed is returned by every write once the writer is closed.
var ErrStreamClosed = errors.New("stream closed")

// keepAliveFrame is an SSE comment. Clients ignore it; proxies see traffic.
const keepAliveFrame = ": ping\n\n"

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter relays a generation stream to the client as Server-Sent Events.
//
// # Description
//
// The writer is a two-state machine:
//
//	Open ──WriteContent──▶ Open
//	Open ──Finish(nil)───▶ Closed   (writes data: [DONE])
//	Open ──Finish(err)───▶ Closed   (writes data: {"error": err.Error()})
//	Open ──Close()───────▶ Closed   (writes nothing)
//
// Once Closed, every method returns ErrStreamClosed and writes nothing, so a
// stream carries at most one terminal frame and no frame ever follows it.
//
// # Thread Safety
//
// Safe for concurrent use. The heartbeat goroutine and the backend callback
// share one writer.
//
// # Assumptions
//
//   - SetSSEHeaders has been called before the first write.
type SSEWriter interface {
	// WriteContent writes one content frame and flushes it.
	WriteContent(chunk string) error

	// Finish writes the terminal frame for streamErr and closes the writer.
	Finish(streamErr error) error

	// Close closes the writer without a terminal frame. Use it when the
	// client has gone away and nothing can be delivered.
	Close() error

	// WriteKeepAlive writes an SSE comment (": ping") to keep idle
	// connections open through load balancers.
	//
	// # Examples
	//
	//	ticker := time.NewTicker(15 * time.Second)
	//	defer ticker.Stop()
	//	for range ticker.C {
	//	    if err := writer.WriteKeepAlive(); err != nil {
	//	        return
	//	    }
	//	}
	WriteKeepAlive() error

	// Closed reports whether Finish or Close has been called.
	Closed() bool
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Fields
//
//   - writer: Underlying response body.
//   - flusher: Pushes each frame to the client immediately.
//   - closed: Set by Finish or Close.
//   - mu: Serialises frames.
type sseWriter struct {
	writer  io.Writer
	flusher http.Flusher
	closed  bool
	mu      sync.Mutex
}

var _ SSEWriter = (*sseWriter)(nil)

// NewSSEWriter creates an SSEWriter for w.
//
// # Outputs
//
//   - SSEWriter: Open writer.
//   - error: Non-nil if w cannot flush.
//
// # Examples
//
//	SetSSEHeaders(c.Writer)
//	writer, err := NewSSEWriter(c.Writer)
//	if err != nil {
//	    c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Streaming not supported"})
//	    return
//	}
//	_ = writer.WriteContent("Hello")
//	_ = writer.Finish(nil)
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

// writeEvent encodes and flushes one frame. Caller holds mu.
func (w *sseWriter) writeEvent(event datatypes.StreamEvent) error {
	frame, err := event.Frame()
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(frame); err != nil {
		return fmt.Errorf("write %s event: %w", event.Kind, err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteContent(chunk string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrStreamClosed
	}
	return w.writeEvent(datatypes.ContentEvent(chunk))
}

// Finish closes the writer even when the terminal write fails; the
// connection is unusable at that point anyway.
func (w *sseWriter) Finish(streamErr error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrStreamClosed
	}
	w.closed = true

	if streamErr == nil {
		return w.writeEvent(datatypes.DoneEvent())
	}
	return w.writeEvent(datatypes.ErrorEvent(streamErr.Error()))
}

func (w *sseWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrStreamClosed
	}
	w.closed = true
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrStreamClosed
	}
	if _, err := io.WriteString(w.writer, keepAliveFrame); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders sets the response headers for an event stream.
//
// X-Accel-Buffering disables nginx response buffering so frames are not held
// back by a reverse proxy.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
