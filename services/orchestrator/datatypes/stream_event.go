// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// doneFrame is the terminal marker of a successful stream.
const doneFrame = "data: [DONE]\n\n"

// StreamEventKind tags the variant held by a StreamEvent.
type StreamEventKind int

const (
	// StreamEventContent carries one chunk of generated text.
	StreamEventContent StreamEventKind = iota

	// StreamEventError carries the failure message of a broken stream.
	StreamEventError

	// StreamEventDone is the terminal sentinel of a successful stream.
	StreamEventDone
)

// String returns the kind name used in logs.
func (k StreamEventKind) String() string {
	switch k {
	case StreamEventContent:
		return "content"
	case StreamEventError:
		return "error"
	case StreamEventDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamEvent is one unit of the outbound SSE protocol.
//
// # Description
//
// A stream is zero or more content events followed by exactly one terminal
// event: either Done, or Error. Build events with ContentEvent, ErrorEvent and
// DoneEvent rather than by hand.
type StreamEvent struct {
	Kind    StreamEventKind
	Content string
	Error   string
}

// ContentEvent builds a content event.
func ContentEvent(chunk string) StreamEvent {
	return StreamEvent{Kind: StreamEventContent, Content: chunk}
}

// ErrorEvent builds an error event.
func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Kind: StreamEventError, Error: message}
}

// DoneEvent builds the terminal sentinel.
func DoneEvent() StreamEvent {
	return StreamEvent{Kind: StreamEventDone}
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind != StreamEventContent
}

type contentPayload struct {
	Content string `json:"content"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Frame encodes the event in SSE wire format.
//
// # Description
//
// Produces one of:
//
//	data: {"content":"<chunk>"}\n\n
//	data: {"error":"<message>"}\n\n
//	data: [DONE]\n\n
//
// HTML escaping is disabled so "<", ">" and "&" reach the client verbatim,
// which matters for the SVG and markup fragments models tend to emit.
//
// # Outputs
//
//   - []byte: Complete frame including the trailing blank line.
//   - error: Non-nil only for an unknown kind.
func (e StreamEvent) Frame() ([]byte, error) {
	var payload any
	switch e.Kind {
	case StreamEventContent:
		payload = contentPayload{Content: e.Content}
	case StreamEventError:
		payload = errorPayload{Error: e.Error}
	case StreamEventDone:
		return []byte(doneFrame), nil
	default:
		return nil, fmt.Errorf("unknown stream event kind %d", e.Kind)
	}

	var buf bytes.Buffer
	buf.WriteString("data: ")
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	// Encode terminates with a single newline; SSE needs a blank line.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
