// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the chat message model handed to LLM backends. For the
// inbound request body see generate.go, for the outbound SSE frames see
// stream_event.go.
package datatypes

import "strings"

// =============================================================================
// Roles
// =============================================================================

// Role identifies the conversational position of a ChatMessage.
type Role string

const (
	// RoleSystem carries the fixed generation instructions.
	RoleSystem Role = "system"

	// RoleUser carries the caller's request.
	RoleUser Role = "user"
)

// =============================================================================
// Backend Configuration
// =============================================================================

// BackendConfig identifies which LLM service and credentials serve a request.
//
// # Description
//
// A BackendConfig is created per request, either copied from the caller's
// request body or built from the process environment snapshot. It is never
// persisted and lives only for the duration of one request.
//
// # Fields
//
//   - Type: Backend kind ("openai", "anthropic", "ollama").
//   - BaseURL: Root URL of the backend API (e.g. "https://api.openai.com/v1").
//   - APIKey: Credential sent to the backend.
//   - Model: Model identifier passed through to the backend.
//
// # Limitations
//
//   - Caller-supplied configs are trusted and not validated.
type BackendConfig struct {
	Type    string `json:"type"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
}

// Kind returns the normalised backend kind used for dispatch.
func (c BackendConfig) Kind() string {
	return strings.ToLower(strings.TrimSpace(c.Type))
}

// Redacted returns a copy safe for logs, with the API key masked.
func (c BackendConfig) Redacted() BackendConfig {
	c.APIKey = MaskSecret(c.APIKey)
	return c
}

// MaskSecret keeps the last four characters of a credential.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// =============================================================================
// Chat Messages
// =============================================================================

// ImagePayload is an inline image attached to a user request.
//
// # Fields
//
//   - Data: Base64 image bytes. A "data:" URL prefix is tolerated; backends
//     strip or build it as their wire format requires.
//   - MimeType: Media type of the image (e.g. "image/png").
type ImagePayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// Base64 returns the raw base64 payload without any data URL prefix.
func (p ImagePayload) Base64() string {
	if !strings.HasPrefix(p.Data, "data:") {
		return p.Data
	}
	if idx := strings.Index(p.Data, ","); idx >= 0 {
		return p.Data[idx+1:]
	}
	return p.Data
}

// DataURL returns the payload as a data URL, building one if needed.
func (p ImagePayload) DataURL() string {
	if strings.HasPrefix(p.Data, "data:") {
		return p.Data
	}
	return "data:" + p.MimeType + ";base64," + p.Data
}

// ChatMessage is one entry of the ordered message list sent to a backend.
//
// # Description
//
// Every request produces exactly two messages: a system message followed by
// a user message. The backend contract interprets position as role, so the
// order is significant. Images travel beside the text content in Image rather
// than inlined into Content.
type ChatMessage struct {
	Role    Role          `json:"role"`
	Content string        `json:"content"`
	Image   *ImagePayload `json:"image,omitempty"`
}

// HasImage reports whether the message carries an image attachment.
func (m ChatMessage) HasImage() bool {
	return m.Image != nil
}
