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
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMissingInput is returned when a request carries no userInput.
	ErrMissingInput = errors.New("Missing required parameter: userInput")

	// ErrRequestMalformed is returned when a request body cannot be decoded.
	ErrRequestMalformed = errors.New("request malformed")
)

// ErrorResponse is the JSON body of every non-streaming error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// User Input Variant
// =============================================================================

// UserInput is the caller's generation request.
//
// # Description
//
// UserInput is a closed set of two variants:
//   - TextInput: plain text prompt.
//   - ImageInput: text prompt with one inline image.
//
// The unexported marker method keeps the set closed so type switches over
// UserInput only need to handle these two cases.
type UserInput interface {
	isUserInput()

	// Prompt returns the text part of the input.
	Prompt() string
}

// TextInput is a plain text request.
type TextInput struct {
	Text string
}

func (TextInput) isUserInput() {}

// Prompt implements UserInput.
func (t TextInput) Prompt() string { return t.Text }

// ImageInput is a text request with one inline image.
type ImageInput struct {
	Text  string
	Image ImagePayload
}

func (ImageInput) isUserInput() {}

// Prompt implements UserInput.
func (i ImageInput) Prompt() string { return i.Text }

// structuredInput is the object form of userInput on the wire.
type structuredInput struct {
	Text  string        `json:"text"`
	Image *ImagePayload `json:"image"`
}

// RawUserInput decodes the userInput field, which is either a JSON string or
// an object {text, image?}.
type RawUserInput struct {
	Value UserInput
}

// UnmarshalJSON implements json.Unmarshaler.
//
// # Description
//
// Decodes:
//   - null → Value nil
//   - "text" → TextInput
//   - {"text": "...", "image": {"data": "...", "mimeType": "..."}} → ImageInput
//   - {"text": "..."} (no image or empty image data) → TextInput
//
// Any other JSON type is rejected.
func (r *RawUserInput) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		r.Value = nil
		return nil
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return fmt.Errorf("userInput: %w", err)
		}
		r.Value = TextInput{Text: text}
		return nil
	case '{':
		var obj structuredInput
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("userInput: %w", err)
		}
		if obj.Image != nil && obj.Image.Data != "" {
			r.Value = ImageInput{Text: obj.Text, Image: *obj.Image}
		} else {
			r.Value = TextInput{Text: obj.Text}
		}
		return nil
	default:
		return fmt.Errorf("userInput: must be a string or an object, got %s", describeJSONKind(trimmed[0]))
	}
}

// MarshalJSON implements json.Marshaler.
func (r RawUserInput) MarshalJSON() ([]byte, error) {
	switch v := r.Value.(type) {
	case nil:
		return []byte("null"), nil
	case TextInput:
		return json.Marshal(v.Text)
	case ImageInput:
		return json.Marshal(structuredInput{Text: v.Text, Image: &v.Image})
	default:
		return nil, fmt.Errorf("userInput: unsupported variant %T", v)
	}
}

func describeJSONKind(first byte) string {
	switch first {
	case '[':
		return "array"
	case 't', 'f':
		return "boolean"
	default:
		return "number"
	}
}

// =============================================================================
// Generate Request
// =============================================================================

// GenerateRequest is the body of POST /api/generate.
//
// # Fields
//
//   - Config: Optional backend configuration. When nil the environment
//     snapshot is used.
//   - UserInput: Required. Plain text or {text, image}.
//   - ChartType: Optional diagram type hint ("flowchart", "mindmap", ...).
//
// # Examples
//
//	{"userInput": "Draw the OAuth2 authorization code flow", "chartType": "sequence"}
//
//	{
//	    "config": {"type": "anthropic", "baseUrl": "https://api.anthropic.com/v1",
//	               "apiKey": "sk-...", "model": "claude-sonnet-4-5"},
//	    "userInput": {"text": "Redraw this whiteboard",
//	                  "image": {"data": "iVBORw0...", "mimeType": "image/png"}}
//	}
type GenerateRequest struct {
	Config    *BackendConfig `json:"config"`
	UserInput RawUserInput   `json:"userInput"`
	ChartType string         `json:"chartType"`
}

// Input returns the decoded user input and whether one was supplied.
//
// # Description
//
// Absent, null, and empty-string inputs all count as missing. The object form
// always counts as present, even with empty text.
func (r *GenerateRequest) Input() (UserInput, bool) {
	switch v := r.UserInput.Value.(type) {
	case nil:
		return nil, false
	case TextInput:
		if v.Text == "" {
			return nil, false
		}
		return v, true
	default:
		return v, true
	}
}
