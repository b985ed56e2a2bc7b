// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt builds the message list sent to LLM backends.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianDraw/services/orchestrator/datatypes"
)

// Assembler turns user input into the [system, user] message pair.
//
// # Description
//
// The zero value is not usable; construct with NewAssembler. An Assembler is
// immutable and safe for concurrent use.
type Assembler struct {
	systemPrompt string
}

// NewAssembler creates an Assembler.
//
// # Inputs
//
//   - systemPrompt: Override for SystemPrompt. Empty uses the built-in text.
func NewAssembler(systemPrompt string) *Assembler {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = SystemPrompt
	}
	return &Assembler{systemPrompt: systemPrompt}
}

// NewAssemblerFromFile creates an Assembler whose system prompt is read from path.
//
// An empty path yields the built-in prompt.
func NewAssemblerFromFile(path string) (*Assembler, error) {
	if path == "" {
		return NewAssembler(""), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read system prompt file: %w", err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, fmt.Errorf("system prompt file %s is empty", path)
	}
	return NewAssembler(string(content)), nil
}

// SystemPrompt returns the system message text in use.
func (a *Assembler) SystemPrompt() string {
	return a.systemPrompt
}

// Assemble builds the ordered message list for one request.
//
// # Description
//
// Always returns exactly two messages, system first. For ImageInput the image
// is attached to the user message unchanged; for TextInput the user message
// has no image. Assemble never fails.
//
// # Inputs
//
//   - input: TextInput or ImageInput.
//   - chartType: Optional diagram hint; may be empty.
//
// # Outputs
//
//   - []datatypes.ChatMessage: [system, user].
func (a *Assembler) Assemble(input datatypes.UserInput, chartType string) []datatypes.ChatMessage {
	user := datatypes.ChatMessage{Role: datatypes.RoleUser}

	switch v := input.(type) {
	case datatypes.ImageInput:
		image := v.Image
		user.Content = UserPrompt(v.Text, chartType)
		user.Image = &image
	case datatypes.TextInput:
		user.Content = UserPrompt(v.Text, chartType)
	default:
		// nil input still yields a well-formed pair.
		user.Content = UserPrompt("", chartType)
	}

	return []datatypes.ChatMessage{
		{Role: datatypes.RoleSystem, Content: a.systemPrompt},
		user,
	}
}
