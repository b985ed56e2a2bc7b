// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves which LLM backend serves a generation request.
//
// A request may carry its own backend configuration. When it does not, the
// service falls back to a snapshot of the process environment taken at
// startup. The snapshot is read-only after construction and is passed
// explicitly to Resolve, so request handling never touches os.Getenv.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianDraw/services/orchestrator/datatypes"
)

// Environment variable names read by LoadEnvSnapshot.
const (
	EnvType       = "LLM_TYPE"
	EnvBaseURL    = "LLM_BASE_URL"
	EnvAPIKey     = "LLM_API_KEY"
	EnvAPIKeyFile = "LLM_API_KEY_FILE"
	EnvModel      = "LLM_MODEL"
)

// DefaultBackendType is used when LLM_TYPE is unset or empty.
const DefaultBackendType = "openai"

// ErrMissingConfiguration is returned when the request carries no config and
// the environment snapshot is incomplete.
var ErrMissingConfiguration = errors.New(
	"No configuration provided. Please set environment variables (LLM_BASE_URL, LLM_API_KEY, LLM_MODEL) or provide config in request.",
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// EnvSnapshot is the backend configuration found in the environment.
//
// # Description
//
// Fields hold the raw values; empty means unset. Type is not defaulted here so
// that Describe can report what was actually configured.
type EnvSnapshot struct {
	Type    string
	BaseURL string
	APIKey  string
	Model   string

	// KeySource records where APIKey came from ("env", "file", or "").
	KeySource string
}

// LoadEnvSnapshot reads the backend variables from the process environment.
func LoadEnvSnapshot() EnvSnapshot {
	return NewEnvSnapshot(os.LookupEnv)
}

// NewEnvSnapshot builds a snapshot from an arbitrary lookup function.
//
// # Description
//
// When LLM_API_KEY is empty and LLM_API_KEY_FILE names a readable file, the
// trimmed file contents become the API key. This lets container deployments
// mount the key as a secret instead of exposing it in the environment.
//
// # Inputs
//
//   - lookup: Variable lookup, usually os.LookupEnv.
//
// # Outputs
//
//   - EnvSnapshot: Never fails. Unreadable key files are logged and ignored.
func NewEnvSnapshot(lookup LookupFunc) EnvSnapshot {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	snap := EnvSnapshot{
		Type:    get(EnvType),
		BaseURL: get(EnvBaseURL),
		APIKey:  get(EnvAPIKey),
		Model:   get(EnvModel),
	}
	if snap.APIKey != "" {
		snap.KeySource = "env"
		return snap
	}

	if path := get(EnvAPIKeyFile); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Could not read API key file", "path", path, "error", err)
			return snap
		}
		snap.APIKey = strings.TrimSpace(string(content))
		if snap.APIKey != "" {
			snap.KeySource = "file"
			slog.Info("Read LLM API key from file", "path", path)
		}
	}
	return snap
}

// Complete reports whether the snapshot can serve requests on its own.
func (s EnvSnapshot) Complete() bool {
	return s.BaseURL != "" && s.APIKey != "" && s.Model != ""
}

// Missing lists the required variables that are unset.
func (s EnvSnapshot) Missing() []string {
	var missing []string
	if s.BaseURL == "" {
		missing = append(missing, EnvBaseURL)
	}
	if s.APIKey == "" {
		missing = append(missing, EnvAPIKey)
	}
	if s.Model == "" {
		missing = append(missing, EnvModel)
	}
	return missing
}

// BackendConfig converts the snapshot, applying the default backend type.
func (s EnvSnapshot) BackendConfig() datatypes.BackendConfig {
	backendType := s.Type
	if backendType == "" {
		backendType = DefaultBackendType
	}
	return datatypes.BackendConfig{
		Type:    backendType,
		BaseURL: s.BaseURL,
		APIKey:  s.APIKey,
		Model:   s.Model,
	}
}

// Describe renders the snapshot for operators with the API key masked.
func (s EnvSnapshot) Describe() string {
	cfg := s.BackendConfig().Redacted()
	var b strings.Builder
	fmt.Fprintf(&b, "type:     %s\n", cfg.Type)
	fmt.Fprintf(&b, "baseUrl:  %s\n", cfg.BaseURL)
	fmt.Fprintf(&b, "apiKey:   %s", cfg.APIKey)
	if s.KeySource != "" {
		fmt.Fprintf(&b, " (from %s)", s.KeySource)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "model:    %s\n", cfg.Model)
	if s.Complete() {
		b.WriteString("status:   complete\n")
	} else {
		fmt.Fprintf(&b, "status:   incomplete (missing %s)\n", strings.Join(s.Missing(), ", "))
	}
	return b.String()
}

// Resolve picks the backend configuration for one request.
//
// # Description
//
// A caller-supplied config wins unconditionally and is returned as a copy
// without validation. Otherwise the environment snapshot is used, with the
// backend type defaulting to "openai"; base URL, API key and model must all
// be set.
//
// # Inputs
//
//   - caller: Config from the request body, or nil.
//   - env: Snapshot taken at startup.
//
// # Outputs
//
//   - datatypes.BackendConfig: The config to use.
//   - error: ErrMissingConfiguration when neither source is usable.
//
// # Assumptions
//
//   - Resolve is pure. Neither argument is mutated and equal inputs give
//     equal outputs.
func Resolve(caller *datatypes.BackendConfig, env EnvSnapshot) (datatypes.BackendConfig, error) {
	if caller != nil {
		return *caller, nil
	}
	if !env.Complete() {
		return datatypes.BackendConfig{}, ErrMissingConfiguration
	}
	return env.BackendConfig(), nil
}
