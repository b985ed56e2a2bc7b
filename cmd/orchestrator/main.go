// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the diagram generation HTTP server.
//
// # Environment Variables
//
// Service settings (overridden by flags):
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - GIN_MODE: debug, release or test
//   - TRACE_EXPORTER: otlp, stdout or none (default: otlp)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//   - LOG_LEVEL: debug, info, warn or error (default: info)
//
// Backend used when a request carries no config:
//
//   - LLM_TYPE: openai, anthropic/claude or ollama (default: openai)
//   - LLM_BASE_URL, LLM_API_KEY (or LLM_API_KEY_FILE), LLM_MODEL
//
// # Usage
//
//	# Serve with defaults
//	./orchestrator
//
//	# Serve from a config file, flags win over file and environment
//	./orchestrator serve --config orchestrator.yaml --port 8080
//
//	# Show which environment backend requests without config will use
//	./orchestrator resolve
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.LookupEnv).Execute(); err != nil {
		os.Exit(1)
	}
}
