package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianDraw/services/orchestrator/datatypes"
)

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaStreamChunk is one NDJSON line of a streaming /api/chat response.
type ollamaStreamChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// OllamaBackend streams from an Ollama server's /api/chat endpoint.
type OllamaBackend struct {
	httpClient *http.Client
}

// NewOllamaBackend creates a backend that posts to {baseUrl}/api/chat through
// httpClient and reads the NDJSON response.
func NewOllamaBackend(httpClient *http.Client) *OllamaBackend {
	return &OllamaBackend{httpClient: httpClient}
}

// Stream implements Backend.
//
// Lines that fail to parse are skipped. An "error" line fails the call, as
// does a body that ends before a line with "done": true.
func (o *OllamaBackend) Stream(ctx context.Context, cfg datatypes.BackendConfig,
	messages []datatypes.ChatMessage, onChunk ChunkHandler) error {

	ctx, span := tracer.Start(ctx, "OllamaBackend.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", "ollama"),
		attribute.String("llm.model", cfg.Model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	url := ollamaChatURL(cfg.BaseURL)
	payload := ollamaChatRequest{
		Model:    cfg.Model,
		Messages: toOllamaMessages(messages),
		Stream:   true,
	}
	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to marshal Ollama request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to create Ollama request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	slog.Debug("Starting Ollama stream", "url", url, "model", cfg.Model)
	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama request failed", "url", url, "error", err)
		return failSpan(span, fmt.Errorf("Ollama request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(body))
		var apiErr ollamaStreamChunk
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			detail = apiErr.Error
		}
		return failSpan(span, fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode, detail))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	chunks := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Debug("Failed to parse Ollama stream line", "line", string(line), "error", err)
			continue
		}
		if chunk.Error != "" {
			return failSpan(span, fmt.Errorf("Ollama stream error: %s", chunk.Error))
		}
		if chunk.Message.Content != "" {
			if err := onChunk(chunk.Message.Content); err != nil {
				return failSpan(span, err)
			}
			chunks++
		}
		if chunk.Done {
			span.SetAttributes(attribute.Int("llm.chunks", chunks))
			slog.Debug("Ollama stream complete", "model", cfg.Model, "chunks", chunks)
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return failSpan(span, fmt.Errorf("error reading Ollama stream: %w", err))
	}
	return failSpan(span, fmt.Errorf("Ollama stream ended before completion: %w", io.ErrUnexpectedEOF))
}

// ollamaChatURL builds the chat endpoint, tolerating a base URL that already
// ends in "/api".
func ollamaChatURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, "/api")
	return base + "/api/chat"
}

func toOllamaMessages(messages []datatypes.ChatMessage) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(messages))
	for _, msg := range messages {
		m := ollamaChatMessage{Role: string(msg.Role), Content: msg.Content}
		if msg.HasImage() {
			m.Images = []string{msg.Image.Base64()}
		}
		out = append(out, m)
	}
	return out
}
