package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianDraw/services/orchestrator/datatypes"
)

// OpenAIBackend streams from any OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	httpClient *http.Client
}

// NewOpenAIBackend creates an OpenAI-compatible backend.
//
// The go-openai client is built per call from the request's BackendConfig,
// so one backend serves any base URL and key. All requests go through
// httpClient.
func NewOpenAIBackend(httpClient *http.Client) *OpenAIBackend {
	return &OpenAIBackend{httpClient: httpClient}
}

// Stream implements Backend.
func (o *OpenAIBackend) Stream(ctx context.Context, cfg datatypes.BackendConfig,
	messages []datatypes.ChatMessage, onChunk ChunkHandler) error {

	ctx, span := tracer.Start(ctx, "OpenAIBackend.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", "openai"),
		attribute.String("llm.model", cfg.Model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = o.httpClient
	client := openai.NewClientWithConfig(clientCfg)

	req := openai.ChatCompletionRequest{
		Model:    cfg.Model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}

	slog.Debug("Starting OpenAI stream", "model", cfg.Model, "baseUrl", clientCfg.BaseURL)
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "model", cfg.Model, "error", err)
		return failSpan(span, fmt.Errorf("OpenAI API call failed: %w", err))
	}
	defer stream.Close()

	chunks := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Error("OpenAI stream failed", "model", cfg.Model, "chunks", chunks, "error", err)
			return failSpan(span, fmt.Errorf("OpenAI stream failed: %w", err))
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onChunk(choice.Delta.Content); err != nil {
				return failSpan(span, err)
			}
			chunks++
		}
	}

	span.SetAttributes(attribute.Int("llm.chunks", chunks))
	slog.Debug("OpenAI stream complete", "model", cfg.Model, "chunks", chunks)
	return nil
}

// toOpenAIMessages maps chat messages to the chat completions format. Images
// are sent as an image_url part carrying a data URL.
func toOpenAIMessages(messages []datatypes.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == datatypes.RoleSystem {
			role = openai.ChatMessageRoleSystem
		}

		if !msg.HasImage() {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
			continue
		}
		out = append(out, openai.ChatCompletionMessage{
			Role: role,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: msg.Content},
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: msg.Image.DataURL()},
				},
			},
		})
	}
	return out
}
