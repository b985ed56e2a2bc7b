package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianDraw/services/orchestrator/datatypes"
)

const defaultAnthropicMaxTokens int64 = 8192

// AnthropicBackend streams from the Anthropic Messages API.
type AnthropicBackend struct {
	httpClient *http.Client
	maxTokens  int64
}

// NewAnthropicBackend creates an Anthropic backend that sends requests
// through httpClient with SDK retries disabled. Completions are capped at
// defaultAnthropicMaxTokens.
func NewAnthropicBackend(httpClient *http.Client) *AnthropicBackend {
	return &AnthropicBackend{httpClient: httpClient, maxTokens: defaultAnthropicMaxTokens}
}

// Stream implements Backend.
//
// System messages become the top-level system block. Images are sent as
// base64 image blocks ahead of the text. SDK retries are disabled.
func (a *AnthropicBackend) Stream(ctx context.Context, cfg datatypes.BackendConfig,
	messages []datatypes.ChatMessage, onChunk ChunkHandler) error {

	ctx, span := tracer.Start(ctx, "AnthropicBackend.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", "anthropic"),
		attribute.String("llm.model", cfg.Model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(a.httpClient),
		option.WithMaxRetries(0),
	}
	if base := anthropicBaseURL(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := anthropic.NewClient(opts...)

	system, apiMessages := toAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: a.maxTokens,
		System:    system,
		Messages:  apiMessages,
	}

	slog.Debug("Starting Anthropic stream", "model", cfg.Model)
	stream := client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	chunks := 0
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if err := onChunk(delta.Text); err != nil {
				return failSpan(span, err)
			}
			chunks++
		}
	}
	if err := stream.Err(); err != nil {
		slog.Error("Anthropic stream failed", "model", cfg.Model, "chunks", chunks, "error", err)
		return failSpan(span, fmt.Errorf("Anthropic API call failed: %w", err))
	}

	span.SetAttributes(attribute.Int("llm.chunks", chunks))
	slog.Debug("Anthropic stream complete", "model", cfg.Model, "chunks", chunks)
	return nil
}

// anthropicBaseURL converts a configured base URL to the SDK root. The SDK
// appends "v1/messages" itself, so a trailing "/v1" is removed.
func anthropicBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return ""
	}
	base = strings.TrimSuffix(base, "/v1")
	return base + "/"
}

func toAnthropicMessages(messages []datatypes.ChatMessage) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == datatypes.RoleSystem {
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if msg.HasImage() {
			blocks = append(blocks, anthropic.NewImageBlockBase64(msg.Image.MimeType, msg.Image.Base64()))
		}
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		out = append(out, anthropic.NewUserMessage(blocks...))
	}
	return system, out
}
