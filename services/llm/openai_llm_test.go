// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDraw/services/orchestrator/datatypes"
)

func openAIChunk(content string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, content)
}

// newMockOpenAIServer serves /v1/chat/completions with the given SSE chunks and
// stores the raw request body in *body.
func newMockOpenAIServer(t *testing.T, body *[]byte, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if body != nil {
			*body, _ = io.ReadAll(r.Body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", openAIChunk(c))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func openAIConfig(baseURL string) datatypes.BackendConfig {
	return datatypes.BackendConfig{Type: "openai", BaseURL: baseURL, APIKey: "sk-test", Model: "gpt-4o-mini"}
}

func TestOpenAIStream_Success(t *testing.T) {
	var body []byte
	server := newMockOpenAIServer(t, &body, "Hel", "", "lo")
	defer server.Close()

	var got []string
	err := NewOpenAIBackend(server.Client()).Stream(context.Background(), openAIConfig(server.URL+"/v1/"), textMessages(), collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got, "empty deltas are skipped")

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, true, req["stream"])
	assert.Equal(t, "gpt-4o-mini", req["model"])
}

func TestOpenAIStream_ImageAsDataURL(t *testing.T) {
	var body []byte
	server := newMockOpenAIServer(t, &body, "ok")
	defer server.Close()

	msgs := textMessages()
	msgs[1].Image = &datatypes.ImagePayload{Data: "QUJD", MimeType: "image/jpeg"}

	require.NoError(t, NewOpenAIBackend(server.Client()).Stream(context.Background(), openAIConfig(server.URL+"/v1"), msgs, collect(new([]string))))

	raw := string(body)
	assert.Contains(t, raw, `"image_url"`)
	assert.Contains(t, raw, `data:image/jpeg;base64,QUJD`)
}

func TestOpenAIStream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	err := NewOpenAIBackend(server.Client()).Stream(context.Background(), openAIConfig(server.URL+"/v1"), textMessages(), collect(new([]string)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OpenAI API call failed")
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := textMessages()
	msgs[1].Image = &datatypes.ImagePayload{Data: "QUJD", MimeType: "image/png"}

	out := toOpenAIMessages(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "sys", out[0].Content)
	assert.Empty(t, out[1].Content, "content moves into MultiContent when an image is present")
	require.Len(t, out[1].MultiContent, 2)
	assert.Equal(t, "draw", out[1].MultiContent[0].Text)
	assert.Equal(t, "data:image/png;base64,QUJD", out[1].MultiContent[1].ImageURL.URL)
}
