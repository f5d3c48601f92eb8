// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func anthropicTestServer(t *testing.T, handler http.Handler) *Anthropic {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAnthropic(server.Client(), server.URL+"/v1", "ak-test")
}

func TestAnthropicStreamText(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(writer http.ResponseWriter, request *http.Request) {
		if got := request.Header.Get("x-api-key"); got != "ak-test" {
			t.Errorf("x-api-key = %q, want ak-test", got)
		}
		if got := request.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q, want %q", got, anthropicVersion)
		}
		var wireRequest anthropicRequest
		if err := json.NewDecoder(request.Body).Decode(&wireRequest); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		if !wireRequest.Stream || wireRequest.System != "sys" {
			t.Errorf("request = %+v, want streaming with system", wireRequest)
		}
		if wireRequest.MaxTokens != anthropicDefaultMaxTokens {
			t.Errorf("max_tokens = %d, want default %d", wireRequest.MaxTokens, anthropicDefaultMaxTokens)
		}

		writer.Header().Set("Content-Type", "text/event-stream")
		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"model":"claude-test","usage":{"input_tokens":9}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"ping", `{"type":"ping"}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, event := range events {
			fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", event.name, event.data)
		}
	})
	provider := anthropicTestServer(t, mux)

	stream, err := provider.Stream(context.Background(), Request{
		Model:    "claude-test",
		System:   "sys",
		Messages: []Message{UserMessage("hello")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	events := drain(t, stream)
	if got := textDeltas(events); got != "Hi there" {
		t.Errorf("deltas = %q, want %q", got, "Hi there")
	}

	response := stream.Response()
	if response.TextContent() != "Hi there" {
		t.Errorf("TextContent() = %q", response.TextContent())
	}
	if response.StopReason != StopReasonEndTurn {
		t.Errorf("StopReason = %q, want end_turn", response.StopReason)
	}
	if response.Usage.InputTokens != 9 || response.Usage.OutputTokens != 4 {
		t.Errorf("Usage = %+v, want 9/4", response.Usage)
	}
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(writer http.ResponseWriter, request *http.Request) {
		fmt.Fprint(writer, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	})
	provider := anthropicTestServer(t, mux)

	stream, err := provider.Stream(context.Background(), Request{Model: "claude-test", Messages: []Message{UserMessage("hello")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	event, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Type != EventError || event.Error == nil {
		t.Fatalf("event = %+v, want error event", event)
	}
}

func TestAnthropicImageBlock(t *testing.T) {
	t.Parallel()

	wire := toAnthropicMessage(Message{Role: RoleUser, Content: []ContentBlock{
		ImageBlock("image/jpeg", []byte("jpg")),
		TextBlock("caption"),
	}})
	if len(wire.Content) != 2 {
		t.Fatalf("got %d blocks, want 2", len(wire.Content))
	}
	source := wire.Content[0].Source
	if source == nil || source.Type != "base64" || source.MediaType != "image/jpeg" || source.Data != "anBn" {
		t.Errorf("image source = %+v", source)
	}
}
