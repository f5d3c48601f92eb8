// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultOpenAIBaseURL is used when no base URL is configured.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI implements [Provider] for the OpenAI Chat Completions wire
// format. Any compatible server works (OpenRouter, vLLM, Ollama,
// llama.cpp) given its base URL.
type OpenAI struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewOpenAI returns an OpenAI-compatible provider. baseURL is the API
// root (ending in "/v1" for most servers); an empty apiKey sends no
// Authorization header, which local servers accept.
func NewOpenAI(httpClient *http.Client, baseURL, apiKey string) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &OpenAI{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Complete sends a non-streaming request.
func (provider *OpenAI) Complete(ctx context.Context, request Request) (*Response, error) {
	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.endpoint(),
		provider.buildRequest(request, false), "llm/openai", false, provider.headers())
	if err != nil {
		return nil, err
	}
	return decodeResponse[openaiResponse](httpResponse, "llm/openai")
}

// Stream sends a streaming request.
func (provider *OpenAI) Stream(ctx context.Context, request Request) (*EventStream, error) {
	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.endpoint(),
		provider.buildRequest(request, true), "llm/openai", true, provider.headers())
	if err != nil {
		return nil, err
	}
	return provider.newEventStream(httpResponse.Body), nil
}

func (provider *OpenAI) endpoint() string {
	return provider.baseURL + "/chat/completions"
}

func (provider *OpenAI) headers() http.Header {
	headers := http.Header{}
	if provider.apiKey != "" {
		headers.Set("Authorization", "Bearer "+provider.apiKey)
	}
	return headers
}

func (provider *OpenAI) buildRequest(request Request, stream bool) openaiRequest {
	wireRequest := openaiRequest{
		Model:       request.Model,
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
		Stop:        request.StopSequences,
	}
	if stream {
		wireRequest.Stream = true
		wireRequest.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if request.System != "" {
		wireRequest.Messages = append(wireRequest.Messages, openaiMessage{
			Role:    "system",
			Content: openaiTextContent(request.System),
		})
	}
	for _, message := range request.Messages {
		wireRequest.Messages = append(wireRequest.Messages, toOpenAIMessage(message))
	}
	return wireRequest
}

// newEventStream parses OpenAI SSE chunks. OpenAI has no per-block
// stop event, so the accumulated text block is emitted when
// finish_reason arrives and the stream ends at "data: [DONE]".
func (provider *OpenAI) newEventStream(body io.ReadCloser) *EventStream {
	scanner := NewSSEScanner(body)

	var text strings.Builder
	var pending []StreamEvent
	modelSet := false

	stream := NewEventStream(nil, body)
	stream.next = func() (StreamEvent, error) {
		if len(pending) > 0 {
			event := pending[0]
			pending = pending[1:]
			return event, nil
		}

		for scanner.Next() {
			sseEvent := scanner.Event()
			if sseEvent.Data == "[DONE]" {
				return StreamEvent{Type: EventDone}, nil
			}

			var chunk openaiStreamChunk
			if err := json.Unmarshal([]byte(sseEvent.Data), &chunk); err != nil {
				return StreamEvent{}, fmt.Errorf("llm/openai: parsing stream chunk: %w", err)
			}

			// Errors arrive as ordinary data lines with an "error" object.
			if len(chunk.Choices) == 0 && chunk.Usage == nil && chunk.Model == "" {
				var envelope struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if json.Unmarshal([]byte(sseEvent.Data), &envelope) == nil && envelope.Error.Message != "" {
					return StreamEvent{
						Type:  EventError,
						Error: fmt.Errorf("llm/openai: stream error: %s: %s", envelope.Error.Type, envelope.Error.Message),
					}, nil
				}
			}

			if !modelSet && chunk.Model != "" {
				stream.SetModel(chunk.Model)
				modelSet = true
			}
			if chunk.Usage != nil {
				stream.SetUsage(chunk.Usage.toUsage())
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if choice.FinishReason != nil {
					stream.SetStopReason(mapOpenAIFinishReason(*choice.FinishReason))
					pending = append(pending, StreamEvent{Type: EventContentBlockDone, ContentBlock: TextBlock(text.String())})
				}
				return StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content}, nil
			}
			if choice.FinishReason != nil {
				stream.SetStopReason(mapOpenAIFinishReason(*choice.FinishReason))
				if text.Len() > 0 {
					return StreamEvent{Type: EventContentBlockDone, ContentBlock: TextBlock(text.String())}, nil
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return StreamEvent{}, fmt.Errorf("llm/openai: reading SSE: %w", err)
		}
		return StreamEvent{}, io.EOF
	}
	return stream
}

// toOpenAIMessage converts a message. Text-only content is sent as a
// JSON string; anything with images uses the content-parts array.
func toOpenAIMessage(message Message) openaiMessage {
	wire := openaiMessage{Role: string(message.Role)}
	if message.Role == RoleUser {
		wire.Name = message.Name
	}

	hasImage := false
	for _, block := range message.Content {
		if block.Type == ContentImage && block.Image != nil {
			hasImage = true
			break
		}
	}
	if !hasImage {
		var text strings.Builder
		for _, block := range message.Content {
			text.WriteString(block.Text)
		}
		wire.Content = openaiTextContent(text.String())
		return wire
	}

	var parts []openaiContentPart
	for _, block := range message.Content {
		switch block.Type {
		case ContentText:
			parts = append(parts, openaiContentPart{Type: "text", Text: block.Text})
		case ContentImage:
			if block.Image != nil {
				parts = append(parts, openaiContentPart{
					Type:     "image_url",
					ImageURL: &openaiImageURL{URL: block.Image.DataURL()},
				})
			}
		}
	}
	wire.Content, _ = json.Marshal(parts)
	return wire
}

func openaiTextContent(text string) json.RawMessage {
	data, _ := json.Marshal(text)
	return data
}

// openaiContentText extracts text from a response message content,
// which servers send as a string.
func openaiContentText(content json.RawMessage) string {
	var text string
	if len(content) == 0 || json.Unmarshal(content, &text) != nil {
		return ""
	}
	return text
}

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// openaiMessage.Content is polymorphic on the wire: a string or an
// array of content parts.
type openaiMessage struct {
	Role    string          `json:"role"`
	Name    string          `json:"name,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

func (usage openaiUsage) toUsage() Usage {
	converted := Usage{InputTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens}
	if usage.PromptTokensDetails != nil {
		converted.CacheReadTokens = usage.PromptTokensDetails.CachedTokens
	}
	return converted
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Index int `json:"index"`
	Delta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

func (wireResponse *openaiResponse) toResponse() *Response {
	response := &Response{Model: wireResponse.Model, Usage: wireResponse.Usage.toUsage()}
	if len(wireResponse.Choices) == 0 {
		return response
	}
	choice := wireResponse.Choices[0]
	response.StopReason = mapOpenAIFinishReason(choice.FinishReason)
	if text := openaiContentText(choice.Message.Content); text != "" {
		response.Content = append(response.Content, TextBlock(text))
	}
	return response
}

func mapOpenAIFinishReason(reason string) StopReason {
	switch reason {
	case "stop":
		return StopReasonEndTurn
	case "length":
		return StopReasonMaxTokens
	default:
		// "content_filter" and vendor extensions pass through as-is.
		return StopReason(reason)
	}
}
