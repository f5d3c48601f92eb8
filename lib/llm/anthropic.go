// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// DefaultAnthropicBaseURL is used when no base URL is configured.
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"

	anthropicVersion = "2023-06-01"

	// anthropicDefaultMaxTokens fills the required max_tokens field when
	// the caller leaves it zero.
	anthropicDefaultMaxTokens = 4096
)

// Anthropic implements [Provider] for the Anthropic Messages API.
type Anthropic struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewAnthropic returns an Anthropic provider.
func NewAnthropic(httpClient *http.Client, baseURL, apiKey string) *Anthropic {
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	return &Anthropic{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Complete sends a non-streaming request.
func (provider *Anthropic) Complete(ctx context.Context, request Request) (*Response, error) {
	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.endpoint(),
		provider.buildRequest(request, false), "llm/anthropic", false, provider.headers())
	if err != nil {
		return nil, err
	}
	return decodeResponse[anthropicResponse](httpResponse, "llm/anthropic")
}

// Stream sends a streaming request.
func (provider *Anthropic) Stream(ctx context.Context, request Request) (*EventStream, error) {
	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.endpoint(),
		provider.buildRequest(request, true), "llm/anthropic", true, provider.headers())
	if err != nil {
		return nil, err
	}
	return provider.newEventStream(httpResponse.Body), nil
}

func (provider *Anthropic) endpoint() string {
	return provider.baseURL + "/messages"
}

func (provider *Anthropic) headers() http.Header {
	headers := http.Header{}
	headers.Set("x-api-key", provider.apiKey)
	headers.Set("anthropic-version", anthropicVersion)
	return headers
}

func (provider *Anthropic) buildRequest(request Request, stream bool) anthropicRequest {
	wireRequest := anthropicRequest{
		Model:         request.Model,
		MaxTokens:     request.MaxTokens,
		System:        request.System,
		Stream:        stream,
		Temperature:   request.Temperature,
		StopSequences: request.StopSequences,
	}
	if wireRequest.MaxTokens <= 0 {
		wireRequest.MaxTokens = anthropicDefaultMaxTokens
	}
	for _, message := range request.Messages {
		wireRequest.Messages = append(wireRequest.Messages, toAnthropicMessage(message))
	}
	return wireRequest
}

func (provider *Anthropic) newEventStream(body io.ReadCloser) *EventStream {
	scanner := NewSSEScanner(body)

	// Text accumulated per content block index.
	var blocks []*strings.Builder

	stream := NewEventStream(nil, body)
	stream.next = func() (StreamEvent, error) {
		for scanner.Next() {
			sseEvent := scanner.Event()
			data := []byte(sseEvent.Data)

			switch sseEvent.Type {
			case "message_start":
				var envelope struct {
					Message struct {
						Model string         `json:"model"`
						Usage anthropicUsage `json:"usage"`
					} `json:"message"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing message_start: %w", err)
				}
				stream.SetModel(envelope.Message.Model)
				stream.SetUsage(envelope.Message.Usage.toUsage())

			case "content_block_start":
				var envelope struct {
					Index int `json:"index"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing content_block_start: %w", err)
				}
				for len(blocks) <= envelope.Index {
					blocks = append(blocks, &strings.Builder{})
				}

			case "content_block_delta":
				var envelope struct {
					Index int `json:"index"`
					Delta struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"delta"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing content_block_delta: %w", err)
				}
				if envelope.Delta.Type == "text_delta" && envelope.Index < len(blocks) {
					blocks[envelope.Index].WriteString(envelope.Delta.Text)
					return StreamEvent{Type: EventTextDelta, Text: envelope.Delta.Text}, nil
				}

			case "content_block_stop":
				var envelope struct {
					Index int `json:"index"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing content_block_stop: %w", err)
				}
				if envelope.Index < len(blocks) && blocks[envelope.Index].Len() > 0 {
					return StreamEvent{
						Type:         EventContentBlockDone,
						ContentBlock: TextBlock(blocks[envelope.Index].String()),
					}, nil
				}

			case "message_delta":
				var envelope struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int64 `json:"output_tokens"`
					} `json:"usage"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing message_delta: %w", err)
				}
				stream.SetStopReason(mapAnthropicStopReason(envelope.Delta.StopReason))
				stream.AddOutputTokens(envelope.Usage.OutputTokens)

			case "message_stop":
				return StreamEvent{Type: EventDone}, nil

			case "ping":
				return StreamEvent{Type: EventPing}, nil

			case "error":
				var envelope struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
					return StreamEvent{
						Type:  EventError,
						Error: fmt.Errorf("llm/anthropic: stream error: %s: %s", envelope.Error.Type, envelope.Error.Message),
					}, nil
				}
				return StreamEvent{Type: EventError, Error: fmt.Errorf("llm/anthropic: stream error: %s", sseEvent.Data)}, nil
			}
		}
		if err := scanner.Err(); err != nil {
			return StreamEvent{}, fmt.Errorf("llm/anthropic: reading SSE: %w", err)
		}
		return StreamEvent{}, io.EOF
	}
	return stream
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

func (usage anthropicUsage) toUsage() Usage {
	return Usage{
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadInputTokens,
		CacheWriteTokens: usage.CacheCreationInputTokens,
	}
}

// toAnthropicMessage converts a message. The API has no author field,
// so Name is dropped; callers that need attribution prefix the text.
func toAnthropicMessage(message Message) anthropicMessage {
	wire := anthropicMessage{Role: string(message.Role)}
	for _, block := range message.Content {
		switch block.Type {
		case ContentText:
			wire.Content = append(wire.Content, anthropicContentBlock{Type: "text", Text: block.Text})
		case ContentImage:
			if block.Image == nil {
				continue
			}
			wire.Content = append(wire.Content, anthropicContentBlock{
				Type: "image",
				Source: &anthropicImageSource{
					Type:      "base64",
					MediaType: block.Image.MediaType,
					Data:      base64.StdEncoding.EncodeToString(block.Image.Data),
				},
			})
		}
	}
	return wire
}

func (wireResponse *anthropicResponse) toResponse() *Response {
	response := &Response{
		Model:      wireResponse.Model,
		StopReason: mapAnthropicStopReason(wireResponse.StopReason),
		Usage:      wireResponse.Usage.toUsage(),
	}
	for _, block := range wireResponse.Content {
		if block.Type == "text" {
			response.Content = append(response.Content, TextBlock(block.Text))
		}
	}
	return response
}

func mapAnthropicStopReason(reason string) StopReason {
	switch reason {
	case "end_turn":
		return StopReasonEndTurn
	case "max_tokens":
		return StopReasonMaxTokens
	case "stop_sequence":
		return StopReasonStopSequence
	default:
		return StopReason(reason)
	}
}
