// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// Gemini implements [Provider] on the Google Gen AI SDK against the
// Gemini Developer API.
type Gemini struct {
	client *genai.Client
}

// NewGemini builds a Gemini provider. baseURL overrides the SDK's
// endpoint when non-empty.
func NewGemini(ctx context.Context, httpClient *http.Client, baseURL, apiKey string) (*Gemini, error) {
	config := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL != "" {
		config.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("llm/gemini: creating client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// Complete sends a non-streaming request.
func (provider *Gemini) Complete(ctx context.Context, request Request) (*Response, error) {
	contents, config := toGeminiRequest(request)
	result, err := provider.client.Models.GenerateContent(ctx, request.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("llm/gemini: generating content: %w", err)
	}

	response := &Response{Model: request.Model}
	if text, reason := geminiCandidate(result); text != "" || reason != "" {
		if text != "" {
			response.Content = append(response.Content, TextBlock(text))
		}
		response.StopReason = reason
	}
	if result.ModelVersion != "" {
		response.Model = result.ModelVersion
	}
	response.Usage = geminiUsage(result.UsageMetadata)
	return response, nil
}

// Stream sends a streaming request. The SDK's push iterator is turned
// into a pull iterator; Close stops it.
func (provider *Gemini) Stream(ctx context.Context, request Request) (*EventStream, error) {
	contents, config := toGeminiRequest(request)
	next, stop := iter.Pull2(provider.client.Models.GenerateContentStream(ctx, request.Model, contents, config))

	var text strings.Builder
	var pending []StreamEvent
	finished := false

	stream := NewEventStream(nil, stopCloser(stop))
	stream.SetModel(request.Model)
	stream.next = func() (StreamEvent, error) {
		for {
			if len(pending) > 0 {
				event := pending[0]
				pending = pending[1:]
				return event, nil
			}
			if finished {
				return StreamEvent{}, io.EOF
			}

			chunk, err, ok := next()
			if !ok {
				finished = true
				if text.Len() > 0 {
					pending = append(pending, StreamEvent{Type: EventContentBlockDone, ContentBlock: TextBlock(text.String())})
				}
				pending = append(pending, StreamEvent{Type: EventDone})
				continue
			}
			if err != nil {
				return StreamEvent{}, fmt.Errorf("llm/gemini: streaming: %w", err)
			}
			if chunk == nil {
				continue
			}
			if chunk.UsageMetadata != nil {
				stream.SetUsage(geminiUsage(chunk.UsageMetadata))
			}
			delta, reason := geminiCandidate(chunk)
			if reason != "" {
				stream.SetStopReason(reason)
			}
			if delta != "" {
				text.WriteString(delta)
				return StreamEvent{Type: EventTextDelta, Text: delta}, nil
			}
		}
	}
	return stream, nil
}

type stopCloser func()

func (stop stopCloser) Close() error {
	stop()
	return nil
}

func toGeminiRequest(request Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{StopSequences: request.StopSequences}
	if request.System != "" {
		config.SystemInstruction = genai.NewContentFromText(request.System, genai.RoleUser)
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}
	if request.Temperature != nil {
		temperature := float32(*request.Temperature)
		config.Temperature = &temperature
	}

	contents := make([]*genai.Content, 0, len(request.Messages))
	for _, message := range request.Messages {
		var role genai.Role = genai.RoleUser
		if message.Role == RoleAssistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		for _, block := range message.Content {
			switch block.Type {
			case ContentText:
				parts = append(parts, genai.NewPartFromText(block.Text))
			case ContentImage:
				if block.Image != nil {
					parts = append(parts, genai.NewPartFromBytes(block.Image.Data, block.Image.MediaType))
				}
			}
		}
		if len(parts) == 0 {
			parts = append(parts, genai.NewPartFromText(""))
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents, config
}

// geminiCandidate extracts the visible text and stop reason of the
// first candidate. Thought parts are skipped.
func geminiCandidate(response *genai.GenerateContentResponse) (string, StopReason) {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0] == nil {
		return "", ""
	}
	candidate := response.Candidates[0]
	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && !part.Thought {
				text.WriteString(part.Text)
			}
		}
	}
	return text.String(), mapGeminiFinishReason(candidate.FinishReason)
}

func geminiUsage(metadata *genai.GenerateContentResponseUsageMetadata) Usage {
	if metadata == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:     int64(metadata.PromptTokenCount),
		OutputTokens:    int64(metadata.CandidatesTokenCount),
		CacheReadTokens: int64(metadata.CachedContentTokenCount),
	}
}

func mapGeminiFinishReason(reason genai.FinishReason) StopReason {
	switch reason {
	case "":
		return ""
	case genai.FinishReasonStop:
		return StopReasonEndTurn
	case genai.FinishReasonMaxTokens:
		return StopReasonMaxTokens
	default:
		return StopReason(strings.ToLower(string(reason)))
	}
}
