// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Provider is a model backend.
type Provider interface {
	// Complete sends a request and blocks until the full response is
	// available.
	Complete(ctx context.Context, request Request) (*Response, error)

	// Stream sends a request and returns an [EventStream]. The caller
	// must Close the stream, including when it stops reading early.
	Stream(ctx context.Context, request Request) (*EventStream, error)
}

type nextFunc func() (StreamEvent, error)

// EventStream yields streaming events from a model response and
// accumulates the complete [Response] as it goes. Not safe for
// concurrent use except for [EventStream.Response].
type EventStream struct {
	next     nextFunc
	closer   io.Closer
	response Response
	mutex    sync.Mutex
	done     bool
}

// NewEventStream wraps a provider iteration function. next returns
// (zero, io.EOF) after the last event. closer may be nil.
func NewEventStream(next nextFunc, closer io.Closer) *EventStream {
	return &EventStream{next: next, closer: closer}
}

// Next returns the next event, or io.EOF once the stream is complete.
func (stream *EventStream) Next() (StreamEvent, error) {
	if stream.done {
		return StreamEvent{}, io.EOF
	}
	event, err := stream.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			stream.done = true
		}
		return event, err
	}
	if event.Type == EventContentBlockDone {
		stream.mutex.Lock()
		stream.response.Content = append(stream.response.Content, event.ContentBlock)
		stream.mutex.Unlock()
	}
	return event, nil
}

// Response returns what has been accumulated so far. Complete only
// after Next has returned io.EOF.
func (stream *EventStream) Response() Response {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	return stream.response
}

// Close releases the underlying connection.
func (stream *EventStream) Close() error {
	if stream.closer == nil {
		return nil
	}
	return stream.closer.Close()
}

func (stream *EventStream) update(apply func(*Response)) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	apply(&stream.response)
}

// SetStopReason records the stop reason on the accumulated response.
func (stream *EventStream) SetStopReason(reason StopReason) {
	stream.update(func(response *Response) { response.StopReason = reason })
}

// SetUsage records token usage on the accumulated response.
func (stream *EventStream) SetUsage(usage Usage) {
	stream.update(func(response *Response) { response.Usage = usage })
}

// SetModel records the model name on the accumulated response.
func (stream *EventStream) SetModel(model string) {
	stream.update(func(response *Response) { response.Model = model })
}

// AddOutputTokens increments the output token count, for providers
// that report usage incrementally.
func (stream *EventStream) AddOutputTokens(count int64) {
	stream.update(func(response *Response) { response.Usage.OutputTokens += count })
}

// ProviderError is returned when a model API responds with an error.
type ProviderError struct {
	StatusCode int

	// Type is the provider's error type string, when it sends one
	// (e.g. "rate_limit_error").
	Type string

	Message string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited reports whether the provider answered 429.
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == http.StatusTooManyRequests
}

// IsOverloaded reports whether the provider is shedding load: 503, or
// Anthropic's 529 "overloaded_error".
func (err *ProviderError) IsOverloaded() bool {
	return err.StatusCode == http.StatusServiceUnavailable || err.StatusCode == 529 || err.Type == "overloaded_error"
}

// doProviderRequest POSTs wireRequest as JSON to endpoint. Non-200
// responses are converted to *ProviderError and their body closed. On
// success the caller owns the response body.
func doProviderRequest(ctx context.Context, httpClient *http.Client, endpoint string, wireRequest any, prefix string, streaming bool, headers http.Header) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: marshaling request: %w", prefix, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", prefix, err)
	}
	for key, values := range headers {
		for _, value := range values {
			httpRequest.Header.Add(key, value)
		}
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if streaming {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", prefix, err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}
	return httpResponse, nil
}

type wireResponse[T any] interface {
	*T
	toResponse() *Response
}

// decodeResponse decodes a JSON body into the provider's wire type and
// converts it. Closes the body.
func decodeResponse[T any, P wireResponse[T]](httpResponse *http.Response, prefix string) (*Response, error) {
	defer httpResponse.Body.Close()

	decoded := P(new(T))
	if err := json.NewDecoder(httpResponse.Body).Decode(decoded); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", prefix, err)
	}
	return decoded.toResponse(), nil
}

// readProviderError parses {"error":{"type":...,"message":...}}, the
// envelope shared by Anthropic and OpenAI-compatible servers. Anything
// else becomes a ProviderError carrying the raw body.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       envelope.Error.Type,
			Message:    envelope.Error.Message,
		}
	}
	return &ProviderError{StatusCode: httpResponse.StatusCode, Message: string(body)}
}
