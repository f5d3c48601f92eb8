// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/base64"
	"strings"
)

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentType discriminates the variants of [ContentBlock].
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// ContentBlock is one piece of message content: text or an image.
type ContentBlock struct {
	Type  ContentType
	Text  string
	Image *Image
}

// Image is an inline image payload.
type Image struct {
	// MediaType is the MIME type, e.g. "image/png".
	MediaType string
	Data      []byte
}

// DataURL returns the image as an RFC 2397 data URL with base64
// encoding, the form OpenAI-compatible APIs accept for image_url.
func (image *Image) DataURL() string {
	return "data:" + image.MediaType + ";base64," + base64.StdEncoding.EncodeToString(image.Data)
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ImageBlock returns an image content block.
func ImageBlock(mediaType string, data []byte) ContentBlock {
	return ContentBlock{Type: ContentImage, Image: &Image{MediaType: mediaType, Data: data}}
}

// Message is one conversation entry sent to a model.
type Message struct {
	Role Role

	// Name identifies the human author of a user message on providers
	// that accept an author field (see [Variant.SupportsAuthorNames]).
	// Ignored elsewhere.
	Name string

	Content []ContentBlock
}

// UserMessage returns a user message with a single text block.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage returns an assistant message with a single text
// block.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// Request is a provider-independent model request.
type Request struct {
	Model         string
	System        string
	Messages      []Message
	MaxTokens     int
	Temperature   *float64
	StopSequences []string
}

// StopReason records why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Usage reports token consumption for one request.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Response is a complete model response.
type Response struct {
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// TextContent concatenates the text blocks of the response.
func (response Response) TextContent() string {
	var builder strings.Builder
	for _, block := range response.Content {
		if block.Type == ContentText {
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

// StreamEventType discriminates [StreamEvent].
type StreamEventType string

const (
	// EventTextDelta carries an incremental piece of text in Text.
	EventTextDelta StreamEventType = "text_delta"

	// EventContentBlockDone carries a finished block in ContentBlock.
	EventContentBlockDone StreamEventType = "content_block_done"

	// EventDone marks the end of the model's message. The stop reason
	// and usage are available from [EventStream.Response].
	EventDone StreamEventType = "done"

	// EventPing is a keepalive.
	EventPing StreamEventType = "ping"

	// EventError reports an error delivered inside the stream (as
	// opposed to a transport failure, which Next returns as an error).
	EventError StreamEventType = "error"
)

// StreamEvent is one item from an [EventStream].
type StreamEvent struct {
	Type         StreamEventType
	Text         string
	ContentBlock ContentBlock
	Error        error
}
