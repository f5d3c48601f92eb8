// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform defines what the relay needs from a chat platform:
// reading messages and attachments, and sending and editing its own
// replies. The Matrix implementation lives in platform/matrix; tests use
// platform/platformtest.
package platform

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
)

// ErrNotFound is returned by FetchMessage when the message does not
// exist or is not visible to the bot.
var ErrNotFound = errors.New("platform: message not found")

// Message is a chat message as the relay sees it.
type Message struct {
	ID     string
	RoomID string

	AuthorID   string
	AuthorName string

	// Text is the plain body, including any mention of the bot.
	Text string

	Timestamp time.Time

	Attachments []Attachment

	// ReplyTo is the explicit reply target, or "".
	ReplyTo string

	// ThreadRoot is the root of the thread the message belongs to, or "".
	// A thread root itself has ThreadRoot "".
	ThreadRoot string

	// Direct is set for messages in a one-to-one room with the bot.
	Direct bool

	// MentionsBot is set when the message explicitly addresses the bot.
	MentionsBot bool

	// MentionText is the literal text in Text that addresses the bot
	// (a user ID or "Name:" prefix), or "".
	MentionText string
}

// PromptText is Text with a leading mention of the bot and the space
// after it removed. A mention elsewhere in the text is kept, as are
// messages in direct rooms.
func (message Message) PromptText() string {
	if message.Direct || !message.MentionsBot || message.MentionText == "" {
		return message.Text
	}
	rest, found := strings.CutPrefix(message.Text, message.MentionText)
	if !found {
		return message.Text
	}
	return strings.TrimLeftFunc(rest, unicode.IsSpace)
}

// Sequence orders messages for cache eviction: the platform timestamp in
// milliseconds.
func (message Message) Sequence() int64 {
	return message.Timestamp.UnixMilli()
}

// Attachment is a file attached to a message.
type Attachment struct {
	// URL locates the content for FetchAttachment (an mxc:// URI on Matrix).
	URL         string
	Name        string
	ContentType string
	Size        int64
}

// Content is the body of a message the relay sends or edits.
type Content struct {
	Text string

	// Rich renders Text as markdown.
	Rich bool

	// InProgress marks a message that is still being streamed. Rich
	// content shows the in-progress indicator after the text.
	InProgress bool

	// Notices are appended to the final message of a reply (warnings
	// about truncated history and the like).
	Notices []string
}

// Target says where a new message goes.
type Target struct {
	RoomID string

	// ReplyTo is the message being answered.
	ReplyTo string

	// ThreadRoot keeps the reply inside a thread, or "".
	ThreadRoot string
}

// TargetFor returns a Target replying to message in its room and thread.
func TargetFor(message Message) Target {
	return Target{RoomID: message.RoomID, ReplyTo: message.ID, ThreadRoot: message.ThreadRoot}
}

// Handle identifies a message the relay sent, for later edits.
type Handle struct {
	RoomID    string
	MessageID string
}

// Platform is the chat platform collaborator.
type Platform interface {
	// BotID is the platform identity of the relay itself.
	BotID() string

	// FetchMessage returns a message by ID. A missing message is
	// ErrNotFound.
	FetchMessage(ctx context.Context, roomID, messageID string) (Message, error)

	// PreviousMessage returns the message immediately preceding message
	// in its room, and false when there is none.
	PreviousMessage(ctx context.Context, message Message) (Message, bool, error)

	// FetchAttachment downloads an attachment's content.
	FetchAttachment(ctx context.Context, attachment Attachment) ([]byte, error)

	// Send posts a new message.
	Send(ctx context.Context, target Target, content Content) (Handle, error)

	// Edit replaces the content of a message the relay sent.
	Edit(ctx context.Context, handle Handle, content Content) error
}
