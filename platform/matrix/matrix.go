// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package matrix implements platform.Platform on a Matrix session.
//
// Events are converted to [platform.Message] with rich-reply fallbacks
// stripped and the latest bundled edit applied, so history built from the
// bot's own streamed replies sees final text rather than the first
// partial send. Outgoing content is rendered to org.matrix.custom.html
// with lib/markdown when rich, and posted as a reply (or a thread reply
// when the trigger was in a thread).
//
// Room display names and the "direct" classification (exactly two
// joined members) are cached per room. The bot invalidates a room's
// entry when it sees membership change in /sync.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/chatrelay/lib/config"
	"github.com/bureau-foundation/chatrelay/lib/markdown"
	"github.com/bureau-foundation/chatrelay/messaging"
	"github.com/bureau-foundation/chatrelay/platform"
)

// DefaultMaxAttachmentBytes bounds a single attachment download.
const DefaultMaxAttachmentBytes = 20 << 20

// messageFilter restricts /context to message events.
const messageFilter = `{"types":["m.room.message"]}`

// Config holds the adapter's dependencies.
type Config struct {
	Session *messaging.Session

	// BotName is the bot's display name, used to recognize
	// "Name: ..." style mentions. Optional.
	BotName string

	// MaxAttachmentBytes bounds attachment downloads. Zero means
	// DefaultMaxAttachmentBytes.
	MaxAttachmentBytes int64

	Logger *slog.Logger
}

// Adapter is the Matrix platform.Platform.
type Adapter struct {
	session            *messaging.Session
	botID              string
	botName            string
	maxAttachmentBytes int64
	logger             *slog.Logger

	mu    sync.Mutex
	rooms map[string]*roomInfo
}

type roomInfo struct {
	members map[string]string // user ID -> room display name
}

// New creates an Adapter for the session's user.
func New(cfg Config) (*Adapter, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("matrix: Session is required")
	}
	if cfg.Session.UserID() == "" {
		return nil, fmt.Errorf("matrix: session has no user ID")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxAttachmentBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAttachmentBytes
	}
	return &Adapter{
		session:            cfg.Session,
		botID:              cfg.Session.UserID(),
		botName:            cfg.BotName,
		maxAttachmentBytes: maxBytes,
		logger:             logger,
		rooms:              make(map[string]*roomInfo),
	}, nil
}

// BotID implements platform.Platform.
func (adapter *Adapter) BotID() string { return adapter.botID }

// FetchMessage implements platform.Platform.
func (adapter *Adapter) FetchMessage(ctx context.Context, roomID, messageID string) (platform.Message, error) {
	event, err := adapter.session.GetEvent(ctx, roomID, messageID)
	if err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			return platform.Message{}, fmt.Errorf("%w: %s: %w", platform.ErrNotFound, messageID, err)
		}
		return platform.Message{}, err
	}
	message, ok, err := adapter.MessageFromEvent(ctx, *event)
	if err != nil {
		return platform.Message{}, err
	}
	if !ok {
		return platform.Message{}, fmt.Errorf("%w: %s is not a chat message", platform.ErrNotFound, messageID)
	}
	return message, nil
}

// PreviousMessage implements platform.Platform. Edits are skipped; they
// are not messages of their own.
func (adapter *Adapter) PreviousMessage(ctx context.Context, message platform.Message) (platform.Message, bool, error) {
	response, err := adapter.session.EventContext(ctx, message.RoomID, message.ID, 10, messageFilter)
	if err != nil {
		return platform.Message{}, false, err
	}
	for _, event := range response.EventsBefore {
		previous, ok, err := adapter.MessageFromEvent(ctx, event)
		if err != nil {
			adapter.logger.Debug("skipping undecodable event", "event_id", event.EventID, "error", err)
			continue
		}
		if ok {
			return previous, true, nil
		}
	}
	return platform.Message{}, false, nil
}

// FetchAttachment implements platform.Platform.
func (adapter *Adapter) FetchAttachment(ctx context.Context, attachment platform.Attachment) ([]byte, error) {
	media, err := adapter.session.DownloadMedia(ctx, attachment.URL, adapter.maxAttachmentBytes)
	if err != nil {
		return nil, err
	}
	return media.Data, nil
}

// Send implements platform.Platform.
func (adapter *Adapter) Send(ctx context.Context, target platform.Target, content platform.Content) (platform.Handle, error) {
	message := Render(content)
	switch {
	case target.ThreadRoot != "":
		message = message.InThread(target.ThreadRoot, target.ReplyTo)
	case target.ReplyTo != "":
		message = message.InReplyTo(target.ReplyTo)
	}
	eventID, err := adapter.session.SendMessage(ctx, target.RoomID, message)
	if err != nil {
		return platform.Handle{}, err
	}
	return platform.Handle{RoomID: target.RoomID, MessageID: eventID}, nil
}

// Edit implements platform.Platform.
func (adapter *Adapter) Edit(ctx context.Context, handle platform.Handle, content platform.Content) error {
	_, err := adapter.session.EditMessage(ctx, handle.RoomID, handle.MessageID, Render(content))
	return err
}

// Render converts relay content to a Matrix message.
func Render(content platform.Content) messaging.MessageContent {
	text := content.Text
	if content.InProgress && content.Rich {
		text += config.InProgressIndicator
	}
	if len(content.Notices) > 0 {
		notices := strings.Join(content.Notices, "\n")
		if text == "" {
			text = notices
		} else {
			text += "\n\n" + notices
		}
	}

	message := messaging.NewTextMessage(text)
	if !content.Rich {
		return message
	}

	source := content.Text
	if content.InProgress {
		source += config.InProgressIndicator
	}
	if len(content.Notices) > 0 {
		source += "\n\n> " + strings.Join(content.Notices, "\n> ")
	}
	return message.WithHTML(markdown.ToHTML(source))
}

// MessageFromEvent converts a timeline event. The boolean is false for
// events that are not chat messages: other event types, edits and
// redacted messages.
func (adapter *Adapter) MessageFromEvent(ctx context.Context, event messaging.Event) (platform.Message, bool, error) {
	if event.Type != messaging.EventTypeMessage {
		return platform.Message{}, false, nil
	}
	original, err := event.MessageContent()
	if err != nil {
		return platform.Message{}, false, err
	}
	if original.IsEdit() || original.MsgType == "" {
		return platform.Message{}, false, nil
	}
	content, err := event.LatestContent()
	if err != nil {
		return platform.Message{}, false, err
	}

	message := platform.Message{
		ID:         event.EventID,
		RoomID:     event.RoomID,
		AuthorID:   event.Sender,
		Timestamp:  time.UnixMilli(event.OriginServerTS),
		ReplyTo:    original.ReplyTarget(),
		ThreadRoot: original.ThreadRoot(),
	}

	body := content.Body
	if original.RelatesTo != nil && original.RelatesTo.InReplyTo != nil {
		body = stripReplyFallback(body)
	}
	if event.Sender == adapter.botID {
		body = strings.TrimSuffix(body, config.InProgressIndicator)
	}

	switch content.MsgType {
	case messaging.MsgTypeImage, messaging.MsgTypeFile, messaging.MsgTypeAudio, messaging.MsgTypeVideo:
		attachment := platform.Attachment{URL: content.URL, Name: body}
		if content.FileName != "" {
			attachment.Name = content.FileName
		}
		if content.Info != nil {
			attachment.ContentType = content.Info.MimeType
			attachment.Size = content.Info.Size
		}
		message.Attachments = []platform.Attachment{attachment}
		// A body that differs from the file name is a caption.
		if content.FileName != "" && body != content.FileName {
			message.Text = body
		}
	default:
		message.Text = body
	}

	members, err := adapter.members(ctx, event.RoomID)
	if err != nil {
		adapter.logger.Warn("fetching room members failed",
			"room_id", event.RoomID,
			"error", err,
		)
	}
	message.Direct = len(members) == 2
	message.AuthorName = members[event.Sender]
	if message.AuthorName == "" {
		message.AuthorName = localpart(event.Sender)
	}

	if event.Sender != adapter.botID {
		message.MentionsBot = adapter.mentions(&original, message.Text)
		if message.MentionsBot {
			message.MentionText = adapter.MentionText(message.Text)
		}
	}
	return message, true, nil
}

// MentionText returns the literal text by which message addresses the
// bot, for removal from the prompt. It is "" when the bot is not named
// in the text (mentioned via m.mentions only, or not at all).
func (adapter *Adapter) MentionText(text string) string {
	if strings.Contains(text, adapter.botID) {
		return adapter.botID
	}
	if adapter.botName == "" {
		return ""
	}
	if len(text) < len(adapter.botName) || !strings.EqualFold(text[:len(adapter.botName)], adapter.botName) {
		return ""
	}
	rest := text[len(adapter.botName):]
	switch {
	case strings.HasPrefix(rest, ":"), strings.HasPrefix(rest, ","):
		return text[:len(adapter.botName)+1]
	case rest == "", strings.HasPrefix(rest, " "):
		return text[:len(adapter.botName)]
	}
	return ""
}

func (adapter *Adapter) mentions(content *messaging.MessageContent, text string) bool {
	if content.Mentions != nil {
		for _, userID := range content.Mentions.UserIDs {
			if userID == adapter.botID {
				return true
			}
		}
	}
	return adapter.MentionText(text) != ""
}

// members returns the room's joined members, cached.
func (adapter *Adapter) members(ctx context.Context, roomID string) (map[string]string, error) {
	adapter.mu.Lock()
	info, ok := adapter.rooms[roomID]
	adapter.mu.Unlock()
	if ok {
		return info.members, nil
	}

	members, err := adapter.session.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	adapter.mu.Lock()
	adapter.rooms[roomID] = &roomInfo{members: members}
	adapter.mu.Unlock()
	return members, nil
}

// InvalidateRoom drops cached membership for roomID.
func (adapter *Adapter) InvalidateRoom(roomID string) {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	delete(adapter.rooms, roomID)
}

// stripReplyFallback removes the quoted "> <@user> ..." block that
// clients prepend to reply bodies.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	index := 0
	for index < len(lines) && strings.HasPrefix(lines[index], ">") {
		index++
	}
	if index == 0 {
		return body
	}
	if index < len(lines) && lines[index] == "" {
		index++
	}
	return strings.Join(lines[index:], "\n")
}

// localpart returns "alice" for "@alice:example.org".
func localpart(userID string) string {
	name := strings.TrimPrefix(userID, "@")
	if before, _, found := strings.Cut(name, ":"); found {
		return before
	}
	return name
}

var _ platform.Platform = (*Adapter)(nil)
