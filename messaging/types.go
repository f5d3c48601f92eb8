// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"fmt"
)

// Event types and relation types used by the relay.
const (
	EventTypeMessage = "m.room.message"
	EventTypeMember  = "m.room.member"

	RelTypeReplace = "m.replace"
	RelTypeThread  = "m.thread"

	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"
	MsgTypeImage  = "m.image"
	MsgTypeFile   = "m.file"
	MsgTypeAudio  = "m.audio"
	MsgTypeVideo  = "m.video"

	// FormatHTML is the only format Matrix defines for formatted_body.
	FormatHTML = "org.matrix.custom.html"
)

// MessageContent is the content of an m.room.message event. Media
// messages (m.image, m.file, ...) carry URL and Info; text messages carry
// Body and optionally an HTML FormattedBody.
type MessageContent struct {
	MsgType       string          `json:"msgtype"`
	Body          string          `json:"body"`
	Format        string          `json:"format,omitempty"`
	FormattedBody string          `json:"formatted_body,omitempty"`
	FileName      string          `json:"filename,omitempty"`
	URL           string          `json:"url,omitempty"`
	Info          *MediaInfo      `json:"info,omitempty"`
	Mentions      *Mentions       `json:"m.mentions,omitempty"`
	RelatesTo     *RelatesTo      `json:"m.relates_to,omitempty"`
	NewContent    *MessageContent `json:"m.new_content,omitempty"`
}

// MediaInfo describes an attachment.
type MediaInfo struct {
	MimeType string `json:"mimetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Mentions is the m.mentions block: the users a message addresses.
type Mentions struct {
	UserIDs []string `json:"user_ids,omitempty"`
}

// RelatesTo expresses a relation to another event. Replies set only
// InReplyTo; threads set RelType m.thread with EventID the thread root;
// edits set RelType m.replace with EventID the edited event.
type RelatesTo struct {
	RelType       string     `json:"rel_type,omitempty"`
	EventID       string     `json:"event_id,omitempty"`
	IsFallingBack bool       `json:"is_falling_back,omitempty"`
	InReplyTo     *InReplyTo `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references the event being replied to.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// NewTextMessage creates a plain m.text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{MsgType: MsgTypeText, Body: body}
}

// NewNotice creates an m.notice message. Notices are conventionally
// ignored by other bots.
func NewNotice(body string) MessageContent {
	return MessageContent{MsgType: MsgTypeNotice, Body: body}
}

// WithHTML returns a copy carrying html as its formatted body.
func (content MessageContent) WithHTML(html string) MessageContent {
	content.Format = FormatHTML
	content.FormattedBody = html
	return content
}

// InReplyTo returns a copy that replies to eventID outside any thread.
func (content MessageContent) InReplyTo(eventID string) MessageContent {
	content.RelatesTo = &RelatesTo{InReplyTo: &InReplyTo{EventID: eventID}}
	return content
}

// InThread returns a copy posted in the thread rooted at rootID, with
// a rich-reply fallback to replyTo for clients without thread support.
func (content MessageContent) InThread(rootID, replyTo string) MessageContent {
	content.RelatesTo = &RelatesTo{
		RelType:       RelTypeThread,
		EventID:       rootID,
		IsFallingBack: true,
		InReplyTo:     &InReplyTo{EventID: replyTo},
	}
	return content
}

// NewEdit builds an m.replace event replacing target's content with
// replacement. The outer body carries the conventional "* " fallback.
func NewEdit(target string, replacement MessageContent) MessageContent {
	replacement.RelatesTo = nil
	replacement.NewContent = nil
	edit := MessageContent{
		MsgType: replacement.MsgType,
		Body:    "* " + replacement.Body,
		RelatesTo: &RelatesTo{
			RelType: RelTypeReplace,
			EventID: target,
		},
		NewContent: &replacement,
	}
	if replacement.FormattedBody != "" {
		edit.Format = FormatHTML
		edit.FormattedBody = "* " + replacement.FormattedBody
	}
	return edit
}

// ReplyTarget returns the event this message replies to, or "".
// Thread fallbacks (is_falling_back) are not explicit replies.
func (content *MessageContent) ReplyTarget() string {
	if content.RelatesTo == nil || content.RelatesTo.InReplyTo == nil {
		return ""
	}
	if content.RelatesTo.RelType == RelTypeThread && content.RelatesTo.IsFallingBack {
		return ""
	}
	return content.RelatesTo.InReplyTo.EventID
}

// ThreadRoot returns the thread root event ID, or "".
func (content *MessageContent) ThreadRoot() string {
	if content.RelatesTo == nil || content.RelatesTo.RelType != RelTypeThread {
		return ""
	}
	return content.RelatesTo.EventID
}

// IsEdit reports whether the content is an m.replace edit.
func (content *MessageContent) IsEdit() bool {
	return content.RelatesTo != nil && content.RelatesTo.RelType == RelTypeReplace
}

// Event is a Matrix event as returned by /sync, /messages and /event.
type Event struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
	RoomID         string          `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned  `json:"unsigned,omitempty"`
}

// EventUnsigned holds unsigned data attached to events.
type EventUnsigned struct {
	Age           int64           `json:"age,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Relations     *EventRelations `json:"m.relations,omitempty"`
}

// EventRelations carries server-aggregated relations. Replace is the
// most recent edit of the event, when the server bundles one.
type EventRelations struct {
	Replace *Event `json:"m.replace,omitempty"`
}

// LatestContent returns the content to display for a message event: the
// m.new_content of the bundled latest edit when present, else the
// event's own content.
func (event *Event) LatestContent() (MessageContent, error) {
	content, err := event.MessageContent()
	if err != nil {
		return MessageContent{}, err
	}
	if event.Unsigned == nil || event.Unsigned.Relations == nil || event.Unsigned.Relations.Replace == nil {
		return content, nil
	}
	replacement, err := event.Unsigned.Relations.Replace.MessageContent()
	if err != nil || replacement.NewContent == nil {
		return content, nil
	}
	latest := *replacement.NewContent
	// Relations are not editable; keep the original's.
	latest.RelatesTo = content.RelatesTo
	return latest, nil
}

// MessageContent decodes the event content as an m.room.message.
func (event *Event) MessageContent() (MessageContent, error) {
	if event.Type != EventTypeMessage {
		return MessageContent{}, fmt.Errorf("messaging: event %s is %s, not %s", event.EventID, event.Type, EventTypeMessage)
	}
	var content MessageContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return MessageContent{}, fmt.Errorf("messaging: decoding content of %s: %w", event.EventID, err)
	}
	return content, nil
}

// MemberContent is the content of an m.room.member event.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	IsDirect    bool   `json:"is_direct,omitempty"`
}

// RoomMessagesOptions controls /messages pagination.
type RoomMessagesOptions struct {
	From      string // pagination token; empty means "from now"
	Direction string // "b" (backward) or "f" (forward); default "b"
	Limit     int
	Filter    string // JSON RoomEventFilter
}

// RoomMessagesResponse is returned by RoomMessages.
type RoomMessagesResponse struct {
	Start string  `json:"start"`
	End   string  `json:"end"`
	Chunk []Event `json:"chunk"`
}

// EventContextResponse is returned by EventContext. EventsBefore is
// ordered newest first.
type EventContextResponse struct {
	Event        Event   `json:"event"`
	EventsBefore []Event `json:"events_before"`
	EventsAfter  []Event `json:"events_after"`
	Start        string  `json:"start"`
	End          string  `json:"end"`
}

// SyncOptions controls /sync.
type SyncOptions struct {
	Since      string
	Timeout    int // long-poll timeout in milliseconds
	SetTimeout bool
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the subset of /sync the relay reads.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection groups per-room sync data by membership.
type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
}

// JoinedRoom is sync data for a joined room.
type JoinedRoom struct {
	Summary  RoomSummary     `json:"summary"`
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// RoomSummary is only sent when it changes; zero means "unchanged".
type RoomSummary struct {
	JoinedMemberCount  int `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount int `json:"m.invited_member_count,omitempty"`
}

// InvitedRoom is sync data for a pending invite.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// TimelineSection holds timeline events.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection holds state events.
type StateSection struct {
	Events []Event `json:"events"`
}

type sendEventResponse struct {
	EventID string `json:"event_id"`
}

type whoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

type joinedRoomsResponse struct {
	JoinedRooms []string `json:"joined_rooms"`
}

type joinedMembersResponse struct {
	Joined map[string]struct {
		DisplayName string `json:"display_name"`
	} `json:"joined"`
}

type displayNameResponse struct {
	DisplayName string `json:"displayname"`
}
