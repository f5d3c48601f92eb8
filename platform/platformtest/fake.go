// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package platformtest provides an in-memory platform.Platform for tests.
//
// The fake records every send and edit, tracks the current content of
// each sent message, and detects overlapping edits to one message. Edits
// can be held on a gate channel so tests control when they complete.
package platformtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/bureau-foundation/chatrelay/platform"
)

// OpKind distinguishes recorded operations.
type OpKind string

const (
	OpSend OpKind = "send"
	OpEdit OpKind = "edit"
)

// Op is one recorded Send or Edit.
type Op struct {
	Kind    OpKind
	Handle  platform.Handle
	Target  platform.Target
	Content platform.Content
}

// Platform is the fake. The zero value is not usable; call New.
type Platform struct {
	botID string

	mu          sync.Mutex
	messages    map[string]platform.Message
	order       map[string][]string // room -> message IDs, oldest first
	fetchErrors map[string]error
	fetchCounts map[string]int
	attachments map[string][]byte
	ops         []Op
	current     map[platform.Handle]platform.Content
	editing     map[platform.Handle]int
	overlaps    int
	sent        int

	// SendErr, when set, fails every Send.
	SendErr error

	// EditErr, when set, fails every Edit.
	EditErr error

	// EditGate, when non-nil, makes every Edit wait for a value (or
	// ctx) before completing.
	EditGate chan struct{}

	// AttachmentGate, when non-nil, makes every FetchAttachment wait for
	// a value (or ctx).
	AttachmentGate chan struct{}
}

// New creates a fake whose bot identity is botID.
func New(botID string) *Platform {
	return &Platform{
		botID:       botID,
		messages:    make(map[string]platform.Message),
		order:       make(map[string][]string),
		fetchErrors: make(map[string]error),
		fetchCounts: make(map[string]int),
		attachments: make(map[string][]byte),
		current:     make(map[platform.Handle]platform.Content),
		editing:     make(map[platform.Handle]int),
	}
}

// BotID implements platform.Platform.
func (fake *Platform) BotID() string { return fake.botID }

// AddMessage stores message; messages are ordered within a room by the
// order they are added.
func (fake *Platform) AddMessage(message platform.Message) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, exists := fake.messages[message.ID]; !exists {
		fake.order[message.RoomID] = append(fake.order[message.RoomID], message.ID)
	}
	fake.messages[message.ID] = message
}

// FailFetch makes FetchMessage for messageID return err.
func (fake *Platform) FailFetch(messageID string, err error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.fetchErrors[messageID] = err
}

// AddAttachment registers content served for url.
func (fake *Platform) AddAttachment(url string, data []byte) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.attachments[url] = data
}

// FetchCount returns how often FetchMessage was called for messageID.
func (fake *Platform) FetchCount(messageID string) int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.fetchCounts[messageID]
}

// FetchMessage implements platform.Platform.
func (fake *Platform) FetchMessage(ctx context.Context, roomID, messageID string) (platform.Message, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.fetchCounts[messageID]++
	if err := fake.fetchErrors[messageID]; err != nil {
		return platform.Message{}, err
	}
	message, ok := fake.messages[messageID]
	if !ok || message.RoomID != roomID {
		return platform.Message{}, fmt.Errorf("%w: %s", platform.ErrNotFound, messageID)
	}
	return message, nil
}

// PreviousMessage implements platform.Platform.
func (fake *Platform) PreviousMessage(ctx context.Context, message platform.Message) (platform.Message, bool, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	ids := fake.order[message.RoomID]
	index := slices.Index(ids, message.ID)
	if index <= 0 {
		return platform.Message{}, false, nil
	}
	return fake.messages[ids[index-1]], true, nil
}

// FetchAttachment implements platform.Platform.
func (fake *Platform) FetchAttachment(ctx context.Context, attachment platform.Attachment) ([]byte, error) {
	if gate := fake.AttachmentGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	data, ok := fake.attachments[attachment.URL]
	if !ok {
		return nil, fmt.Errorf("platformtest: no attachment at %s", attachment.URL)
	}
	return data, nil
}

// Send implements platform.Platform.
func (fake *Platform) Send(ctx context.Context, target platform.Target, content platform.Content) (platform.Handle, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.SendErr != nil {
		return platform.Handle{}, fake.SendErr
	}
	fake.sent++
	handle := platform.Handle{RoomID: target.RoomID, MessageID: fmt.Sprintf("$sent-%d", fake.sent)}
	content.Notices = slices.Clone(content.Notices)
	fake.ops = append(fake.ops, Op{Kind: OpSend, Handle: handle, Target: target, Content: content})
	fake.current[handle] = content
	return handle, nil
}

// Edit implements platform.Platform.
func (fake *Platform) Edit(ctx context.Context, handle platform.Handle, content platform.Content) error {
	fake.mu.Lock()
	fake.editing[handle]++
	if fake.editing[handle] > 1 {
		fake.overlaps++
	}
	fake.mu.Unlock()

	defer func() {
		fake.mu.Lock()
		fake.editing[handle]--
		fake.mu.Unlock()
	}()

	if gate := fake.EditGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.EditErr != nil {
		return fake.EditErr
	}
	if _, ok := fake.current[handle]; !ok {
		return fmt.Errorf("platformtest: edit of unknown message %s", handle.MessageID)
	}
	content.Notices = slices.Clone(content.Notices)
	fake.ops = append(fake.ops, Op{Kind: OpEdit, Handle: handle, Content: content})
	fake.current[handle] = content
	return nil
}

// Ops returns a copy of every recorded send and edit, in order.
func (fake *Platform) Ops() []Op {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return slices.Clone(fake.ops)
}

// Sent returns the handles of sent messages in send order.
func (fake *Platform) Sent() []platform.Handle {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	var handles []platform.Handle
	for _, op := range fake.ops {
		if op.Kind == OpSend {
			handles = append(handles, op.Handle)
		}
	}
	return handles
}

// Current returns the latest content of a sent message.
func (fake *Platform) Current(handle platform.Handle) platform.Content {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.current[handle]
}

// Displayed returns the current text of every sent message, in send order.
func (fake *Platform) Displayed() []string {
	handles := fake.Sent()
	texts := make([]string, len(handles))
	for index, handle := range handles {
		texts[index] = fake.Current(handle).Text
	}
	return texts
}

// Overlaps returns how many edits started while another edit to the
// same message was still running.
func (fake *Platform) Overlaps() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.overlaps
}

var _ platform.Platform = (*Platform)(nil)
