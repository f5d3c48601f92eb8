// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream turns an incrementally arriving model reply into chat
// messages.
//
// Text is cut into parts of at most MaxContentLength characters, one
// platform message per part. A new part is sent as soon as it exists;
// later growth reaches the platform through edits, issued only when no
// edit is in flight and MinEditSpacing has passed since the last one.
// Deltas that arrive in between are folded into the next edit. When a
// part fills up, or the stream ends, the part is finalized: the
// in-flight edit is awaited and one more edit, exempt from pacing,
// writes the part's complete text. Displayed content therefore always
// converges to the generated text, however many intermediate edits were
// skipped.
//
// Every message the synchronizer sends is reserved in the fragment cache
// as an assistant fragment, so a user replying to it mid-stream waits for
// the final text instead of reading a partial one.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bureau-foundation/chatrelay/fragment"
	"github.com/bureau-foundation/chatrelay/lib/clock"
	"github.com/bureau-foundation/chatrelay/lib/metrics"
	"github.com/bureau-foundation/chatrelay/platform"
)

// Superseded replaces messages from an earlier attempt that the final
// reply did not need.
const Superseded = "⬆️ See above."

// finalizeTimeout bounds each finalizing edit. Finalizing edits run even
// after the turn's context ends so displayed text converges.
const finalizeTimeout = 30 * time.Second

// OutputKind classifies how a model stream ended.
type OutputKind int

const (
	// OutputNormal is ordinary model text.
	OutputNormal OutputKind = iota

	// OutputControlSignal means the model asked for escalation to the
	// secondary model.
	OutputControlSignal

	// OutputTransportError means the provider failed and the text is
	// an in-band error description.
	OutputTransportError
)

func (kind OutputKind) String() string {
	switch kind {
	case OutputNormal:
		return "normal"
	case OutputControlSignal:
		return "control_signal"
	case OutputTransportError:
		return "transport_error"
	}
	return fmt.Sprintf("OutputKind(%d)", int(kind))
}

// Finish describes the end of a stream. It is set only on the final
// delta.
type Finish struct {
	Reason string
	Kind   OutputKind
}

// Delta is one item from a Source.
type Delta struct {
	Text   string
	Final  bool
	Finish Finish
}

// Source is a pull iterator of deltas. After the final delta, or when
// the source is exhausted, Next returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Delta, error)
}

// Config configures a Synchronizer for one reply.
type Config struct {
	Platform platform.Platform
	Cache    *fragment.Cache
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// MaxContentLength caps one message, in characters.
	MaxContentLength int

	// MinEditSpacing is the minimum time between edits.
	MinEditSpacing time.Duration

	Rich bool

	// Target is where the first message goes. Later messages reply to
	// the message before them.
	Target platform.Target

	// ParentID is the trigger message; the reply's fragments link to it.
	ParentID string

	// Notices are shown under the last message once the reply is final.
	Notices []string

	// Existing are messages already sent during this turn. Parts are
	// written into them, in order, before any new message is sent.
	Existing []platform.Handle
}

// Result is what a reply ended up as.
type Result struct {
	// Text is the full generated text.
	Text string

	// Parts are the displayed contents, one per message.
	Parts []string

	// Handles identify the message of each part; a part whose send
	// failed has a zero Handle. Superseded earlier messages are not
	// included.
	Handles []platform.Handle

	Finish Finish
}

// Synchronizer streams one reply. It is not safe for concurrent use.
type Synchronizer struct {
	platform    platform.Platform
	cache       *fragment.Cache
	clock       clock.Clock
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxLength   int
	editSpacing time.Duration
	rich        bool
	target      platform.Target
	parentID    string
	notices     []string
	existing    []platform.Handle

	messages []*message
	lastEdit time.Time
}

// message is one part. pending is closed when its in-flight edit ends;
// edits to one message are strictly sequential because a new edit is
// only issued once pending is closed.
type message struct {
	text        string
	shown       string
	handle      platform.Handle
	sent        bool
	reservation *fragment.Reservation
	seq         int64
	pending     chan struct{}
}

// New creates a Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Platform == nil {
		return nil, errors.New("stream: Platform is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("stream: Cache is required")
	}
	if cfg.MaxContentLength <= 0 {
		return nil, fmt.Errorf("stream: MaxContentLength must be positive, got %d", cfg.MaxContentLength)
	}
	synchronizer := &Synchronizer{
		platform:    cfg.Platform,
		cache:       cfg.Cache,
		clock:       cfg.Clock,
		metrics:     metrics.OrDiscard(cfg.Metrics),
		logger:      cfg.Logger,
		maxLength:   cfg.MaxContentLength,
		editSpacing: cfg.MinEditSpacing,
		rich:        cfg.Rich,
		target:      cfg.Target,
		parentID:    cfg.ParentID,
		notices:     slices.Clone(cfg.Notices),
		existing:    slices.Clone(cfg.Existing),
	}
	if synchronizer.clock == nil {
		synchronizer.clock = clock.Real()
	}
	if synchronizer.logger == nil {
		synchronizer.logger = slog.Default()
	}
	return synchronizer, nil
}

// Run consumes source until its final delta and returns the reply. A
// source error other than io.EOF ends the stream early: what arrived is
// finalized and the error is returned with the partial Result.
func (synchronizer *Synchronizer) Run(ctx context.Context, source Source) (Result, error) {
	var (
		full    strings.Builder
		finish  Finish
		pullErr error
	)
	for {
		delta, err := source.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				pullErr = fmt.Errorf("stream: reading source: %w", err)
			}
			break
		}
		if delta.Text != "" {
			full.WriteString(delta.Text)
			synchronizer.appendText(ctx, delta.Text)
		}
		if delta.Final {
			finish = delta.Finish
			break
		}
		synchronizer.maybeEdit(ctx)
	}

	if last := synchronizer.last(); last != nil {
		synchronizer.finalize(ctx, last, true)
	}
	synchronizer.supersedeUnused(ctx)

	result := synchronizer.result(full.String(), finish)
	synchronizer.fill(ctx, result)
	return result, pullErr
}

// appendText adds text to the current part, finalizing it and opening
// new parts as the length cap requires.
func (synchronizer *Synchronizer) appendText(ctx context.Context, text string) {
	for text != "" {
		last := synchronizer.last()
		if last != nil {
			length := utf8.RuneCountInString(last.text)
			if length == 0 || length+utf8.RuneCountInString(text) <= synchronizer.maxLength {
				head, tail := splitRunes(text, synchronizer.maxLength-length)
				last.text += head
				text = tail
				continue
			}
			synchronizer.finalize(ctx, last, false)
		}
		head, tail := splitRunes(text, synchronizer.maxLength)
		synchronizer.open(ctx, head)
		text = tail
	}
}

// open starts a new part and shows it at once.
func (synchronizer *Synchronizer) open(ctx context.Context, text string) {
	index := len(synchronizer.messages)
	part := &message{text: text}
	synchronizer.messages = append(synchronizer.messages, part)
	content := synchronizer.content(text, true, false)

	if index < len(synchronizer.existing) {
		part.handle = synchronizer.existing[index]
		part.sent = true
		if err := synchronizer.platform.Edit(ctx, part.handle, content); err != nil {
			synchronizer.editFailed(part.handle, err)
		} else {
			part.shown = text
		}
		synchronizer.lastEdit = synchronizer.clock.Now()
		return
	}

	target := synchronizer.target
	if index > 0 {
		if previous := synchronizer.messages[index-1]; previous.sent {
			target.ReplyTo = previous.handle.MessageID
		}
	}
	handle, err := synchronizer.platform.Send(ctx, target, content)
	synchronizer.lastEdit = synchronizer.clock.Now()
	if err != nil {
		synchronizer.metrics.PlatformFailures.WithLabelValues("send").Inc()
		synchronizer.logger.Error("sending reply part failed",
			"room_id", target.RoomID,
			"part", index,
			"error", err,
		)
		return
	}
	part.handle = handle
	part.sent = true
	part.shown = text

	part.seq = synchronizer.lastEdit.UnixMilli()
	reservation, err := synchronizer.cache.Reserve(ctx, handle.MessageID, part.seq)
	if err != nil {
		synchronizer.logger.Warn("reserving reply fragment failed",
			"room_id", handle.RoomID,
			"event_id", handle.MessageID,
			"error", err,
		)
		return
	}
	part.reservation = reservation
}

// maybeEdit pushes the current part's growth if pacing allows.
func (synchronizer *Synchronizer) maybeEdit(ctx context.Context) {
	last := synchronizer.last()
	if last == nil || !last.sent || last.text == last.shown || last.editing() {
		return
	}
	if clock.Since(synchronizer.clock, synchronizer.lastEdit) < synchronizer.editSpacing {
		return
	}

	text := last.text
	content := synchronizer.content(text, true, false)
	handle := last.handle
	done := make(chan struct{})
	last.pending = done
	last.shown = text
	synchronizer.lastEdit = synchronizer.clock.Now()

	go func() {
		defer close(done)
		if err := synchronizer.platform.Edit(ctx, handle, content); err != nil {
			synchronizer.editFailed(handle, err)
		}
	}()
}

// finalize awaits the part's in-flight edit, then writes its complete
// text unconditionally.
func (synchronizer *Synchronizer) finalize(ctx context.Context, part *message, last bool) {
	if part.pending != nil {
		<-part.pending
		part.pending = nil
	}
	if !part.sent {
		return
	}
	editCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := synchronizer.platform.Edit(editCtx, part.handle, synchronizer.content(part.text, false, last)); err != nil {
		synchronizer.editFailed(part.handle, err)
		return
	}
	part.shown = part.text
	synchronizer.lastEdit = synchronizer.clock.Now()
}

// supersedeUnused overwrites earlier messages the reply did not reach.
func (synchronizer *Synchronizer) supersedeUnused(ctx context.Context) {
	for index := len(synchronizer.messages); index < len(synchronizer.existing); index++ {
		handle := synchronizer.existing[index]
		editCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		err := synchronizer.platform.Edit(editCtx, handle, synchronizer.content(Superseded, false, false))
		cancel()
		if err != nil {
			synchronizer.editFailed(handle, err)
		}
	}
}

func (synchronizer *Synchronizer) result(text string, finish Finish) Result {
	result := Result{Text: text, Finish: finish}
	for _, part := range synchronizer.messages {
		result.Parts = append(result.Parts, part.text)
		if part.sent {
			result.Handles = append(result.Handles, part.handle)
		} else {
			result.Handles = append(result.Handles, platform.Handle{})
		}
	}
	return result
}

// fill publishes text as the content of every message of the reply,
// including superseded ones. A held reservation is filled; other
// messages are reserved and filled at once.
func (synchronizer *Synchronizer) fill(ctx context.Context, result Result) {
	reply := fragment.Fragment{
		Seq:      synchronizer.clock.Now().UnixMilli(),
		Text:     result.Text,
		Role:     fragment.RoleAssistant,
		ParentID: synchronizer.parentID,
	}
	filled := make(map[string]bool)
	for _, part := range synchronizer.messages {
		if part.reservation != nil {
			reply.Seq = part.seq
			part.reservation.Fill(reply)
			part.reservation = nil
			filled[part.handle.MessageID] = true
		}
	}
	for _, handle := range synchronizer.existing {
		if !filled[handle.MessageID] {
			synchronizer.publish(ctx, handle, reply)
		}
	}
}

// publish replaces a message's cached fragment.
func (synchronizer *Synchronizer) publish(ctx context.Context, handle platform.Handle, reply fragment.Fragment) {
	reservation, err := synchronizer.cache.Reserve(context.WithoutCancel(ctx), handle.MessageID, reply.Seq)
	if err != nil {
		synchronizer.logger.Warn("updating reply fragment failed",
			"event_id", handle.MessageID,
			"error", err,
		)
		return
	}
	reservation.Fill(reply)
}

// Reconcile rewrites an already streamed reply to text: the text is cut
// into parts again and written over the reply's messages, sending new
// messages if it grew and superseding messages it no longer needs. The
// reply's fragments are updated to text. Reconcile is for final text
// that differs from what streamed, such as output with a control token
// or notes tags removed.
func (synchronizer *Synchronizer) Reconcile(ctx context.Context, result Result, text string) Result {
	if text == result.Text {
		return result
	}

	parts := partition(text, synchronizer.maxLength)
	reconciled := Result{Text: text, Finish: result.Finish}
	var handles []platform.Handle
	for _, handle := range result.Handles {
		if handle != (platform.Handle{}) {
			handles = append(handles, handle)
		}
	}

	reply := fragment.Fragment{
		Seq:      synchronizer.clock.Now().UnixMilli(),
		Text:     text,
		Role:     fragment.RoleAssistant,
		ParentID: synchronizer.parentID,
	}
	editCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	for index, part := range parts {
		last := index == len(parts)-1
		content := synchronizer.content(part, false, last)
		if index < len(handles) {
			handle := handles[index]
			if err := synchronizer.platform.Edit(editCtx, handle, content); err != nil {
				synchronizer.editFailed(handle, err)
			}
			reconciled.Parts = append(reconciled.Parts, part)
			reconciled.Handles = append(reconciled.Handles, handle)
			continue
		}
		target := synchronizer.target
		if len(reconciled.Handles) > 0 {
			target.ReplyTo = reconciled.Handles[len(reconciled.Handles)-1].MessageID
		}
		handle, err := synchronizer.platform.Send(editCtx, target, content)
		if err != nil {
			synchronizer.metrics.PlatformFailures.WithLabelValues("send").Inc()
			synchronizer.logger.Error("sending reconciled part failed", "room_id", target.RoomID, "error", err)
			handle = platform.Handle{}
		}
		reconciled.Parts = append(reconciled.Parts, part)
		reconciled.Handles = append(reconciled.Handles, handle)
	}
	for index := len(parts); index < len(handles); index++ {
		if err := synchronizer.platform.Edit(editCtx, handles[index], synchronizer.content(Superseded, false, false)); err != nil {
			synchronizer.editFailed(handles[index], err)
		}
	}

	for _, handle := range handles {
		synchronizer.publish(ctx, handle, reply)
	}
	for _, handle := range reconciled.Handles[min(len(handles), len(reconciled.Handles)):] {
		if handle != (platform.Handle{}) {
			synchronizer.publish(ctx, handle, reply)
		}
	}
	return reconciled
}

func (synchronizer *Synchronizer) content(text string, inProgress, last bool) platform.Content {
	content := platform.Content{Text: text, Rich: synchronizer.rich, InProgress: inProgress}
	if last {
		content.Notices = synchronizer.notices
	}
	return content
}

func (synchronizer *Synchronizer) editFailed(handle platform.Handle, err error) {
	synchronizer.metrics.PlatformFailures.WithLabelValues("edit").Inc()
	synchronizer.logger.Error("editing reply failed",
		"room_id", handle.RoomID,
		"event_id", handle.MessageID,
		"error", err,
	)
}

func (synchronizer *Synchronizer) last() *message {
	if len(synchronizer.messages) == 0 {
		return nil
	}
	return synchronizer.messages[len(synchronizer.messages)-1]
}

func (part *message) editing() bool {
	if part.pending == nil {
		return false
	}
	select {
	case <-part.pending:
		part.pending = nil
		return false
	default:
		return true
	}
}

// partition cuts text into parts of at most limit characters.
func partition(text string, limit int) []string {
	var parts []string
	for text != "" {
		var head string
		head, text = splitRunes(text, limit)
		parts = append(parts, head)
	}
	return parts
}

// splitRunes returns the first n characters of text and the rest.
func splitRunes(text string, n int) (string, string) {
	if n <= 0 {
		return "", text
	}
	count := 0
	for index := range text {
		if count == n {
			return text[:index], text[index:]
		}
		count++
	}
	return text, ""
}
