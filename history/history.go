// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package history turns the reply graph behind a trigger message into a
// bounded, chronological prompt.
//
// The walk starts at the trigger and follows each fragment's parent:
// the explicit reply target, else the thread root, else (in a direct
// room, for a message that replies to nothing) the preceding message
// when the bot wrote it. Every node goes through the shared
// [fragment.Cache], so turns whose histories overlap fetch and process
// each message once.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/chatrelay/fragment"
	"github.com/bureau-foundation/chatrelay/lib/metrics"
	"github.com/bureau-foundation/chatrelay/platform"
)

const (
	DefaultTextTimeout  = 10 * time.Second
	DefaultImageTimeout = 15 * time.Second
)

// Warnings shown to the user under a reply.
const (
	WarningUnsupportedAttachments = "⚠️ Unsupported attachments ignored"
	WarningBrokenChain            = "⚠️ Couldn't link full conversation history"
	WarningNoImages               = "⚠️ Can't see images"
)

// Limits bounds one prompt. They come from the model the prompt is for.
type Limits struct {
	MaxMessages int
	MaxText     int
	MaxImages   int

	// Vision is set when the model accepts images. Without it images
	// are neither fetched nor sent.
	Vision bool

	// AuthorNames is set when the provider has a per-message author
	// field. Otherwise user text is prefixed with the author.
	AuthorNames bool
}

// Entry is one prompt message, derived from exactly one fragment.
type Entry struct {
	FragmentID string
	Role       fragment.Role

	// Name is the author's user ID, only when Limits.AuthorNames.
	Name string

	Text   string
	Images []fragment.Image
}

// Prompt is a chronological list of entries.
type Prompt []Entry

// Config holds an Assembler's dependencies.
type Config struct {
	Platform platform.Platform
	Cache    *fragment.Cache

	// TextTimeout and ImageTimeout bound single attachment fetches.
	// Zero means the defaults.
	TextTimeout  time.Duration
	ImageTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Assembler builds prompts. It is safe for concurrent use.
type Assembler struct {
	platform     platform.Platform
	cache        *fragment.Cache
	textTimeout  time.Duration
	imageTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New creates an Assembler.
func New(cfg Config) (*Assembler, error) {
	if cfg.Platform == nil {
		return nil, errors.New("history: Platform is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("history: Cache is required")
	}
	assembler := &Assembler{
		platform:     cfg.Platform,
		cache:        cfg.Cache,
		textTimeout:  cfg.TextTimeout,
		imageTimeout: cfg.ImageTimeout,
		metrics:      metrics.OrDiscard(cfg.Metrics),
		logger:       cfg.Logger,
	}
	if assembler.textTimeout <= 0 {
		assembler.textTimeout = DefaultTextTimeout
	}
	if assembler.imageTimeout <= 0 {
		assembler.imageTimeout = DefaultImageTimeout
	}
	if assembler.logger == nil {
		assembler.logger = slog.Default()
	}
	return assembler, nil
}

// Build walks the history behind trigger. Warnings are de-duplicated
// and sorted. The only errors are from ctx; a message that cannot be
// fetched ends the walk with a warning.
func (assembler *Assembler) Build(ctx context.Context, trigger platform.Message, limits Limits) (Prompt, []string, error) {
	maxImages := limits.MaxImages
	if !limits.Vision {
		maxImages = 0
	}

	var (
		entries  Prompt
		warnings = make(map[string]struct{})
		id       = trigger.ID
	)
	for id != "" && len(entries) < limits.MaxMessages {
		current, err := assembler.cache.GetOrPopulate(ctx, id, assembler.populator(trigger, limits.Vision))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, fmt.Errorf("history: building for %s: %w", trigger.ID, ctxErr)
			}
			assembler.logger.Warn("history walk stopped at unreadable message",
				"room_id", trigger.RoomID,
				"event_id", id,
				"error", err,
			)
			warnings[WarningBrokenChain] = struct{}{}
			break
		}

		text := truncateRunes(current.Text, limits.MaxText)
		images := current.Images[:min(len(current.Images), maxImages)]

		if current.Role == fragment.RoleUser && !limits.AuthorNames {
			text = authorPrefix(current.AuthorName, current.AuthorID) + text
		}
		if text != "" || len(images) > 0 {
			entry := Entry{
				FragmentID: current.ID,
				Role:       current.Role,
				Text:       text,
				Images:     images,
			}
			if limits.AuthorNames && current.Role == fragment.RoleUser {
				entry.Name = current.AuthorID
			}
			entries = append(entries, entry)
		}

		if utf8.RuneCountInString(current.Text) > limits.MaxText {
			warnings[fmt.Sprintf("⚠️ Max %s characters/message", humanize.Comma(int64(limits.MaxText)))] = struct{}{}
		}
		if len(current.Images) > maxImages {
			if maxImages > 0 {
				warnings[fmt.Sprintf("⚠️ Max %d %s/message", maxImages, plural(maxImages, "image"))] = struct{}{}
			} else {
				warnings[WarningNoImages] = struct{}{}
			}
		}
		if current.HasUnsupportedAttachments {
			warnings[WarningUnsupportedAttachments] = struct{}{}
		}
		if current.ParentLookupFailed {
			warnings[WarningBrokenChain] = struct{}{}
		} else if current.ParentID != "" && len(entries) == limits.MaxMessages {
			warnings[fmt.Sprintf("⚠️ Using last %d %s", len(entries), plural(len(entries), "message"))] = struct{}{}
		}

		id = current.ParentID
	}

	assembler.cache.EnforceCapacity()

	slices.Reverse(entries)
	sorted := make([]string, 0, len(warnings))
	for warning := range warnings {
		sorted = append(sorted, warning)
	}
	slices.Sort(sorted)
	return entries, sorted, nil
}

// populator processes one message into a fragment. The trigger is
// already in hand; every other message is fetched from its room.
func (assembler *Assembler) populator(trigger platform.Message, vision bool) fragment.Populator {
	return func(ctx context.Context, node *fragment.Fragment) error {
		message := trigger
		if node.ID != trigger.ID {
			fetched, err := assembler.platform.FetchMessage(ctx, trigger.RoomID, node.ID)
			if err != nil {
				return err
			}
			message = fetched
		}
		assembler.process(ctx, message, vision, node)
		return nil
	}
}

func (assembler *Assembler) process(ctx context.Context, message platform.Message, vision bool, node *fragment.Fragment) {
	node.Seq = message.Sequence()

	content := message.PromptText()

	attachmentTexts, images, unsupported := assembler.fetchAttachments(ctx, message, vision)

	var parts []string
	if content != "" {
		parts = append(parts, content)
	}
	parts = append(parts, attachmentTexts...)
	node.Text = strings.Join(parts, "\n")
	node.Images = images
	node.HasUnsupportedAttachments = unsupported

	if message.AuthorID == assembler.platform.BotID() {
		node.Role = fragment.RoleAssistant
	} else {
		node.Role = fragment.RoleUser
		node.AuthorID = message.AuthorID
		node.AuthorName = message.AuthorName
	}

	switch {
	case message.ReplyTo != "":
		node.ParentID = message.ReplyTo
	case message.ThreadRoot != "":
		node.ParentID = message.ThreadRoot
	case message.Direct:
		previous, ok, err := assembler.platform.PreviousMessage(ctx, message)
		if err != nil {
			assembler.logger.Warn("looking up previous direct message failed",
				"room_id", message.RoomID,
				"event_id", message.ID,
				"error", err,
			)
			node.ParentLookupFailed = true
		} else if ok && previous.AuthorID == assembler.platform.BotID() {
			node.ParentID = previous.ID
		}
	}
}

// attachmentResult is one attachment's outcome, kept in attachment
// order.
type attachmentResult struct {
	text  string
	image *fragment.Image
}

// fetchAttachments downloads text and (with vision) image attachments
// concurrently. Anything else, and every failed or timed-out fetch,
// counts as unsupported.
func (assembler *Assembler) fetchAttachments(ctx context.Context, message platform.Message, vision bool) ([]string, []fragment.Image, bool) {
	if len(message.Attachments) == 0 {
		return nil, nil, false
	}

	results := make([]attachmentResult, len(message.Attachments))
	failed := make([]bool, len(message.Attachments))

	var group errgroup.Group
	for index, attachment := range message.Attachments {
		var timeout time.Duration
		switch {
		case strings.HasPrefix(attachment.ContentType, "text"):
			timeout = assembler.textTimeout
		case vision && strings.HasPrefix(attachment.ContentType, "image/"):
			timeout = assembler.imageTimeout
		default:
			failed[index] = true
			continue
		}
		group.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			data, err := assembler.platform.FetchAttachment(fetchCtx, attachment)
			if err != nil {
				assembler.metrics.PlatformFailures.WithLabelValues("fetch_attachment").Inc()
				assembler.logger.Warn("fetching attachment failed",
					"room_id", message.RoomID,
					"event_id", message.ID,
					"attachment", attachment.Name,
					"error", err,
				)
				failed[index] = true
				return nil
			}
			if strings.HasPrefix(attachment.ContentType, "text") {
				if !utf8.Valid(data) {
					failed[index] = true
					return nil
				}
				results[index].text = string(data)
				return nil
			}
			results[index].image = &fragment.Image{MediaType: attachment.ContentType, Data: data}
			return nil
		})
	}
	_ = group.Wait()

	var (
		texts       []string
		images      []fragment.Image
		unsupported bool
	)
	for index, result := range results {
		switch {
		case failed[index]:
			unsupported = true
		case result.image != nil:
			images = append(images, *result.image)
		default:
			texts = append(texts, result.text)
		}
	}
	return texts, images, unsupported
}

// authorPrefix identifies a user message's author inline, for providers
// without an author field. The display name keeps only letters, digits,
// spaces, '_' and '-'.
func authorPrefix(displayName, userID string) string {
	safe := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '_' || r == '-' {
			return r
		}
		return -1
	}, displayName)
	return fmt.Sprintf("User (%s/%s): ", safe, userID)
}

func truncateRunes(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit])
}

func plural(count int, noun string) string {
	if count == 1 {
		return noun
	}
	return noun + "s"
}
