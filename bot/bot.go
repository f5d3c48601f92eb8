// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/chatrelay/lib/clock"
	"github.com/bureau-foundation/chatrelay/lib/config"
	"github.com/bureau-foundation/chatrelay/lib/notes"
	"github.com/bureau-foundation/chatrelay/messaging"
	"github.com/bureau-foundation/chatrelay/platform"
)

const (
	// syncTimeout is the /sync long-poll hold in milliseconds.
	syncTimeout = 30000

	// retryTimeout is the hold used while recovering from failures, so
	// a healthy connection is confirmed quickly.
	retryTimeout = 1000

	// maxSyncRetries is how many consecutive failed polls are retried
	// before Run gives up.
	maxSyncRetries = 5

	maxBackoff = 30 * time.Second
)

// syncFilter limits /sync to what intake reads: messages, and
// membership changes that invalidate cached room members.
const syncFilter = `{"room":{"timeline":{"types":["m.room.message","m.room.member"]},"state":{"types":["m.room.member"]}},"presence":{"types":[]},"account_data":{"types":[]}}`

// Syncer is the part of a Matrix session intake drives.
// *messaging.Session implements it.
type Syncer interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
	JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error)
	CloseIdleConnections()
}

// Events converts timeline events to platform messages and tracks
// membership. *matrix.Adapter implements it.
type Events interface {
	MessageFromEvent(ctx context.Context, event messaging.Event) (platform.Message, bool, error)
	InvalidateRoom(roomID string)
}

// TurnHandler runs one turn. *turn.Controller implements it.
type TurnHandler interface {
	Handle(ctx context.Context, trigger platform.Message) error
}

// Config holds a Bot's dependencies.
type Config struct {
	Session  Syncer
	Events   Events
	Platform platform.Platform
	Turns    TurnHandler

	// Notes enables the notes commands. Nil disables them.
	Notes *notes.Store

	// NotesMaxLength bounds notes set with "!memory <text>".
	NotesMaxLength int

	Permissions config.PermissionsConfig
	AutoJoin    bool

	// Rich sends command replies as formatted messages.
	Rich bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Bot is the intake loop. Create with New and start with Run.
type Bot struct {
	session        Syncer
	events         Events
	platform       platform.Platform
	turns          TurnHandler
	notes          *notes.Store
	notesMaxLength int
	permissions    config.PermissionsConfig
	autoJoin       bool
	rich           bool
	clock          clock.Clock
	logger         *slog.Logger

	// startedAt is the first sync's start; older events are history,
	// not triggers.
	startedAt time.Time

	running sync.WaitGroup
}

// New creates a Bot.
func New(cfg Config) (*Bot, error) {
	switch {
	case cfg.Session == nil:
		return nil, fmt.Errorf("bot: Session is required")
	case cfg.Events == nil:
		return nil, fmt.Errorf("bot: Events is required")
	case cfg.Platform == nil:
		return nil, fmt.Errorf("bot: Platform is required")
	case cfg.Turns == nil:
		return nil, fmt.Errorf("bot: Turns is required")
	}
	bot := &Bot{
		session:        cfg.Session,
		events:         cfg.Events,
		platform:       cfg.Platform,
		turns:          cfg.Turns,
		notes:          cfg.Notes,
		notesMaxLength: cfg.NotesMaxLength,
		permissions:    cfg.Permissions,
		autoJoin:       cfg.AutoJoin,
		rich:           cfg.Rich,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}
	if bot.clock == nil {
		bot.clock = clock.Real()
	}
	if bot.logger == nil {
		bot.logger = slog.Default()
	}
	return bot, nil
}

// Run syncs until ctx is cancelled, starting a turn for every trigger.
// The initial sync only establishes the position; its timeline is not
// replayed. Run returns nil on cancellation and an error when /sync
// keeps failing. Either way it waits for running turns first.
func (bot *Bot) Run(ctx context.Context) error {
	defer bot.running.Wait()

	bot.startedAt = bot.clock.Now()
	initial, err := bot.session.Sync(ctx, messaging.SyncOptions{Filter: syncFilter})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("bot: initial sync: %w", err)
	}
	bot.acceptInvites(ctx, initial.Rooms.Invite)
	since := initial.NextBatch
	bot.logger.Info("intake started", "rooms", len(initial.Rooms.Join))

	failures := 0
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		timeout := syncTimeout
		if failures > 0 {
			timeout = retryTimeout
		}
		response, err := bot.session.Sync(ctx, messaging.SyncOptions{
			Since:      since,
			Timeout:    timeout,
			SetTimeout: true,
			Filter:     syncFilter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			bot.session.CloseIdleConnections()
			if failures > maxSyncRetries {
				return fmt.Errorf("bot: sync failed %d times in a row: %w", failures, err)
			}
			bot.logger.Warn("sync failed, retrying", "error", err, "attempt", failures, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-bot.clock.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		failures = 0
		backoff = time.Second
		since = response.NextBatch
		bot.process(ctx, response)
	}
}

func (bot *Bot) acceptInvites(ctx context.Context, invites map[string]messaging.InvitedRoom) {
	if !bot.autoJoin {
		return
	}
	for _, roomID := range sortedKeys(invites) {
		bot.logger.Info("accepting room invite", "room_id", roomID)
		if _, err := bot.session.JoinRoom(ctx, roomID); err != nil {
			bot.logger.Error("accepting room invite failed", "room_id", roomID, "error", err)
		}
	}
}

// process handles one /sync response. Rooms are visited in ID order and
// events in timeline order.
func (bot *Bot) process(ctx context.Context, response *messaging.SyncResponse) {
	bot.acceptInvites(ctx, response.Rooms.Invite)

	for _, roomID := range sortedKeys(response.Rooms.Join) {
		room := response.Rooms.Join[roomID]
		for _, event := range room.State.Events {
			if event.Type == messaging.EventTypeMember {
				bot.events.InvalidateRoom(roomID)
			}
		}
		for _, event := range room.Timeline.Events {
			if event.RoomID == "" {
				event.RoomID = roomID
			}
			bot.handleEvent(ctx, event)
		}
	}
}

func (bot *Bot) handleEvent(ctx context.Context, event messaging.Event) {
	if event.Type == messaging.EventTypeMember {
		bot.events.InvalidateRoom(event.RoomID)
		return
	}
	if event.Sender == bot.platform.BotID() {
		return
	}
	if event.OriginServerTS < bot.startedAt.UnixMilli() {
		return
	}

	message, ok, err := bot.events.MessageFromEvent(ctx, event)
	if err != nil {
		bot.logger.Warn("reading event failed", "room_id", event.RoomID, "event_id", event.EventID, "error", err)
		return
	}
	if !ok {
		return
	}
	logger := bot.logger.With("room_id", message.RoomID, "event_id", message.ID, "user_id", message.AuthorID)

	if !bot.permitted(message) {
		logger.Debug("ignoring message without permission")
		return
	}

	if bot.notes != nil && bot.command(ctx, message, message.PromptText(), logger) {
		return
	}

	if !bot.triggers(ctx, message, logger) {
		return
	}

	logger.Info("starting turn")
	bot.running.Add(1)
	go func() {
		defer bot.running.Done()
		if err := bot.turns.Handle(ctx, message); err != nil && ctx.Err() == nil {
			logger.Error("turn failed", "error", err)
		}
	}()
}

// permitted applies the user lists everywhere, allow_dms in direct
// rooms and the room lists elsewhere.
func (bot *Bot) permitted(message platform.Message) bool {
	if !bot.permissions.Users.Permits(message.AuthorID) {
		return false
	}
	if message.Direct {
		return bot.permissions.AllowDMs
	}
	return bot.permissions.Rooms.Permits(message.RoomID)
}

// triggers reports whether message starts a turn: anything in a direct
// room, a mention, or a reply to one of the bot's messages.
func (bot *Bot) triggers(ctx context.Context, message platform.Message, logger *slog.Logger) bool {
	if message.Direct || message.MentionsBot {
		return true
	}
	if message.ReplyTo == "" {
		return false
	}
	parent, err := bot.platform.FetchMessage(ctx, message.RoomID, message.ReplyTo)
	if err != nil {
		logger.Debug("fetching reply target failed", "reply_to", message.ReplyTo, "error", err)
		return false
	}
	return parent.AuthorID == bot.platform.BotID()
}

// reply sends a command response.
func (bot *Bot) reply(ctx context.Context, message platform.Message, text string, logger *slog.Logger) {
	content := platform.Content{Text: text, Rich: bot.rich}
	if _, err := bot.platform.Send(ctx, platform.TargetFor(message), content); err != nil {
		logger.Error("sending command reply failed", "error", err)
	}
}

func sortedKeys[V any](rooms map[string]V) []string {
	keys := make([]string, 0, len(rooms))
	for key := range rooms {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
