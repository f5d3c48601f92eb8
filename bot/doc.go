// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bot is the relay's intake: a Matrix /sync loop that turns
// room messages into turns.
//
// A message starts a turn when it arrives in a direct room, mentions
// the bot, or replies to one of the bot's messages, and its author and
// room pass the configured permission lists. The bot's own events,
// edits, and anything sent before startup are ignored. Membership
// events invalidate the platform's cached room members. With notes
// enabled, "!memory" and "!forget" are answered directly.
//
// Every turn runs on its own goroutine. [Bot.Run] waits for them
// before returning.
package bot
