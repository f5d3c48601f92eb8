// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/bureau-foundation/chatrelay/platform"
)

const commandPrefix = "!"

// command runs a notes command in text and reports whether text was
// one. Commands are "!memory" (show), "!memory <text>" (replace) and
// "!forget" (clear). They need no mention and never start a turn.
func (bot *Bot) command(ctx context.Context, message platform.Message, text string, logger *slog.Logger) bool {
	if !strings.HasPrefix(text, commandPrefix) {
		return false
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(text, commandPrefix), " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(name) {
	case "memory":
		if args == "" {
			bot.showNotes(ctx, message, logger)
		} else {
			bot.replaceNotes(ctx, message, args, logger)
		}
	case "forget":
		if err := bot.notes.Clear(ctx, message.AuthorID); err != nil {
			logger.Error("clearing notes failed", "error", err)
			bot.reply(ctx, message, "❌ Error clearing notes. Please try again later.", logger)
			return true
		}
		bot.reply(ctx, message, "✅ Your notes have been cleared.", logger)
	default:
		return false
	}
	return true
}

func (bot *Bot) showNotes(ctx context.Context, message platform.Message, logger *slog.Logger) {
	stored, err := bot.notes.Get(ctx, message.AuthorID)
	if err != nil {
		logger.Error("reading notes failed", "error", err)
		bot.reply(ctx, message, "❌ Error reading notes. Please try again later.", logger)
		return
	}
	if stored == "" {
		bot.reply(ctx, message, "You have no saved notes.", logger)
		return
	}
	bot.reply(ctx, message, fmt.Sprintf("Your current notes (%d chars / %d max):\n```\n%s\n```",
		utf8.RuneCountInString(stored), bot.notesMaxLength, stored), logger)
}

func (bot *Bot) replaceNotes(ctx context.Context, message platform.Message, text string, logger *slog.Logger) {
	length := utf8.RuneCountInString(text)
	if bot.notesMaxLength > 0 && length > bot.notesMaxLength {
		bot.reply(ctx, message, fmt.Sprintf("❌ Error: Notes too long (max %d chars). **Not saved.**", bot.notesMaxLength), logger)
		return
	}
	if err := bot.notes.Save(ctx, message.AuthorID, text); err != nil {
		logger.Error("saving notes failed", "error", err)
		bot.reply(ctx, message, "❌ Error saving notes. Please try again later.", logger)
		return
	}
	bot.reply(ctx, message, fmt.Sprintf("✅ Your notes have been updated (%d chars saved).", length), logger)
}
