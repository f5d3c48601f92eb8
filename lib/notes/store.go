// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chatrelay/lib/clock"
	"github.com/bureau-foundation/chatrelay/lib/llm"
	"github.com/bureau-foundation/chatrelay/lib/sqlitepool"
)

// Schema creates the notes table. Pass it as sqlitepool.Config.Schema.
const Schema = `
CREATE TABLE IF NOT EXISTS user_notes (
	user_id    TEXT PRIMARY KEY,
	notes      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

const (
	// DefaultMaxLength bounds stored notes when Config.MaxLength is 0.
	DefaultMaxLength = 1500

	// condenseBuffer is how far below the maximum the condensation
	// prompt aims.
	condenseBuffer = 100
)

// Config configures a [Store].
type Config struct {
	Pool *sqlitepool.Pool

	// Condenser shortens notes that grow past MaxLength. Nil means
	// always truncate.
	Condenser llm.Provider
	Model     string

	MaxLength int
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Store is the per-user notes store. Safe for concurrent use.
type Store struct {
	pool      *sqlitepool.Pool
	condenser llm.Provider
	model     string
	maxLength int
	clock     clock.Clock
	logger    *slog.Logger
}

// New returns a Store over an open pool whose schema includes [Schema].
func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, errors.New("notes: Pool is required")
	}
	store := &Store{
		pool:      cfg.Pool,
		condenser: cfg.Condenser,
		model:     cfg.Model,
		maxLength: cfg.MaxLength,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if store.maxLength <= 0 {
		store.maxLength = DefaultMaxLength
	}
	if store.clock == nil {
		store.clock = clock.Real()
	}
	if store.logger == nil {
		store.logger = slog.Default()
	}
	return store, nil
}

// Get returns a user's notes, or "" when there are none.
func (store *Store) Get(ctx context.Context, userID string) (string, error) {
	var notes string
	err := store.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT notes FROM user_notes WHERE user_id = ?", &sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				notes = stmt.ColumnText(0)
				return nil
			},
		})
	})
	if err != nil {
		return "", fmt.Errorf("notes: reading %s: %w", userID, err)
	}
	return notes, nil
}

// Save replaces a user's notes. Text over the maximum length is
// condensed or truncated first.
func (store *Store) Save(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if runeCount := len([]rune(text)); runeCount > store.maxLength {
		store.logger.Info("notes over maximum length, condensing",
			"user_id", userID,
			"length", runeCount,
			"max_length", store.maxLength,
		)
		text = store.condense(ctx, userID, text)
	}

	err := store.pool.WithTransaction(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO user_notes (user_id, notes, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET notes = excluded.notes, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{userID, text, store.clock.Now().UnixMilli()}})
	})
	if err != nil {
		return fmt.Errorf("notes: saving %s: %w", userID, err)
	}
	return nil
}

// Append adds a line to a user's notes.
func (store *Store) Append(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	current, err := store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(current) != "" {
		text = current + "\n" + text
	}
	return store.Save(ctx, userID, text)
}

// Replace substitutes the first occurrence of old in a user's notes.
// It reports false, without writing, when old does not occur.
func (store *Store) Replace(ctx context.Context, userID, old, replacement string) (bool, error) {
	if old == "" {
		return false, nil
	}
	current, err := store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if !strings.Contains(current, old) {
		return false, nil
	}
	return true, store.Save(ctx, userID, strings.Replace(current, old, replacement, 1))
}

// Clear deletes a user's notes.
func (store *Store) Clear(ctx context.Context, userID string) error {
	err := store.pool.WithTransaction(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM user_notes WHERE user_id = ?",
			&sqlitex.ExecOptions{Args: []any{userID}})
	})
	if err != nil {
		return fmt.Errorf("notes: clearing %s: %w", userID, err)
	}
	return nil
}

const condensePrompt = "Please summarize and condense the following notes, removing redundancy " +
	"and keeping the most important points. Aim for a maximum length of around %d characters, " +
	"but do not exceed %d characters.\n\nNOTES:\n```\n%s\n```\n\nCONDENSED NOTES:"

// condense asks the model for a shorter version of text, falling back
// to truncation when the model is unavailable, fails, or does not
// shorten it.
func (store *Store) condense(ctx context.Context, userID, text string) string {
	if store.condenser != nil {
		target := max(0, store.maxLength-condenseBuffer)
		response, err := store.condenser.Complete(ctx, llm.Request{
			Model:    store.model,
			Messages: []llm.Message{llm.UserMessage(fmt.Sprintf(condensePrompt, target, store.maxLength, text))},
		})
		switch {
		case err != nil:
			store.logger.Warn("notes condensation failed", "user_id", userID, "error", err)
		default:
			condensed := strings.TrimSpace(response.TextContent())
			if condensed != "" && len([]rune(condensed)) < len([]rune(text)) {
				return truncateRunes(condensed, store.maxLength)
			}
			store.logger.Warn("notes condensation did not shorten text", "user_id", userID)
		}
	}
	return truncateRunes(text, store.maxLength)
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
