// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chatrelay/lib/sqlitepool"
)

const testSchema = `CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY, value TEXT NOT NULL);`

func openTestPool(t *testing.T) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 2,
		Schema:   testSchema,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

func countItems(t *testing.T, pool *sqlitepool.Pool) int {
	t.Helper()
	var count int
	err := pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM items", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("counting items: %v", err)
	}
	return count
}

func TestPragmasApplied(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t)
	var journalMode string
	err := pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				journalMode = stmt.ColumnText(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}
}

func TestWithTransactionCommits(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t)
	err := pool.WithTransaction(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO items (value) VALUES (?)", &sqlitex.ExecOptions{Args: []any{"a"}})
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}
	if got := countItems(t, pool); got != 1 {
		t.Errorf("items = %d, want 1", got)
	}
}

func TestWithTransactionRollsBack(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t)
	failure := errors.New("abort")
	err := pool.WithTransaction(context.Background(), func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO items (value) VALUES (?)", &sqlitex.ExecOptions{Args: []any{"a"}}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("WithTransaction err = %v, want %v", err, failure)
	}
	if got := countItems(t, pool); got != 0 {
		t.Errorf("items = %d, want 0 after rollback", got)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	t.Parallel()

	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}

func TestTakeHonorsCancellation(t *testing.T) {
	t.Parallel()

	pool, err := sqlitepool.Open(sqlitepool.Config{Path: filepath.Join(t.TempDir(), "one.db"), PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	held, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Error("Take with cancelled context succeeded while pool exhausted")
	}
	pool.Put(held)
}
