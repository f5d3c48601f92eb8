// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the relay's SQLite connection pool, a thin
// layer over zombiezen.com/go/sqlite/sqlitex.
//
// Every connection gets the same pragmas: WAL journaling,
// synchronous=NORMAL, a 5 second busy timeout and an in-memory temp
// store. The notes store is the only user today; it survives process
// crashes, which is all the durability per-user notes need.
//
// Callers either Take and Put connections themselves or use
// [Pool.WithConn] and [Pool.WithTransaction]:
//
//	err := pool.WithTransaction(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "DELETE FROM user_notes WHERE user_id = ?",
//	        &sqlitex.ExecOptions{Args: []any{userID}})
//	})
//
// Connections are not safe for concurrent use; the pool is.
package sqlitepool
