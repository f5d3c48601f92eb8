// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package notes stores free-form per-user notes that are injected into
// the system prompt of every turn for that user.
//
// Notes live in one SQLite table behind [sqlitepool]. Writes that
// would exceed the configured maximum length are first condensed by a
// model (a blocking [llm.Provider.Complete] call) and, if that fails
// or does not shorten the text, truncated.
//
// Models edit notes in-band: a reply may carry [MEM_APPEND]text or
// [MEM_REPLACE:old]new on a single line. [Store.ApplyTags] performs
// the edits and returns the reply with the applied tags removed.
package notes
