// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for the chatrelay binary:
// reporting a fatal error to stderr before (or instead of) the
// structured logger, then exiting.
package process
