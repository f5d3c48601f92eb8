// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the chatrelay binary.
//
// The variables are injected at build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/chatrelay/lib/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/chatrelay
//
// and default to "unknown" / "0.1.0-dev" in development builds.
package version
