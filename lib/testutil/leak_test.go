// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil_test

import (
	"testing"

	"go.uber.org/goleak"

	_ "github.com/bureau-foundation/chatrelay/lib/llm"
	"github.com/bureau-foundation/chatrelay/lib/testutil"
)

func TestLeakOptionsAcceptProviderInit(t *testing.T) {
	if err := goleak.Find(testutil.LeakOptions()...); err != nil {
		t.Fatalf("goroutines left by package init: %v", err)
	}
}
