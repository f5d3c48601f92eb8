// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import "go.uber.org/goleak"

// LeakOptions are the goleak options every package's TestMain passes.
// The genai client links opencensus, whose stats worker starts in
// package init and never exits.
//
//	func TestMain(m *testing.M) {
//		goleak.VerifyTestMain(m, testutil.LeakOptions()...)
//	}
func LeakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	}
}
