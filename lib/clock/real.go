// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Real returns the wall clock.
func Real() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) After(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ready := make(chan time.Time, 1)
		ready <- time.Now()
		return ready
	}
	return time.After(d)
}
