// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the relay's injectable time source.
//
// Components that pace edits, measure admission windows, or bound
// attachment fetches take a Clock instead of calling the time package.
// Production wiring passes Real(). Tests pass Fake(), whose time only
// moves when the test calls Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	limiter := admission.New(admission.Config{Clock: fake, ...})
//	limiter.Check("@alice:example.org")
//	fake.Advance(61 * time.Second)
//
// A goroutine waiting on After from a FakeClock registers a
// pending waiter. WaitForTimers blocks until a given number of waiters
// exist, which removes the race between a goroutine arming a timer and
// the test advancing past it.
package clock
