// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout pattern so that tests never block forever on a
// channel when the code under test deadlocks. They are the only place
// tests wait on the wall clock; everything else uses lib/clock.Fake.
//
// All helpers fail the test with t.Fatalf rather than returning errors.
package testutil
