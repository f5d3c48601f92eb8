// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission throttles turns per user and globally.
//
// Each scope runs a fixed window with a cooldown: up to Limit requests
// are admitted per Window; once the budget is spent, one more request is
// admitted each Window/Limit after the last accepted one, and a quiet
// period longer than Window resets the count. A request is admitted only
// when both the global scope and the requesting user's scope admit it,
// and only an admitted request changes either scope's state.
//
// Locks are always taken global first, then user, so concurrent checks
// cannot deadlock.
package admission

import (
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/chatrelay/lib/clock"
)

// Scope names the scope that rejected a request.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
)

// Rule is one scope's budget. A rule with Limit <= 0 or Window <= 0 is
// disabled and always admits.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (rule Rule) enabled() bool {
	return rule.Limit > 0 && rule.Window > 0
}

// Decision is the result of Check.
type Decision struct {
	Allowed bool

	// Scope is the rejecting scope. Empty when Allowed.
	Scope Scope

	// RetryAfter is how long until the rejecting scope admits again.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Config configures a Limiter.
type Config struct {
	User   Rule
	Global Rule
	Clock  clock.Clock
}

// Limiter is a dual-scope admission limiter. It is safe for concurrent use.
type Limiter struct {
	clock clock.Clock

	global *scope

	userRule    Rule
	userSpacing time.Duration

	// usersMu guards users and lastSweep; each scope has its own lock.
	usersMu   sync.Mutex
	users     map[string]*scope
	lastSweep time.Time
}

// scope is the state of one budget. count and lastAccepted are only
// read or written with mu held.
type scope struct {
	rule    Rule
	spacing time.Duration

	mu           sync.Mutex
	count        int
	lastAccepted time.Time

	// removed is set, with mu held, when the scope is dropped from the
	// users map. A check holding a removed scope starts over.
	removed bool
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		clock:       clk,
		global:      newScope(cfg.Global),
		userRule:    cfg.User,
		userSpacing: spacing(cfg.User),
		users:       make(map[string]*scope),
	}
}

func newScope(rule Rule) *scope {
	return &scope{rule: rule, spacing: spacing(rule)}
}

func spacing(rule Rule) time.Duration {
	if !rule.enabled() {
		return 0
	}
	return rule.Window / time.Duration(rule.Limit)
}

// userScope returns identity's scope, creating it if needed. With the
// user rule disabled scopes carry no state and are not kept.
func (limiter *Limiter) userScope(identity string) *scope {
	if !limiter.userRule.enabled() {
		return &scope{rule: limiter.userRule}
	}
	limiter.usersMu.Lock()
	defer limiter.usersMu.Unlock()
	limiter.sweep(limiter.clock.Now())
	state, ok := limiter.users[identity]
	if !ok {
		state = &scope{rule: limiter.userRule, spacing: limiter.userSpacing}
		limiter.users[identity] = state
	}
	return state
}

// sweep drops user scopes idle for longer than the user window, at most
// once per window. Such a scope admits exactly as a new one would.
// Scopes locked by a concurrent check are kept. Caller holds usersMu.
func (limiter *Limiter) sweep(now time.Time) {
	window := limiter.userRule.Window
	if now.Sub(limiter.lastSweep) < window {
		return
	}
	limiter.lastSweep = now
	for identity, state := range limiter.users {
		if !state.mu.TryLock() {
			continue
		}
		if state.lastAccepted.IsZero() || now.Sub(state.lastAccepted) > window {
			state.removed = true
			delete(limiter.users, identity)
		}
		state.mu.Unlock()
	}
}

// lockScopes returns identity's scope with the global and user locks
// held, in that order.
func (limiter *Limiter) lockScopes(identity string) *scope {
	for {
		user := limiter.userScope(identity)
		limiter.global.mu.Lock()
		user.mu.Lock()
		if !user.removed {
			return user
		}
		user.mu.Unlock()
		limiter.global.mu.Unlock()
	}
}

// Check decides whether identity may start a turn now. An admitted
// request is recorded against both scopes; a rejected one changes
// nothing. The global scope is consulted first and names the rejection
// when both would reject.
func (limiter *Limiter) Check(identity string) Decision {
	user := limiter.lockScopes(identity)
	defer limiter.global.mu.Unlock()
	defer user.mu.Unlock()

	now := limiter.clock.Now()
	if wait, ok := limiter.global.admits(now); !ok {
		return Decision{Scope: ScopeGlobal, RetryAfter: wait}
	}
	if wait, ok := user.admits(now); !ok {
		return Decision{Scope: ScopeUser, RetryAfter: wait}
	}
	limiter.global.accept(now)
	user.accept(now)
	return Decision{Allowed: true}
}

// RetryAfter reports how long until identity would be admitted, without
// recording anything: the larger of the two scopes' waits.
func (limiter *Limiter) RetryAfter(identity string) time.Duration {
	user := limiter.lockScopes(identity)
	defer limiter.global.mu.Unlock()
	defer user.mu.Unlock()

	now := limiter.clock.Now()
	globalWait, _ := limiter.global.admits(now)
	userWait, _ := user.admits(now)
	return max(globalWait, userWait)
}

// admits reports whether the scope would accept at now, and otherwise
// how long until it would. Caller holds mu.
func (state *scope) admits(now time.Time) (time.Duration, bool) {
	if !state.rule.enabled() || state.lastAccepted.IsZero() {
		return 0, true
	}
	elapsed := now.Sub(state.lastAccepted)
	if elapsed > state.rule.Window {
		return 0, true
	}
	if state.count < state.rule.Limit {
		return 0, true
	}
	if elapsed >= state.spacing {
		return 0, true
	}
	return state.spacing - elapsed, false
}

// accept records an admitted request. Caller holds mu and has checked
// admits.
func (state *scope) accept(now time.Time) {
	if !state.rule.enabled() {
		return
	}
	elapsed := now.Sub(state.lastAccepted)
	switch {
	case state.lastAccepted.IsZero(), elapsed > state.rule.Window:
		state.count = 1
	case state.count >= state.rule.Limit:
		// Admitted by the cooldown: the budget restarts.
		state.count = 1
	default:
		state.count++
	}
	state.lastAccepted = now
}

// Count returns the accepted count of identity's scope, for tests and
// diagnostics.
func (limiter *Limiter) Count(identity string) int {
	user := limiter.lockScopes(identity)
	defer limiter.global.mu.Unlock()
	defer user.mu.Unlock()
	return user.count
}

// FormatSeconds renders d as seconds with one decimal.
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.1f", d.Seconds())
}
