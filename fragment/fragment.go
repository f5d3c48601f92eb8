// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fragment caches conversation fragments: one processed chat
// message each, shared by every turn whose history passes through it.
//
// Each cache entry carries its own lock. The first caller to reach an
// identity inserts the entry already locked and runs the populator;
// concurrent callers for the same identity block on the entry lock and
// then read the populated result, so a message is fetched and processed
// once no matter how many turns walk over it. Streaming replies are
// entered with [Cache.Reserve] before their text is known; readers block
// until [Reservation.Fill] publishes the final text.
//
// The cache is bounded by [Cache.EnforceCapacity], which evicts the
// populated fragments with the lowest (sequence, identity). It takes
// each victim's entry lock before removing it, so a fragment is never
// removed out from under its populator.
package fragment

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/chatrelay/lib/metrics"
)

// Role is the speaker of a fragment.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Image is an image payload attached to a fragment.
type Image struct {
	MediaType string
	Data      []byte
}

// Fragment is one node of conversation history.
type Fragment struct {
	ID string

	// Seq orders fragments for eviction (platform timestamp in ms).
	Seq int64

	Text   string
	Images []Image
	Role   Role

	// AuthorID and AuthorName identify the user; both are empty for
	// assistant fragments.
	AuthorID   string
	AuthorName string

	HasUnsupportedAttachments bool
	ParentLookupFailed        bool

	// ParentID is the identity of the previous fragment in the
	// conversation, or "". It is only a lookup key.
	ParentID string
}

// clone returns a copy that shares no mutable slices with f.
func (f Fragment) clone() Fragment {
	f.Images = slices.Clone(f.Images)
	return f
}

// Populator fills an empty fragment. ID is already set. An error leaves
// the fragment unpopulated.
type Populator func(ctx context.Context, fragment *Fragment) error

// entry is one cache slot. The lock is a 1-buffered channel: holding
// the lock means having sent into it. fragment is read and written only
// with the lock held; populated and seq are also read by eviction
// without the lock.
type entry struct {
	lock      chan struct{}
	fragment  Fragment
	populated atomic.Bool
	seq       atomic.Int64
}

func newLockedEntry(id string, seq int64) *entry {
	e := &entry{lock: make(chan struct{}, 1)}
	e.lock <- struct{}{}
	e.fragment.ID = id
	e.fragment.Seq = seq
	e.seq.Store(seq)
	return e
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config configures a Cache.
type Config struct {
	// Capacity is the number of fragments EnforceCapacity keeps.
	Capacity int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Cache maps identity to (lock, fragment). It is safe for concurrent use.
type Cache struct {
	capacity int
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// mu guards the entries map. It is never held while waiting for an
	// entry lock.
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Cache.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		capacity: max(cfg.Capacity, 0),
		metrics:  metrics.OrDiscard(cfg.Metrics),
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// lockEntry returns the entry for id with its lock held. A new entry is
// inserted already locked; the boolean reports that case.
func (c *Cache) lockEntry(ctx context.Context, id string, seq int64) (*entry, bool, error) {
	for {
		c.mu.Lock()
		e, ok := c.entries[id]
		if !ok {
			e = newLockedEntry(id, seq)
			c.entries[id] = e
			c.metrics.CacheSize.Set(float64(len(c.entries)))
			c.mu.Unlock()
			return e, true, nil
		}
		c.mu.Unlock()

		if err := e.acquire(ctx); err != nil {
			return nil, false, err
		}

		c.mu.Lock()
		current := c.entries[id]
		c.mu.Unlock()
		if current == e || e.populated.Load() {
			return e, false, nil
		}
		// Evicted while we waited and never populated; start over.
		c.release(e)
	}
}

// detach removes an unpopulated entry from the map so it cannot
// outlive its failed populator. Caller holds the entry lock; waiters
// see the entry detached and start over.
func (c *Cache) detach(id string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[id] == e {
		delete(c.entries, id)
		c.metrics.CacheSize.Set(float64(len(c.entries)))
	}
}

func (c *Cache) release(e *entry) {
	select {
	case <-e.lock:
	default:
		c.violation("released an entry lock that was not held", "fragment_id", e.fragment.ID)
	}
}

func (c *Cache) violation(message string, args ...any) {
	c.metrics.CacheInvariantViolations.Inc()
	c.logger.Error("fragment cache invariant violated: "+message, args...)
}

// GetOrPopulate returns a snapshot of the fragment for id, running
// populator first if no caller has populated it yet. Concurrent callers
// for one id run the populator at most once between them; the others
// wait for it (or for ctx) and see its result. A populator error is
// returned to its caller and leaves the identity unpopulated for the
// next caller to retry.
func (c *Cache) GetOrPopulate(ctx context.Context, id string, populator Populator) (Fragment, error) {
	e, _, err := c.lockEntry(ctx, id, 0)
	if err != nil {
		return Fragment{}, fmt.Errorf("fragment: waiting for %s: %w", id, err)
	}
	defer c.release(e)

	if e.populated.Load() {
		return e.fragment.clone(), nil
	}

	working := Fragment{ID: id}
	if err := populator(ctx, &working); err != nil {
		c.detach(id, e)
		return Fragment{}, fmt.Errorf("fragment: populating %s: %w", id, err)
	}
	if working.ID != id {
		c.violation("populator changed the fragment identity", "fragment_id", id, "new_id", working.ID)
		working.ID = id
	}
	e.fragment = working
	e.seq.Store(working.Seq)
	e.populated.Store(true)
	c.metrics.FragmentPopulations.Inc()
	return working.clone(), nil
}

// Reservation holds the lock of an entry whose content is not known yet.
type Reservation struct {
	cache *Cache
	entry *entry
	done  atomic.Bool
}

// Reserve inserts an entry for id and holds its lock until Fill or
// Release. Readers of id block until then. If id is already cached (a
// reader populated it from the platform between send and reserve) its
// lock is acquired, the entry stops being an eviction candidate, and
// Fill replaces the content.
func (c *Cache) Reserve(ctx context.Context, id string, seq int64) (*Reservation, error) {
	e, _, err := c.lockEntry(ctx, id, seq)
	if err != nil {
		return nil, fmt.Errorf("fragment: reserving %s: %w", id, err)
	}
	e.populated.Store(false)
	return &Reservation{cache: c, entry: e}, nil
}

// ID returns the reserved identity.
func (r *Reservation) ID() string {
	return r.entry.fragment.ID
}

// Fill publishes the fragment and releases the lock. The fragment's ID
// is forced to the reserved identity. Fill and Release after the first
// call are invariant violations and otherwise no-ops.
func (r *Reservation) Fill(fragment Fragment) {
	if !r.done.CompareAndSwap(false, true) {
		r.cache.violation("reservation completed twice", "fragment_id", r.entry.fragment.ID)
		return
	}
	fragment.ID = r.entry.fragment.ID
	r.entry.fragment = fragment.clone()
	r.entry.seq.Store(fragment.Seq)
	r.entry.populated.Store(true)
	r.cache.metrics.FragmentPopulations.Inc()
	r.cache.release(r.entry)
}

// Release gives up the reservation without content. The entry is
// dropped and the next reader populates the identity from the platform.
func (r *Reservation) Release() {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	if !r.entry.populated.Load() {
		r.cache.detach(r.entry.fragment.ID, r.entry)
	}
	r.cache.release(r.entry)
}

// Len returns the number of cached entries, populated or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether id has an entry.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// EnforceCapacity evicts populated fragments, lowest (sequence,
// identity) first, until the cache holds at most Capacity entries or no
// populated candidates remain. It returns the number evicted. Callers
// must not hold any entry lock.
func (c *Cache) EnforceCapacity() int {
	type candidate struct {
		id    string
		seq   int64
		entry *entry
	}

	c.mu.Lock()
	excess := len(c.entries) - c.capacity
	if excess <= 0 {
		c.mu.Unlock()
		return 0
	}
	candidates := make([]candidate, 0, len(c.entries))
	for id, e := range c.entries {
		if e.populated.Load() {
			candidates = append(candidates, candidate{id: id, seq: e.seq.Load(), entry: e})
		}
	}
	c.mu.Unlock()

	slices.SortFunc(candidates, func(a, b candidate) int {
		return cmp.Or(cmp.Compare(a.seq, b.seq), cmp.Compare(a.id, b.id))
	})
	if len(candidates) > excess {
		candidates = candidates[:excess]
	}

	evicted := 0
	for _, victim := range candidates {
		// Eviction cannot be cancelled; entry locks are held only for
		// the length of a populator or a snapshot copy.
		victim.entry.lock <- struct{}{}
		c.mu.Lock()
		if c.entries[victim.id] == victim.entry {
			delete(c.entries, victim.id)
			evicted++
		}
		c.metrics.CacheSize.Set(float64(len(c.entries)))
		c.mu.Unlock()
		c.release(victim.entry)
	}

	if evicted > 0 {
		c.metrics.FragmentEvictions.Add(float64(evicted))
		c.logger.Debug("evicted fragments", "count", evicted, "capacity", c.capacity)
	}
	return evicted
}
