package cache

import (
	"context"
	"sync"
	"time"
)

// Options controls storage of a computed result.
type Options struct {
	// TTL bounds entry lifetime; zero means no expiry
	TTL time.Duration

	// Tags are invalidation groups the entry belongs to
	Tags []string
}

type entry struct {
	value     any
	expiresAt time.Time
	tags      []string
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// flight is one in-progress computation. Waiters for the same
// fingerprint block on done and share the outcome, success or failure.
type flight struct {
	done  chan struct{}
	value any
	err   error
}

// Cache memoizes member results keyed by fingerprint, with TTL expiry,
// tag invalidation, and per-fingerprint de-duplication of concurrent
// computations.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	flights map[string]*flight

	// now is replaceable in tests
	now func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		flights: make(map[string]*flight),
		now:     time.Now,
	}
}

// Get returns the stored value for a fingerprint. Expired entries are
// evicted and report a miss.
func (c *Cache) Get(fingerprint string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(fingerprint)
}

func (c *Cache) getLocked(fingerprint string) (any, bool) {
	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.entries, fingerprint)
		return nil, false
	}
	return e.value, true
}

// Put stores a value under a fingerprint.
func (c *Cache) Put(fingerprint string, value any, opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(fingerprint, value, opts)
}

func (c *Cache) putLocked(fingerprint string, value any, opts Options) {
	e := &entry{value: value, tags: opts.Tags}
	if opts.TTL > 0 {
		e.expiresAt = c.now().Add(opts.TTL)
	}
	c.entries[fingerprint] = e
}

// Invalidate removes the entry for a fingerprint, if present.
func (c *Cache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
}

// InvalidateTag removes every entry carrying the tag.
func (c *Cache) InvalidateTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, e := range c.entries {
		for _, t := range e.tags {
			if t == tag {
				delete(c.entries, fp)
				removed++
				break
			}
		}
	}
	return removed
}

// Len returns the number of live entries, evicting expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for fp, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, fp)
		}
	}
	return len(c.entries)
}

// Do returns the cached value for a fingerprint or computes it. At most
// one computation per fingerprint runs at a time; concurrent callers
// wait and share the outcome, success or failure. Failures are never
// stored, so the next call after a shared failure recomputes.
//
// With bypass set the stored entry is ignored and the fresh result
// replaces it. A bypass caller never adopts another caller's outcome:
// it waits out any in-flight computation and then runs its own.
//
// The second return reports whether the value came from the cache.
func (c *Cache) Do(ctx context.Context, fingerprint string, bypass bool, opts Options, compute func() (any, error)) (any, bool, error) {
	c.mu.Lock()
	for {
		if !bypass {
			if v, ok := c.getLocked(fingerprint); ok {
				c.mu.Unlock()
				return v, true, nil
			}
		}

		f, ok := c.flights[fingerprint]
		if !ok {
			break
		}
		c.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if !bypass {
			return f.value, false, f.err
		}
		c.mu.Lock()
	}

	f := &flight{done: make(chan struct{})}
	c.flights[fingerprint] = f
	c.mu.Unlock()

	f.value, f.err = compute()

	c.mu.Lock()
	delete(c.flights, fingerprint)
	if f.err == nil {
		c.putLocked(fingerprint, f.value, opts)
	}
	c.mu.Unlock()
	close(f.done)

	return f.value, false, f.err
}
