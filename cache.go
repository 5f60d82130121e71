package livesync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Sources & Consumers
// ============================================================================

// Subscription is a live server-push stream that can be cancelled.
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }

// Source describes how a key is populated.
type Source[T any] struct {
	// Load optionally fetches a full snapshot before the live stream delivers.
	Load func(ctx context.Context) ([]T, error)
	// Subscribe opens the live stream. push and fail may be called from any goroutine.
	Subscribe func(ctx context.Context, push func(Delta[T]), fail func(error)) (Subscription, error)
}

// Consumer receives every effective change of a key it is attached to.
type Consumer[T any] func(Change[T])

// Snapshot is the value returned by Request.
type Snapshot[T any] struct {
	Key       string
	Items     []T
	FetchedAt time.Time
	// Fresh is true when FetchedAt is within the TTL.
	Fresh bool
	// Loading is true until the first value or error arrives.
	Loading bool
	// Live is true while a subscription is open for the key.
	Live bool
	Err  error
}

// ============================================================================
// Options
// ============================================================================

// EvictionPolicy bounds how long idle subscriptions stay open.
//
// The zero value never evicts: subscriptions stay open after the last
// consumer releases so remounts are instant. That is a resource leak when
// the key space is unbounded (one key per conversation, for example); set
// IdleTimeout or MaxKeys for such caches.
type EvictionPolicy struct {
	// IdleTimeout tears down keys with no consumers for longer than this. 0 disables.
	IdleTimeout time.Duration
	// MaxKeys evicts least recently requested idle keys above this bound. 0 disables.
	MaxKeys int
}

// CacheOptions configures a SubscriptionCache.
type CacheOptions struct {
	// TTL is the freshness window of a cached value.
	// default: 5 * time.Minute
	TTL time.Duration
	// Cooldown is the minimum time between two fetch attempts for a key.
	// default: 2 * time.Second
	Cooldown time.Duration
	Eviction EvictionPolicy
	// Now overrides the clock; tests only.
	Now func() time.Time
}

func (o *CacheOptions) defaults() {
	if o.TTL == 0 {
		o.TTL = 5 * time.Minute
	}
	if o.Cooldown == 0 {
		o.Cooldown = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Validate checks the options after defaults are applied.
func (o *CacheOptions) Validate() error {
	if o.TTL < 0 {
		return ErrInvalidDuration("cache ttl", o.TTL)
	}
	if o.Cooldown < 0 {
		return ErrInvalidDuration("cache cooldown", o.Cooldown)
	}
	if o.Eviction.IdleTimeout < 0 {
		return ErrInvalidDuration("eviction idle timeout", o.Eviction.IdleTimeout)
	}
	return nil
}

// ============================================================================
// Entries
// ============================================================================

// fetchState guards the first suspension point of a fetch for one key.
type fetchState int

const (
	fetchIdle fetchState = iota
	fetchInFlight
)

func (s fetchState) String() string {
	if s == fetchInFlight {
		return "in_flight"
	}
	return "idle"
}

type cacheEntry[T any] struct {
	key           string
	items         []T
	hasData       bool
	fetchedAt     time.Time
	lastAttemptAt time.Time
	lastRequestAt time.Time
	idleSince     time.Time
	err           error
	state         fetchState
	sub           Subscription
	// generation is unique per cache and changes whenever the subscription
	// is replaced; pushes and opens from another generation are ignored.
	generation uint64
	consumers  map[uint64]Consumer[T]
	ready      chan struct{}
	readyDone  bool
}

func (e *cacheEntry[T]) fresh(now time.Time, ttl time.Duration) bool {
	return e.hasData && now.Sub(e.fetchedAt) < ttl
}

func (e *cacheEntry[T]) coolingDown(now time.Time, window time.Duration) bool {
	return !e.lastAttemptAt.IsZero() && now.Sub(e.lastAttemptAt) <= window
}

func (e *cacheEntry[T]) markReady() {
	if !e.readyDone {
		e.readyDone = true
		close(e.ready)
	}
}

func (e *cacheEntry[T]) snapshot(now time.Time, ttl time.Duration) Snapshot[T] {
	return Snapshot[T]{
		Key:       e.key,
		Items:     e.items,
		FetchedAt: e.fetchedAt,
		Fresh:     e.fresh(now, ttl),
		Loading:   !e.hasData && e.err == nil,
		Live:      e.sub != nil,
		Err:       e.err,
	}
}

// Handle is one consumer's attachment to a key.
type Handle struct {
	key     string
	once    sync.Once
	release func()
}

// Key returns the key the handle is attached to.
func (h *Handle) Key() string { return h.key }

// Release detaches the consumer. The shared subscription stays open.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(h.release)
}

// CacheStats is a point-in-time view of the registry.
type CacheStats struct {
	Keys      int
	Live      int
	InFlight  int
	Consumers int
	Opens     int64
	Evictions int64
}

// ============================================================================
// SubscriptionCache
// ============================================================================

// SubscriptionCache deduplicates live subscriptions by key and caches their
// last value. At most one subscription is open per key regardless of how
// many consumers are attached.
type SubscriptionCache[T any] struct {
	name  string
	log   Logger
	run   *runner
	id    IdentityFunc[T]
	equal EqualFunc[T]
	opts  CacheOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	entries      map[string]*cacheEntry[T]
	nextConsumer uint64
	nextGen      uint64
	opens        int64
	evictions    int64
	closed       bool
}

// NewSubscriptionCache creates a cache. name is used in logs only.
func NewSubscriptionCache[T any](name string, log Logger, id IdentityFunc[T], equal EqualFunc[T], opts CacheOptions) (*SubscriptionCache[T], error) {
	opts.defaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if id == nil || equal == nil {
		return nil, ErrInvalidConfig
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SubscriptionCache[T]{
		name:    name,
		log:     log,
		run:     newRunner(log),
		id:      id,
		equal:   equal,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*cacheEntry[T]),
	}, nil
}

// Request returns the cached value for key, opening a subscription through
// src only when no fresh value, no live subscription and no cooldown apply.
// A non-nil consumer is attached and receives every later change until the
// returned handle is released.
func (c *SubscriptionCache[T]) Request(ctx context.Context, key string, src Source[T], consumer Consumer[T]) (Snapshot[T], *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Snapshot[T]{Key: key, Err: ErrClosed}, nil
	}

	now := c.opts.Now()
	e := c.entryLocked(key)
	e.lastRequestAt = now
	h := c.attachLocked(e, consumer, now)

	switch {
	case e.fresh(now, c.opts.TTL):
		c.log.Debug("cache hit", zap.String("cache", c.name), zap.String("key", key))
	case e.sub != nil || e.state == fetchInFlight:
		c.log.Debug("attached to live subscription", zap.String("cache", c.name), zap.String("key", key))
	case e.coolingDown(now, c.opts.Cooldown):
		c.log.Debug("fetch cooling down, serving last value",
			zap.String("cache", c.name),
			zap.String("key", key),
			zap.Time("last_attempt", e.lastAttemptAt),
		)
	default:
		c.beginFetchLocked(e, src, now)
	}
	return e.snapshot(now, c.opts.TTL), h
}

// Refresh forces a refetch of key unless a fetch is already in flight or the
// key is within its cooldown window; in both cases the cached value is
// returned and refetched is false.
func (c *SubscriptionCache[T]) Refresh(ctx context.Context, key string, src Source[T]) (snap Snapshot[T], refetched bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot[T]{Key: key, Err: ErrClosed}, false
	}
	now := c.opts.Now()
	e := c.entryLocked(key)
	if e.state == fetchInFlight || e.coolingDown(now, c.opts.Cooldown) {
		snap = e.snapshot(now, c.opts.TTL)
		c.mu.Unlock()
		return snap, false
	}
	old := e.sub
	e.sub = nil
	e.generation = c.newGenerationLocked()
	c.beginFetchLocked(e, src, now)
	snap = e.snapshot(now, c.opts.TTL)
	c.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	return snap, true
}

// Wait blocks until key has its first value or first error.
func (c *SubscriptionCache[T]) Wait(ctx context.Context, key string) (Snapshot[T], error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return Snapshot[T]{Key: key}, ErrNotFound
	}
	ready := e.ready
	c.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return Snapshot[T]{Key: key, Loading: true}, ctx.Err()
	}
	return c.Peek(key)
}

// Peek returns the cached value without side effects.
func (c *SubscriptionCache[T]) Peek(key string) (Snapshot[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Snapshot[T]{Key: key}, ErrNotFound
	}
	return e.snapshot(c.opts.Now(), c.opts.TTL), e.err
}

// Invalidate cancels the subscription for key and clears its entry and
// cooldown, so the next Request opens a new subscription.
func (c *SubscriptionCache[T]) Invalidate(key string) {
	var sub Subscription
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		delete(c.entries, key)
		sub = e.sub
		e.markReady()
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	c.log.Debug("cache invalidated", zap.String("cache", c.name), zap.String("key", key))
}

// Sweep applies the eviction policy and returns the number of evicted keys.
func (c *SubscriptionCache[T]) Sweep() int {
	policy := c.opts.Eviction
	if policy.IdleTimeout <= 0 && policy.MaxKeys <= 0 {
		return 0
	}

	c.mu.Lock()
	now := c.opts.Now()
	var idle []*cacheEntry[T]
	for _, e := range c.entries {
		if len(e.consumers) == 0 && e.state != fetchInFlight {
			idle = append(idle, e)
		}
	}

	victims := make(map[string]*cacheEntry[T])
	if policy.IdleTimeout > 0 {
		for _, e := range idle {
			if !e.idleSince.IsZero() && now.Sub(e.idleSince) > policy.IdleTimeout {
				victims[e.key] = e
			}
		}
	}
	if policy.MaxKeys > 0 && len(c.entries)-len(victims) > policy.MaxKeys {
		sort.Slice(idle, func(i, j int) bool { return idle[i].lastRequestAt.Before(idle[j].lastRequestAt) })
		over := len(c.entries) - len(victims) - policy.MaxKeys
		for _, e := range idle {
			if over == 0 {
				break
			}
			if _, ok := victims[e.key]; ok {
				continue
			}
			victims[e.key] = e
			over--
		}
	}
	for key, e := range victims {
		delete(c.entries, key)
		e.markReady()
	}
	c.evictions += int64(len(victims))
	c.mu.Unlock()

	for key, e := range victims {
		if e.sub != nil {
			e.sub.Cancel()
		}
		c.log.Info("evicted idle subscription", zap.String("cache", c.name), zap.String("key", key))
	}
	return len(victims)
}

// Teardown cancels every live subscription and clears every entry. The
// cache rejects requests afterwards.
func (c *SubscriptionCache[T]) Teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*cacheEntry[T])
	c.mu.Unlock()

	c.cancel()
	for _, e := range entries {
		e.markReady()
		if e.sub != nil {
			e.sub.Cancel()
		}
	}
	c.run.wait()
	c.log.Info("cache torn down", zap.String("cache", c.name), zap.Int("keys", len(entries)))
}

// Stats returns registry counters.
func (c *SubscriptionCache[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{Keys: len(c.entries), Opens: c.opens, Evictions: c.evictions}
	for _, e := range c.entries {
		if e.sub != nil {
			s.Live++
		}
		if e.state == fetchInFlight {
			s.InFlight++
		}
		s.Consumers += len(e.consumers)
	}
	return s
}

// ── internals ────────────────────────────────────────────

func (c *SubscriptionCache[T]) entryLocked(key string) *cacheEntry[T] {
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry[T]{
			key:       key,
			consumers: make(map[uint64]Consumer[T]),
			ready:     make(chan struct{}),
			idleSince: c.opts.Now(),
		}
		e.generation = c.newGenerationLocked()
		c.entries[key] = e
	}
	return e
}

// newGenerationLocked never repeats, so an open that outlives its entry
// cannot match a later entry for the same key.
func (c *SubscriptionCache[T]) newGenerationLocked() uint64 {
	c.nextGen++
	return c.nextGen
}

func (c *SubscriptionCache[T]) attachLocked(e *cacheEntry[T], consumer Consumer[T], now time.Time) *Handle {
	if consumer == nil {
		return nil
	}
	c.nextConsumer++
	id := c.nextConsumer
	e.consumers[id] = consumer
	e.idleSince = time.Time{}
	key := e.key
	return &Handle{key: key, release: func() { c.detach(key, id) }}
}

func (c *SubscriptionCache[T]) detach(key string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if _, attached := e.consumers[id]; !attached {
		return
	}
	delete(e.consumers, id)
	if len(e.consumers) == 0 {
		e.idleSince = c.opts.Now()
	}
}

// beginFetchLocked flips the key to InFlight before any I/O so concurrent
// callers collapse into this fetch.
func (c *SubscriptionCache[T]) beginFetchLocked(e *cacheEntry[T], src Source[T], now time.Time) {
	e.state = fetchInFlight
	e.lastAttemptAt = now
	c.opens++
	key, gen := e.key, e.generation
	c.log.Debug("opening subscription", zap.String("cache", c.name), zap.String("key", key))
	c.run.goNamedWithContext(c.ctx, c.name+":"+key, func(ctx context.Context) {
		c.open(ctx, key, gen, src)
	})
}

func (c *SubscriptionCache[T]) open(ctx context.Context, key string, gen uint64, src Source[T]) {
	if src.Load != nil {
		items, err := src.Load(ctx)
		if err != nil {
			c.fail(key, gen, err)
		} else {
			c.commit(key, gen, func([]T) []T { return items })
		}
	}

	var (
		sub Subscription
		err error
	)
	if src.Subscribe != nil {
		sub, err = src.Subscribe(ctx,
			func(d Delta[T]) {
				c.commit(key, gen, func(prev []T) []T { return applyDelta(prev, d, c.id) })
			},
			func(err error) { c.fail(key, gen, err) },
		)
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.generation != gen || c.closed {
		c.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
		return
	}
	e.state = fetchIdle
	e.sub = sub
	c.mu.Unlock()

	if err != nil {
		c.fail(key, gen, ErrOpenSubscription(key, err))
	}
}

// commit replaces the cached items with next(prev) and notifies consumers
// of the effective change. A push without effective change is dropped.
func (c *SubscriptionCache[T]) commit(key string, gen uint64, next func(prev []T) []T) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.generation != gen {
		c.mu.Unlock()
		return
	}
	items := next(e.items)
	added, modified, removed := diff(e.items, items, c.id, c.equal)
	first := !e.hasData
	hadErr := e.err != nil
	e.fetchedAt = c.opts.Now()
	e.hasData = true
	e.err = nil
	e.markReady()
	if !first && !hadErr && len(added) == 0 && len(modified) == 0 && len(removed) == 0 {
		c.mu.Unlock()
		c.log.Debug("dropped empty push", zap.String("cache", c.name), zap.String("key", key))
		return
	}
	e.items = items
	change := Change[T]{Key: key, Items: items, Added: added, Modified: modified, Removed: removed}
	consumers := c.consumersLocked(e)
	c.mu.Unlock()

	c.notify(consumers, change)
}

// fail records err as the sticky error of key. Cached items are kept.
func (c *SubscriptionCache[T]) fail(key string, gen uint64, err error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.generation != gen {
		c.mu.Unlock()
		return
	}
	e.err = err
	e.markReady()
	change := Change[T]{Key: key, Items: e.items, Err: err}
	consumers := c.consumersLocked(e)
	c.mu.Unlock()

	c.log.Warn("subscription error, serving last good value",
		zap.String("cache", c.name),
		zap.String("key", key),
		zap.Error(err),
	)
	c.notify(consumers, change)
}

func (c *SubscriptionCache[T]) consumersLocked(e *cacheEntry[T]) []Consumer[T] {
	ids := make([]uint64, 0, len(e.consumers))
	for id := range e.consumers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Consumer[T], 0, len(ids))
	for _, id := range ids {
		out = append(out, e.consumers[id])
	}
	return out
}

func (c *SubscriptionCache[T]) notify(consumers []Consumer[T], change Change[T]) {
	for _, fn := range consumers {
		safeCall(c.log, c.name+":"+change.Key, func() { fn(change) })
	}
}
