// Package ratelimit implements the REST rate-limit engine: a cache of
// per-route budgets observed from response headers, a matching layer that
// maps requests to budgets before any budget is known, a global token
// bucket, and a queue that defers requests whose budgets are exhausted.
//
// It generalizes the bucket bookkeeping left as a TODO in
// TheRockettek/Sandwich-Producer's client.Client.HandleRequest, following
// the control flow switchupcb/disgo's wrapper.SendRequest uses around its
// own route/global Bucket pair.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sandwichgg/sandwich/sandwichlog"
)

// Authorizer is satisfied by both the in-process Cache and any remote
// coordinator client, so rest.Client never needs to know which backs it.
type Authorizer interface {
	Authorize(req Request) time.Duration
	Update(req Request, headers Update)
}

// Clock abstracts time.Now so tests can drive the cache deterministically.
type Clock func() time.Time

// Cache maps request fingerprint to budget, enforces the global token
// bucket, and owns every Budget and Template in the process (component D).
type Cache struct {
	mu                  sync.Mutex
	fingerprintToBucket map[string]string
	budgets             map[string]*Budget

	templates *TemplateStore
	global    *GlobalBucket

	now Clock

	log sandwichlog.SourceLogger

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithClock overrides the cache's time source; intended for tests.
func WithClock(c Clock) Option {
	return func(cache *Cache) { cache.now = c }
}

// WithGlobalBucket overrides the default 50-per-1050ms global bucket.
func WithGlobalBucket(capacity int, window time.Duration) Option {
	return func(cache *Cache) { cache.global = NewGlobalBucket(capacity, window) }
}

// WithLogger attaches a structured logger; defaults to a console logger
// writing to stdout.
func WithLogger(l sandwichlog.Logger) Option {
	return func(cache *Cache) { cache.log = l.With(sandwichlog.SourceAPI) }
}

// WithSweepInterval overrides the default 5-minute eviction cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(cache *Cache) { cache.sweepInterval = d }
}

// NewCache constructs an empty rate-limit cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		fingerprintToBucket: make(map[string]string),
		budgets:             make(map[string]*Budget),
		templates:           NewTemplateStore(),
		global:              NewGlobalBucket(DefaultGlobalCapacity, DefaultGlobalWindow),
		now:                 time.Now,
		log:                 sandwichlog.NewConsole(nil).With(sandwichlog.SourceAPI),
		sweepInterval:       5 * time.Minute,
		stopSweep:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorize returns 0 iff req may proceed now. Otherwise it returns the
// minimum duration the caller must wait before re-asking.
//
// Policy, per §4.D:
//  1. if the global bucket is exhausted, return its remaining window;
//  2. find the fingerprint's bucket id;
//  3. if no bucket id is known, return 0 (optimistically let it through —
//     this is how new routes become known);
//  4. else look up the budget, or synthesize from template;
//  5. if remaining > 0, atomically decrement it and the global bucket,
//     return 0;
//  6. else return resetIn().
func (c *Cache) Authorize(req Request) time.Duration {
	now := c.now()

	if wait := c.global.Wait(now); wait > 0 {
		return wait
	}

	fp := req.Fingerprint()

	c.mu.Lock()
	bucketID, known := c.fingerprintToBucket[fp]
	c.mu.Unlock()

	if !known {
		return 0
	}

	budget := c.budgetFor(bucketID, now)
	if budget == nil {
		return 0
	}

	if budget.HasRemaining(now) {
		if !c.global.TryConsume(now) {
			return c.global.Wait(now)
		}
		budget.Decrement(now)
		return 0
	}

	return budget.ResetIn(now)
}

// budgetFor returns the live budget for bucketID, synthesizing one from the
// template store if none exists yet.
func (c *Cache) budgetFor(bucketID string, now time.Time) *Budget {
	c.mu.Lock()
	b, ok := c.budgets[bucketID]
	c.mu.Unlock()
	if ok {
		return b
	}

	assumed, ok := c.templates.CreateAssumed(bucketID, now)
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.budgets[bucketID]; ok {
		return existing
	}
	c.budgets[bucketID] = assumed
	return assumed
}

// Update folds a response's parsed headers into the cache: it links the
// fingerprint to the bucket id if newly learned, folds the update into the
// budget (tighten-only), upserts the template, and trips the global bucket
// if the response reported a global violation.
func (c *Cache) Update(req Request, headers Update) {
	if headers.IsEmpty() {
		return
	}

	now := c.now()

	if headers.HasBucket {
		fp := req.Fingerprint()

		c.mu.Lock()
		c.fingerprintToBucket[fp] = headers.Bucket
		budget, ok := c.budgets[headers.Bucket]
		if !ok {
			resetAfter := headers.ResetAfter
			resetTimestamp := now.Add(resetAfter)
			budget = NewBudget(headers.Bucket, headers.Limit, headers.Remaining, resetTimestamp, resetAfter)
			c.budgets[headers.Bucket] = budget
			c.mu.Unlock()
		} else {
			c.mu.Unlock()
			budget.AssignIfStricter(headers, now)
		}

		c.templates.Upsert(headers)
	}

	if headers.Global {
		c.global.Trip(headers.ResetAfter, now)
		c.log.Warning("global rate limit tripped", sandwichlog.Data{"reset_after": headers.ResetAfter.String()})
	}
}

// StartSweepInterval launches the background goroutine that periodically
// evicts budgets whose Expires is in the past. It is safe to call at most
// once; subsequent calls are no-ops.
func (c *Cache) StartSweepInterval() {
	c.sweepOnce.Do(func() {
		go c.sweepLoop()
	})
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopSweep:
			return
		}
	}
}

// sweep removes budgets past their Expires timestamp. It only ever deletes
// map entries under the cache mutex, so a budget pointer already handed out
// to an in-flight Authorize call remains valid — sweeping never evicts a
// budget mid-authorize for the same key, it only stops future lookups from
// finding it.
func (c *Cache) sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for bucketID, budget := range c.budgets {
		if budget.IsExpired(now) {
			delete(c.budgets, bucketID)
		}
	}
}

// Stop halts the sweep goroutine, if running.
func (c *Cache) Stop() {
	close(c.stopSweep)
}
