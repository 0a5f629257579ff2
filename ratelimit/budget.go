package ratelimit

import (
	"sync"
	"time"
)

// Budget is one route's live rate-limit counter (component B). Fields are
// exported for logging/inspection but must only be mutated through the
// methods below, which hold the internal mutex.
type Budget struct {
	mu sync.Mutex

	Bucket         string
	Limit          int
	Remaining      int
	ResetTimestamp time.Time
	Expires        time.Time

	// resetAfter is the last observed reset-after duration, used to roll
	// the window forward once ResetTimestamp elapses with no fresh
	// response yet to replace it.
	resetAfter time.Duration
}

// NewBudget constructs a budget directly from known values — used the first
// time a bucket is observed (component D) or assumed from a template
// (component C).
func NewBudget(bucket string, limit, remaining int, resetTimestamp time.Time, resetAfter time.Duration) *Budget {
	b := &Budget{
		Bucket:         bucket,
		Limit:          limit,
		Remaining:      clamp(remaining, 0, limit),
		ResetTimestamp: resetTimestamp,
		resetAfter:     resetAfter,
	}
	b.Expires = resetTimestamp.Add(2 * resetAfter)
	return b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// rolloverLocked refreshes remaining to a full window once the current
// window has elapsed with no newer response to replace it. Must be called
// with mu held.
func (b *Budget) rolloverLocked(now time.Time) {
	if b.ResetTimestamp.IsZero() || now.Before(b.ResetTimestamp) {
		return
	}
	b.Remaining = b.Limit
	if b.resetAfter > 0 {
		b.ResetTimestamp = now.Add(b.resetAfter)
		b.Expires = b.ResetTimestamp.Add(2 * b.resetAfter)
	}
}

// HasRemaining reports whether the budget currently permits a request,
// rolling the window over first if it has elapsed.
func (b *Budget) HasRemaining(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(now)
	return b.Remaining > 0
}

// Decrement is called pre-send, unconditionally, even if the request later
// fails. The cache is responsible for only calling it when HasRemaining was
// true; as defense it never drives Remaining below 0.
func (b *Budget) Decrement(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(now)
	if b.Remaining > 0 {
		b.Remaining--
	}
}

// ResetIn returns how long until the budget resets, or 0 if it already has.
func (b *Budget) ResetIn(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !now.Before(b.ResetTimestamp) {
		return 0
	}
	return b.ResetTimestamp.Sub(now)
}

// IsExpired reports whether the budget is idle long enough to be swept.
func (b *Budget) IsExpired(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.Expires.IsZero() && now.After(b.Expires)
}

// Snapshot returns a copy of the budget's fields for logging or testing.
func (b *Budget) Snapshot() (bucket string, limit, remaining int, resetTimestamp, expires time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Bucket, b.Limit, b.Remaining, b.ResetTimestamp, b.Expires
}

// AssignIfStricter folds a header-derived Update into the budget, applying
// the tighten-only rule: within the same reset epoch, the lower remaining
// and the later resetTimestamp both win. A resetAfter that implies a later
// epoch than the one currently tracked starts a fresh window outright,
// since the previous window's remaining no longer describes it.
func (b *Budget) AssignIfStricter(u Update, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked(now)

	if u.HasBucket {
		b.Bucket = u.Bucket
	}

	var newReset time.Time
	if u.HasResetAfter {
		newReset = now.Add(u.ResetAfter)
	}

	newEpoch := !newReset.IsZero() && newReset.After(b.ResetTimestamp)

	if u.HasLimit {
		b.Limit = u.Limit
	}

	switch {
	case newEpoch:
		if u.HasRemaining {
			b.Remaining = u.Remaining
		}
		b.ResetTimestamp = newReset
	default:
		if u.HasRemaining && u.Remaining < b.Remaining {
			b.Remaining = u.Remaining
		}
		if !newReset.IsZero() && newReset.After(b.ResetTimestamp) {
			b.ResetTimestamp = newReset
		}
	}

	if b.Remaining < 0 {
		b.Remaining = 0
	}
	if b.Limit > 0 && b.Remaining > b.Limit {
		b.Remaining = b.Limit
	}

	if u.HasResetAfter {
		b.resetAfter = u.ResetAfter
		b.Expires = b.ResetTimestamp.Add(2 * u.ResetAfter)
	}
}
