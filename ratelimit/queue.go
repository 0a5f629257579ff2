package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sandwichgg/sandwich/sandwicherr"
)

// Queue is the ordered holding area for requests waiting on a reset
// (component E). It serializes access per fingerprint so that, per §5,
// requests against the same fingerprint preserve submission order, while
// requests against different fingerprints never block each other.
type Queue struct {
	mu    sync.Mutex
	lines map[string]*sync.Mutex
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{lines: make(map[string]*sync.Mutex)}
}

func (q *Queue) lineFor(fingerprint string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lines[fingerprint]
	if !ok {
		l = &sync.Mutex{}
		q.lines[fingerprint] = l
	}
	return l
}

// Wait takes fingerprint's line, then repeatedly calls authorize (which
// should be the cache's Authorize for this same request) until it grants
// (returns 0), ctx is cancelled, or deadline passes — whichever comes
// first. deadline may be the zero Time for "no deadline".
func (q *Queue) Wait(ctx context.Context, fingerprint string, deadline time.Time, authorize func() time.Duration) error {
	line := q.lineFor(fingerprint)
	line.Lock()
	defer line.Unlock()

	for {
		wait := authorize()
		if wait <= 0 {
			return nil
		}

		sleepFor := wait
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return &sandwicherr.DeadlineError{}
			}
			if remaining < sleepFor {
				sleepFor = remaining
			}
		}

		timer := time.NewTimer(sleepFor)
		select {
		case <-timer.C:
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return &sandwicherr.DeadlineError{}
			}
		case <-ctx.Done():
			timer.Stop()
			return &sandwicherr.DeadlineError{}
		}
	}
}
