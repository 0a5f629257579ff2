package gateway

import (
	"context"
	"sync"
	"time"
)

// IdentifyLocker is satisfied by a remote identify-lock client (rpc package)
// so IdentifyGate can hold cross-process locks without gateway depending on
// rpc's transport.
type IdentifyLocker interface {
	Acquire(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// IdentifyGate serializes the identify handshake (component H), completing
// the Manager.WaitForIdentifyRatelimit/ConcurrencyLimiter pair the teacher's
// gateway/manager.go calls but never defines. A single process-wide gate is
// shared by every shard that identifies against the same token.
type IdentifyGate struct {
	local sync.Mutex

	mu           sync.Mutex
	minGap       time.Duration
	lastIdentify time.Time

	remotes []IdentifyLocker
}

// NewIdentifyGate constructs a gate enforcing minGap between identifies,
// optionally layering remote locks (held in the given order) on top of the
// local width-1 semaphore.
func NewIdentifyGate(minGap time.Duration, remotes ...IdentifyLocker) *IdentifyGate {
	return &IdentifyGate{minGap: minGap, remotes: remotes}
}

// Acquire blocks until it is this caller's turn to identify, then returns a
// release function the caller must invoke once the handshake completes
// (READY received), not merely once IDENTIFY was sent — per spec, the
// ticket is held across the whole handshake so only one identify is ever
// in flight at a time.
func (g *IdentifyGate) Acquire(ctx context.Context) (release func(), err error) {
	g.local.Lock()

	if err := g.waitMinGap(ctx); err != nil {
		g.local.Unlock()
		return nil, err
	}

	acquired := make([]IdentifyLocker, 0, len(g.remotes))
	for _, r := range g.remotes {
		if err := r.Acquire(ctx, "identify"); err != nil {
			for i := len(acquired) - 1; i >= 0; i-- {
				acquired[i].Release(context.Background(), "identify")
			}
			g.local.Unlock()
			return nil, err
		}
		acquired = append(acquired, r)
	}

	return func() {
		g.mu.Lock()
		g.lastIdentify = time.Now()
		g.mu.Unlock()

		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Release(context.Background(), "identify")
		}
		g.local.Unlock()
	}, nil
}

func (g *IdentifyGate) waitMinGap(ctx context.Context) error {
	g.mu.Lock()
	wait := g.minGap - time.Since(g.lastIdentify)
	g.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
