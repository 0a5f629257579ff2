package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sandwichgg/sandwich/sandwichlog"
)

// IdentifyLockClient implements gateway.IdentifyLocker over NATS
// request-reply against a server backed by Redis (see IdentifyLockServer),
// so concurrently-run sharding processes can't both identify past the
// one-per-five-seconds limit the gateway enforces per token.
//
// DefaultTTL bounds how long the server-side Redis lock survives if the
// holder crashes before calling Release; renewLoop extends it while the
// lock is actually held so a slow handshake doesn't lose the lock early.
type IdentifyLockClient struct {
	conn       requester
	timeout    time.Duration
	DefaultTTL time.Duration
	log        sandwichlog.SourceLogger

	mu   sync.Mutex
	held map[string]*heldLock
}

// heldLock tracks one acquisition's server-minted token and the channel
// that tells its renewLoop to stop the moment Release is called, instead of
// leaving it running until the caller's ctx happens to end.
type heldLock struct {
	token string
	stop  chan struct{}
}

// NewIdentifyLockClient builds a client bound to an existing NATS connection.
func NewIdentifyLockClient(conn *nats.Conn, timeout, defaultTTL time.Duration, log sandwichlog.Logger) *IdentifyLockClient {
	return &IdentifyLockClient{
		conn:       conn,
		timeout:    timeout,
		DefaultTTL: defaultTTL,
		log:        log.With(sandwichlog.SourceRPC),
		held:       make(map[string]*heldLock),
	}
}

// Acquire blocks until the named lock is held, or ctx is done. Unlike
// ratelimit's Authorize, there's no local fallback for identify locking: a
// coordinator that can't arbitrate identify slots across processes must not
// be silently bypassed, since that's exactly the double-identify scenario
// the lock exists to prevent.
func (c *IdentifyLockClient) Acquire(ctx context.Context, key string) error {
	for {
		var resp lockResponse
		err := request(c.conn, SubjectIdentifyAcquire, c.timeout, lockRequest{Key: key, TTL: c.DefaultTTL}, &resp)
		if err != nil {
			return err
		}
		if resp.OK {
			held := &heldLock{token: resp.Token, stop: make(chan struct{})}
			c.mu.Lock()
			if c.held == nil {
				c.held = make(map[string]*heldLock)
			}
			c.held[key] = held
			c.mu.Unlock()

			go c.renewLoop(ctx, key, held)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.timeout):
		}
	}
}

// Release releases the named lock and stops its renewLoop immediately,
// rather than leaving it running until ctx ends — a lock released here
// must not keep being renewed out from under whoever acquires the key next.
func (c *IdentifyLockClient) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	held, ok := c.held[key]
	delete(c.held, key)
	c.mu.Unlock()

	if ok {
		close(held.stop)
	}

	token := ""
	if held != nil {
		token = held.token
	}

	var resp lockResponse
	return request(c.conn, SubjectIdentifyRelease, c.timeout, lockRequest{Key: key, Token: token}, &resp)
}

// renewLoop keeps the held lock's TTL from expiring while ctx is alive and
// held.stop hasn't fired. It exits silently on renew failure: the lock will
// simply expire server-side and the gate's caller will find out the hard
// way the next time it checks in, which mirrors how a crashed holder's lock
// is reclaimed.
func (c *IdentifyLockClient) renewLoop(ctx context.Context, key string, held *heldLock) {
	if c.DefaultTTL <= 0 {
		return
	}
	interval := c.DefaultTTL / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-held.stop:
			return
		case <-ticker.C:
			var resp lockResponse
			if err := request(c.conn, SubjectIdentifyRenew, c.timeout, lockRequest{Key: key, Token: held.token, TTL: c.DefaultTTL}, &resp); err != nil || !resp.OK {
				c.log.Warning("identify lock renew failed, lock may expire", sandwichlog.Data{"key": key})
				return
			}
		}
	}
}
