package rpc

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sandwichgg/sandwich/ratelimit"
	"github.com/sandwichgg/sandwich/sandwichlog"
)

// RateLimitCoordinatorClient implements ratelimit.Authorizer over NATS
// request-reply, so a rest.Client can be pointed at a shared coordinator
// instead of a process-local cache without any change on the client side.
//
// When allowFallback is true and the coordinator is unreachable, calls fall
// back to Local (typically a process-local *ratelimit.Cache primed from the
// same templates). When Local is nil or allowFallback is false, an
// unreachable coordinator makes Authorize return a conservative wait instead
// of 0, so the caller doesn't fire blind into a shared bucket it can no
// longer see; the request eventually times out through the caller's own
// context deadline, which is how the failure actually surfaces.
type RateLimitCoordinatorClient struct {
	conn          requester
	timeout       time.Duration
	allowFallback bool
	Local         ratelimit.Authorizer
	log           sandwichlog.SourceLogger

	unreachableWait time.Duration
}

// RateLimitCoordinatorClientOption configures a RateLimitCoordinatorClient.
type RateLimitCoordinatorClientOption func(*RateLimitCoordinatorClient)

// WithFallback enables falling back to a local authorizer when the
// coordinator cannot be reached.
func WithFallback(local ratelimit.Authorizer) RateLimitCoordinatorClientOption {
	return func(c *RateLimitCoordinatorClient) {
		c.allowFallback = true
		c.Local = local
	}
}

// WithRateLimitLogger attaches a logger for coordinator failures.
func WithRateLimitLogger(l sandwichlog.Logger) RateLimitCoordinatorClientOption {
	return func(c *RateLimitCoordinatorClient) {
		c.log = l.With(sandwichlog.SourceRPC)
	}
}

// NewRateLimitCoordinatorClient builds a client bound to an existing NATS
// connection. timeout bounds a single request-reply round trip.
func NewRateLimitCoordinatorClient(conn *nats.Conn, timeout time.Duration, opts ...RateLimitCoordinatorClientOption) *RateLimitCoordinatorClient {
	c := &RateLimitCoordinatorClient{
		conn:            conn,
		timeout:         timeout,
		unreachableWait: time.Second,
		log:             sandwichlog.NewConsole(nil).With(sandwichlog.SourceRPC),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorize implements ratelimit.Authorizer.
func (c *RateLimitCoordinatorClient) Authorize(req ratelimit.Request) time.Duration {
	var resp authorizeResponse
	err := request(c.conn, SubjectRatelimitAuthorize, c.timeout, authorizeRequest{Req: req}, &resp)
	if err == nil {
		return resp.Wait
	}

	if c.allowFallback && c.Local != nil {
		c.log.Warning("coordinator unreachable, falling back to local rate limit cache", sandwichlog.Data{
			"fingerprint": req.Fingerprint(),
			"error":       err.Error(),
		})
		return c.Local.Authorize(req)
	}

	c.log.Error("coordinator unreachable, applying conservative wait", err, sandwichlog.Data{
		"fingerprint": req.Fingerprint(),
	})
	return c.unreachableWait
}

// Update implements ratelimit.Authorizer. Updates are best-effort: a
// coordinator that can't be reached just means the shared state doesn't
// learn this response's headers, which the next successful Authorize/Update
// call will correct.
func (c *RateLimitCoordinatorClient) Update(req ratelimit.Request, headers ratelimit.Update) {
	var resp updateResponse
	err := request(c.conn, SubjectRatelimitUpdate, c.timeout, updateRequest{Req: req, Headers: headers}, &resp)
	if err != nil {
		c.log.Warning("coordinator update failed", sandwichlog.Data{
			"fingerprint": req.Fingerprint(),
			"error":       err.Error(),
		})
		if c.allowFallback && c.Local != nil {
			c.Local.Update(req, headers)
		}
	}
}
