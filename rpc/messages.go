package rpc

import (
	"time"

	"github.com/sandwichgg/sandwich/ratelimit"
)

// Subjects used for NATS request-reply. Servers subscribe to these; clients
// publish requests and wait on the reply inbox NATS allocates per-request.
const (
	SubjectRatelimitAuthorize = "sandwich.ratelimit.authorize"
	SubjectRatelimitUpdate    = "sandwich.ratelimit.update"
	SubjectIdentifyAcquire    = "sandwich.identify.acquire"
	SubjectIdentifyRenew      = "sandwich.identify.renew"
	SubjectIdentifyRelease    = "sandwich.identify.release"
)

// authorizeRequest/authorizeResponse mirror ratelimit.Authorizer.Authorize
// across the wire: the request carries the same Request the local engine
// would fingerprint, the response carries the wait as a plain duration.
type authorizeRequest struct {
	Req ratelimit.Request
}

type authorizeResponse struct {
	Wait time.Duration
}

// updateRequest mirrors ratelimit.Authorizer.Update. The server applies it
// to its own cache and acks with an empty body; update is best-effort from
// the client's point of view, so the response carries nothing.
type updateRequest struct {
	Req     ratelimit.Request
	Headers ratelimit.Update
}

type updateResponse struct{}

// lockRequest/lockResponse cover the three IdentifyLock operations (§6:
// Acquire(durationMs) -> {granted, token, expiresAt}, Renew(token,
// durationMs), Release(token)). Key identifies the shard (or shard group)
// the lock guards; Token identifies which acquisition is renewing or
// releasing it and is empty on an Acquire request, since the server mints
// it fresh per grant.
type lockRequest struct {
	Key   string
	Token string
	TTL   time.Duration
}

type lockResponse struct {
	OK        bool
	Token     string
	ExpiresAt time.Time
	Error     string
}
