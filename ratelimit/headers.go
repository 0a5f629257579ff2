package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// HTTP header names the service uses to communicate rate-limit state,
// per §6. Grounded on switchupcb/disgo's wrapper/request.go, which peeks the
// same set of headers off the response.
const (
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderGlobal     = "X-RateLimit-Global"
)

// Update is the structured result of parsing a response's rate-limit
// headers (component A). Every field is individually optional; a fully
// empty Update is a no-op downstream.
type Update struct {
	Bucket        string
	HasBucket     bool
	Limit         int
	HasLimit      bool
	Remaining     int
	HasRemaining  bool
	ResetAfter    time.Duration
	HasResetAfter bool
	Global        bool
}

// IsEmpty reports whether the update carries no rate-limit information at
// all, in which case it is a no-op for the cache.
func (u Update) IsEmpty() bool {
	return !u.HasBucket && !u.HasLimit && !u.HasRemaining && !u.HasResetAfter && !u.Global
}

// ParseHeaders extracts an Update from a response's headers. The global
// flag is true iff the response indicates a global rate-limit violation.
func ParseHeaders(h http.Header) Update {
	var u Update

	if v := h.Get(HeaderBucket); v != "" {
		u.Bucket = v
		u.HasBucket = true
	}

	if v := h.Get(HeaderLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			u.Limit = n
			u.HasLimit = true
		}
	}

	if v := h.Get(HeaderRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			u.Remaining = n
			u.HasRemaining = true
		}
	}

	if v := h.Get(HeaderResetAfter); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			u.ResetAfter = time.Duration(f * float64(time.Second))
			u.HasResetAfter = true
		}
	}

	if v := h.Get(HeaderGlobal); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			u.Global = b
		}
	}

	return u
}

// WriteHeaders serializes an Update back onto a header set. It exists to
// let tests assert ParseHeaders ∘ WriteHeaders is the identity on the
// {bucket, limit, remaining, resetAfter, global} tuple, per §8.
func WriteHeaders(h http.Header, u Update) {
	if u.HasBucket {
		h.Set(HeaderBucket, u.Bucket)
	}
	if u.HasLimit {
		h.Set(HeaderLimit, strconv.Itoa(u.Limit))
	}
	if u.HasRemaining {
		h.Set(HeaderRemaining, strconv.Itoa(u.Remaining))
	}
	if u.HasResetAfter {
		h.Set(HeaderResetAfter, strconv.FormatFloat(u.ResetAfter.Seconds(), 'f', -1, 64))
	}
	if u.Global {
		h.Set(HeaderGlobal, "true")
	}
}
