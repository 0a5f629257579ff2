package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestParseHeadersWriteHeadersRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		u    Update
	}{
		{name: "empty", u: Update{}},
		{name: "full", u: Update{
			Bucket: "abcd1234", HasBucket: true,
			Limit: 5, HasLimit: true,
			Remaining: 2, HasRemaining: true,
			ResetAfter: 1500 * time.Millisecond, HasResetAfter: true,
			Global: true,
		}},
		{name: "bucket only", u: Update{Bucket: "xyz", HasBucket: true}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := http.Header{}
			WriteHeaders(h, tt.u)
			got := ParseHeaders(h)

			if got.Bucket != tt.u.Bucket || got.HasBucket != tt.u.HasBucket {
				t.Errorf("bucket: got %+v, want %+v", got, tt.u)
			}
			if got.Limit != tt.u.Limit || got.HasLimit != tt.u.HasLimit {
				t.Errorf("limit: got %+v, want %+v", got, tt.u)
			}
			if got.Remaining != tt.u.Remaining || got.HasRemaining != tt.u.HasRemaining {
				t.Errorf("remaining: got %+v, want %+v", got, tt.u)
			}
			if got.HasResetAfter != tt.u.HasResetAfter {
				t.Errorf("resetAfter presence: got %+v, want %+v", got, tt.u)
			}
			if got.HasResetAfter && absDuration(got.ResetAfter-tt.u.ResetAfter) > time.Millisecond {
				t.Errorf("resetAfter: got %v, want %v", got.ResetAfter, tt.u.ResetAfter)
			}
			if got.Global != tt.u.Global {
				t.Errorf("global: got %v, want %v", got.Global, tt.u.Global)
			}
		})
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func TestParseHeadersIgnoresMalformedValues(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set(HeaderLimit, "not-a-number")
	h.Set(HeaderRemaining, "")
	h.Set(HeaderResetAfter, "also-not-a-number")

	u := ParseHeaders(h)
	if u.HasLimit || u.HasRemaining || u.HasResetAfter {
		t.Fatalf("expected malformed/empty headers to be ignored, got %+v", u)
	}
	if !u.IsEmpty() {
		t.Fatalf("expected empty update, got %+v", u)
	}
}
