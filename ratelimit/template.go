package ratelimit

import (
	"sync"
	"time"
)

// Template records the most recently observed (limit, resetAfter) pair for
// a bucket (component C), used to synthesize an assumed budget the first
// time a fingerprint maps to a known bucket but no live budget exists.
type Template struct {
	Limit      int
	ResetAfter time.Duration
}

// TemplateStore is the per-bucket template cache.
type TemplateStore struct {
	mu        sync.Mutex
	templates map[string]Template
}

// NewTemplateStore constructs an empty template store.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{templates: make(map[string]Template)}
}

// Upsert folds a header-derived Update into the bucket's template whenever
// the update names a bucket. Fields the update lacks keep their previous
// values (zero for a bucket seen for the first time).
func (s *TemplateStore) Upsert(u Update) {
	if !u.HasBucket {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.templates[u.Bucket]
	if u.HasLimit {
		t.Limit = u.Limit
	}
	if u.HasResetAfter {
		t.ResetAfter = u.ResetAfter
	}
	s.templates[u.Bucket] = t
}

// CreateAssumed constructs a fresh budget for bucket from its template, with
// remaining = limit and resetTimestamp = now + resetAfter. It is the only
// mechanism that creates a budget before a response arrives. ok is false if
// no template has ever been observed for bucket.
func (s *TemplateStore) CreateAssumed(bucket string, now time.Time) (budget *Budget, ok bool) {
	s.mu.Lock()
	t, exists := s.templates[bucket]
	s.mu.Unlock()

	if !exists {
		return nil, false
	}

	return NewBudget(bucket, t.Limit, t.Limit, now.Add(t.ResetAfter), t.ResetAfter), true
}
