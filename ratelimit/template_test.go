package ratelimit

import (
	"testing"
	"time"
)

func TestTemplateStoreUpsertIgnoresUpdatesWithoutBucket(t *testing.T) {
	t.Parallel()

	s := NewTemplateStore()
	s.Upsert(Update{Limit: 5, HasLimit: true})

	if _, ok := s.CreateAssumed("", time.Now()); ok {
		t.Fatalf("expected no template to exist for the empty bucket key")
	}
}

func TestTemplateStoreUpsertMergesFieldsIndependently(t *testing.T) {
	t.Parallel()

	s := NewTemplateStore()
	s.Upsert(Update{Bucket: "b", HasBucket: true, Limit: 5, HasLimit: true})
	s.Upsert(Update{Bucket: "b", HasBucket: true, ResetAfter: 2 * time.Second, HasResetAfter: true})

	now := time.Now()
	budget, ok := s.CreateAssumed("b", now)
	if !ok {
		t.Fatalf("expected a template to have accumulated across two partial updates")
	}

	_, limit, remaining, resetTimestamp, _ := budget.Snapshot()
	if limit != 5 {
		t.Fatalf("expected limit=5 from the first update to survive, got %d", limit)
	}
	if remaining != 5 {
		t.Fatalf("expected an assumed budget to start fully remaining, got %d", remaining)
	}
	want := now.Add(2 * time.Second)
	if resetTimestamp.Before(want.Add(-time.Millisecond)) || resetTimestamp.After(want.Add(time.Millisecond)) {
		t.Fatalf("expected resetTimestamp near %v, got %v", want, resetTimestamp)
	}
}

func TestTemplateStoreCreateAssumedUnknownBucket(t *testing.T) {
	t.Parallel()

	s := NewTemplateStore()
	if _, ok := s.CreateAssumed("never-seen", time.Now()); ok {
		t.Fatalf("expected CreateAssumed to report false for a bucket with no template")
	}
}
