package orchestrator

import (
	"sync"
	"time"
)

// readyPayload is the subset of a READY dispatch's data this package reads:
// the guild stubs Discord sends at connect time, every one of them
// unavailable until its own GUILD_CREATE arrives.
type readyPayload struct {
	Guilds []struct {
		ID string `json:"id"`
	} `json:"guilds"`
}

// shardStartup tracks one shard's path from READY to SHARD_STARTUP_COMPLETE.
type shardStartup struct {
	mu              sync.Mutex
	started         bool
	completed       bool
	pending         int
	lastGuildCreate time.Time
}

func (s *shardStartup) begin(initialUnavailable int) (completeImmediately bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = true
	s.pending = initialUnavailable
	s.lastGuildCreate = time.Now()

	if s.pending <= 0 {
		s.completed = true
		return true
	}
	return false
}

// onGuildCreate decrements the pending count and reports whether this call
// is what pushed it to completion.
func (s *shardStartup) onGuildCreate() (nowComplete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed || !s.started {
		return false
	}

	s.lastGuildCreate = time.Now()
	if s.pending > 0 {
		s.pending--
	}
	if s.pending == 0 {
		s.completed = true
		return true
	}
	return false
}

// checkTolerance applies the optional relaxation: if the remaining pending
// count is at or below tolerance, and nothing has arrived for wait, force
// completion. Called from a periodic sweep, not from the dispatch path.
func (s *shardStartup) checkTolerance(tolerance int, wait time.Duration) (nowComplete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed || !s.started || tolerance <= 0 {
		return false
	}
	if s.pending > tolerance {
		return false
	}
	if time.Since(s.lastGuildCreate) < wait {
		return false
	}

	s.completed = true
	return true
}

func (s *shardStartup) inWindow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.completed
}

func (s *shardStartup) isComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}
