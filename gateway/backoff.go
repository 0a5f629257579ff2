package gateway

import (
	"math"
	"math/rand"
	"time"
)

const maxBackoff = 2 * time.Minute

const (
	invalidSessionMinWait = time.Second
	invalidSessionMaxWait = 5 * time.Second
)

// nextBackoff returns an exponentially increasing delay for the given
// (zero-based) consecutive failure count, capped at maxBackoff.
func nextBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Second * time.Duration(math.Pow(2, float64(attempt)))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// jitterHeartbeatDelay returns a uniform random delay in [0, interval),
// de-synchronizing the first heartbeat sent by each shard after HELLO.
func jitterHeartbeatDelay(interval time.Duration, rng *rand.Rand) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(interval)))
}

// jitterInvalidSessionWait returns a uniform random delay in
// [invalidSessionMinWait, invalidSessionMaxWait], the dedicated wait an
// INVALID_SESSION notification gets before re-identifying or re-resuming,
// independent of the transport-failure backoff counter.
func jitterInvalidSessionWait(rng *rand.Rand) time.Duration {
	span := invalidSessionMaxWait - invalidSessionMinWait
	return invalidSessionMinWait + time.Duration(rng.Int63n(int64(span)+1))
}
