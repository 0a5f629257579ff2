package orchestrator

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sandwichgg/sandwich/sandwicherr"
)

// GatewayBotResponse is the subset of Discord's GET /gateway/bot response
// shard planning needs, named the way Sandwich-Producer's structs.go does.
type GatewayBotResponse struct {
	URL          string `json:"url"`
	Shards       int    `json:"shards"`
	SessionLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// Plan is the resolved set of shard ids to run and the shard count they
// were computed against.
type Plan struct {
	ShardIDs   []int
	ShardCount int
}

// roundToSixteen mirrors the teacher's gateway/manager.go comment: once the
// service recommends more than 63 shards, "large bot sharding" has kicked
// in on Discord's side and the shard count must be a multiple of 16 (or a
// power-of-two multiple, per their docs) for the hashing to line up.
func roundToSixteen(shardCount int) int {
	if shardCount <= 63 {
		return shardCount
	}
	return int(math.Ceil(float64(shardCount)/16)) * 16
}

// ResolvePlan implements the shard-planning rules of component I: a
// caller-supplied (shardIDs, shardCount) pair is validated; a missing
// shardCount is filled from the service's recommendation (rounded per
// roundToSixteen); a missing shardIDs is filled to [0, shardCount).
func ResolvePlan(shardIDs []int, shardCount int, recommended func(ctx context.Context) (*GatewayBotResponse, error), ctx context.Context) (Plan, error) {
	if len(shardIDs) > 0 && shardCount > 0 {
		if err := validateShardIDs(shardIDs, shardCount); err != nil {
			return Plan{}, err
		}
		return Plan{ShardIDs: shardIDs, ShardCount: shardCount}, nil
	}

	gw, err := recommended(ctx)
	if err != nil {
		return Plan{}, err
	}

	if shardCount <= 0 {
		shardCount = roundToSixteen(gw.Shards)
	}

	if shardCount > gw.SessionLimit.Remaining {
		return Plan{}, &sandwicherr.ConfigError{Reason: "not enough session starts remaining for requested shard count"}
	}

	if len(shardIDs) == 0 {
		shardIDs = make([]int, shardCount)
		for i := range shardIDs {
			shardIDs[i] = i
		}
	} else if err := validateShardIDs(shardIDs, shardCount); err != nil {
		// Caller supplied ids but no count: the count came from the
		// recommendation above and must still bound those ids.
		return Plan{}, err
	}

	return Plan{ShardIDs: shardIDs, ShardCount: shardCount}, nil
}

func validateShardIDs(shardIDs []int, shardCount int) error {
	for _, id := range shardIDs {
		if id < 0 || id >= shardCount {
			return &sandwicherr.ConfigError{Reason: "shard id out of range for shard count"}
		}
	}
	return nil
}

// PlanFromEnv reads SANDWICH_SHARD_IDS (comma-separated) and
// SANDWICH_SHARD_COUNT, overriding the programmatic plan per §6's
// "Environment" rule when both are set.
func PlanFromEnv(fallback Plan) (Plan, error) {
	idsRaw := os.Getenv("SANDWICH_SHARD_IDS")
	countRaw := os.Getenv("SANDWICH_SHARD_COUNT")
	if idsRaw == "" || countRaw == "" {
		return fallback, nil
	}

	count, err := strconv.Atoi(strings.TrimSpace(countRaw))
	if err != nil {
		return Plan{}, &sandwicherr.ConfigError{Reason: "SANDWICH_SHARD_COUNT is not an integer: " + err.Error()}
	}

	parts := strings.Split(idsRaw, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil {
			return Plan{}, &sandwicherr.ConfigError{Reason: "SANDWICH_SHARD_IDS contains a non-integer: " + err.Error()}
		}
		if id < 0 || id >= count {
			return Plan{}, &sandwicherr.ConfigError{Reason: "SANDWICH_SHARD_IDS contains an id out of range for SANDWICH_SHARD_COUNT"}
		}
		ids = append(ids, id)
	}

	return Plan{ShardIDs: ids, ShardCount: count}, nil
}
