package orchestrator

import (
	"context"
	"testing"

	"github.com/sandwichgg/sandwich/sandwicherr"
)

func TestResolvePlanValidatesSuppliedIDs(t *testing.T) {
	t.Parallel()

	_, err := ResolvePlan([]int{0, 1, 5}, 4, nil, context.Background())
	var cfgErr *sandwicherr.ConfigError
	if ok := asConfigError(err, &cfgErr); !ok {
		t.Fatalf("expected ConfigError for out-of-range shard id, got %v", err)
	}
}

func TestResolvePlanAcceptsSuppliedIDs(t *testing.T) {
	t.Parallel()

	plan, err := ResolvePlan([]int{0, 1, 2}, 4, nil, context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.ShardCount != 4 || len(plan.ShardIDs) != 3 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestResolvePlanFillsFromRecommendation(t *testing.T) {
	t.Parallel()

	recommended := func(ctx context.Context) (*GatewayBotResponse, error) {
		gw := &GatewayBotResponse{Shards: 3}
		gw.SessionLimit.Remaining = 1000
		return gw, nil
	}

	plan, err := ResolvePlan(nil, 0, recommended, context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.ShardCount != 3 {
		t.Fatalf("ShardCount = %d, want 3", plan.ShardCount)
	}
	if len(plan.ShardIDs) != 3 {
		t.Fatalf("ShardIDs = %v, want 3 entries", plan.ShardIDs)
	}
	for i, id := range plan.ShardIDs {
		if id != i {
			t.Fatalf("ShardIDs[%d] = %d, want %d", i, id, i)
		}
	}
}

func TestResolvePlanRoundsToSixteenAboveSixtyThree(t *testing.T) {
	t.Parallel()

	recommended := func(ctx context.Context) (*GatewayBotResponse, error) {
		gw := &GatewayBotResponse{Shards: 70}
		gw.SessionLimit.Remaining = 10000
		return gw, nil
	}

	plan, err := ResolvePlan(nil, 0, recommended, context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.ShardCount != 80 {
		t.Fatalf("ShardCount = %d, want 80 (70 rounded up to nearest 16)", plan.ShardCount)
	}
}

func TestResolvePlanValidatesSuppliedIDsAgainstRecommendedCount(t *testing.T) {
	t.Parallel()

	recommended := func(ctx context.Context) (*GatewayBotResponse, error) {
		gw := &GatewayBotResponse{Shards: 4}
		gw.SessionLimit.Remaining = 1000
		return gw, nil
	}

	_, err := ResolvePlan([]int{0, 1, 9}, 0, recommended, context.Background())
	var cfgErr *sandwicherr.ConfigError
	if ok := asConfigError(err, &cfgErr); !ok {
		t.Fatalf("expected ConfigError for an id out of range once shardCount is filled from the recommendation, got %v", err)
	}
}

func TestResolvePlanRejectsInsufficientSessions(t *testing.T) {
	t.Parallel()

	recommended := func(ctx context.Context) (*GatewayBotResponse, error) {
		gw := &GatewayBotResponse{Shards: 10}
		gw.SessionLimit.Remaining = 2
		return gw, nil
	}

	_, err := ResolvePlan(nil, 0, recommended, context.Background())
	var cfgErr *sandwicherr.ConfigError
	if ok := asConfigError(err, &cfgErr); !ok {
		t.Fatalf("expected ConfigError for insufficient session starts, got %v", err)
	}
}

func TestPlanFromEnvOverridesWhenBothSet(t *testing.T) {
	t.Setenv("SANDWICH_SHARD_IDS", "0,1,2")
	t.Setenv("SANDWICH_SHARD_COUNT", "4")

	plan, err := PlanFromEnv(Plan{ShardIDs: []int{0}, ShardCount: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.ShardCount != 4 || len(plan.ShardIDs) != 3 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestPlanFromEnvFallsBackWhenEitherMissing(t *testing.T) {
	t.Setenv("SANDWICH_SHARD_IDS", "")
	t.Setenv("SANDWICH_SHARD_COUNT", "")

	fallback := Plan{ShardIDs: []int{0, 1}, ShardCount: 2}
	plan, err := PlanFromEnv(fallback)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.ShardCount != fallback.ShardCount {
		t.Fatalf("plan = %+v, want fallback %+v", plan, fallback)
	}
}

func asConfigError(err error, target **sandwicherr.ConfigError) bool {
	if err == nil {
		return false
	}
	e, ok := err.(*sandwicherr.ConfigError)
	if !ok {
		return false
	}
	*target = e
	return true
}
