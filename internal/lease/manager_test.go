package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usedatabrew/kinlease/internal/config"
	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/retries"
	"github.com/usedatabrew/kinlease/internal/shardgraph"
	"github.com/usedatabrew/kinlease/internal/statestore"
	"github.com/usedatabrew/kinlease/internal/statestore/storetest"
)

func newTestManager(t *testing.T, consumerID string) (*Manager, *statestore.Store) {
	t.Helper()
	kv, err := statestore.NewClient(storetest.New(), "kinlease-test", retries.NewConfig(), log.Noop())
	require.NoError(t, err)
	store := statestore.New(kv, "billing", "orders", consumerID, false, log.Noop())

	cfg := config.NewConfig()
	cfg.StreamName = "orders"
	cfg.ConsumerGroup = "billing"

	m := New(cfg, consumerID, store, nil, nil, log.Noop())
	return m, store
}

func forestOf(shardIDs ...string) (shardgraph.Forest, []shardgraph.Shard) {
	shards := make([]shardgraph.Shard, 0, len(shardIDs))
	for _, id := range shardIDs {
		shards = append(shards, shardgraph.Shard{ShardID: id})
	}
	return shardgraph.Build(shards), shards
}

func TestEvaluateShardAcquiresUnownedShard(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, "c1")
	require.NoError(t, store.InitStreamState(ctx, time.Now()))
	forest, shards := forestOf("shard-000")
	state, _, err := store.Snapshot(ctx)
	require.NoError(t, err)

	act, _ := m.evaluateShard(ctx, "shard-000", shards[0], forest, state, map[string]bool{"c1": true}, 0, 10)
	assert.Equal(t, actionAcquire, act)

	owned, err := store.GetOwnedShards(ctx)
	require.NoError(t, err)
	assert.Contains(t, owned, "shard-000")
}

func TestEvaluateShardSkipsDepletedShard(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, "c1")
	require.NoError(t, store.InitStreamState(ctx, time.Now()))
	require.NoError(t, store.EnsureShardStateExists(ctx, "shard-000", nil))
	require.NoError(t, store.MarkShardAsDepleted(ctx, nil, "shard-000"))

	forest, shards := forestOf("shard-000")
	state, _, err := store.Snapshot(ctx)
	require.NoError(t, err)

	act, reason := m.evaluateShard(ctx, "shard-000", shards[0], forest, state, map[string]bool{"c1": true}, 0, 10)
	assert.Equal(t, actionSkip, act)
	assert.Contains(t, reason, "depleted")
}

func TestEvaluateShardSkipsWhenParentNotDepleted(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, "c1")
	require.NoError(t, store.InitStreamState(ctx, time.Now()))
	parent := "parent-0"
	require.NoError(t, store.EnsureShardStateExists(ctx, "parent-0", nil))
	require.NoError(t, store.EnsureShardStateExists(ctx, "child-0", &parent))

	child := shardgraph.Shard{ShardID: "child-0", ParentShardID: &parent}
	forest := shardgraph.Build([]shardgraph.Shard{{ShardID: "parent-0"}, child})
	state, _, err := store.Snapshot(ctx)
	require.NoError(t, err)

	act, reason := m.evaluateShard(ctx, "child-0", child, forest, state, map[string]bool{"c1": true}, 0, 10)
	assert.Equal(t, actionSkip, act)
	assert.Contains(t, reason, "parent not depleted")
}

func TestEvaluateShardAcquiresChildAfterParentDepleted(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, "c1")
	require.NoError(t, store.InitStreamState(ctx, time.Now()))
	parent := "parent-0"
	require.NoError(t, store.EnsureShardStateExists(ctx, "parent-0", nil))
	require.NoError(t, store.EnsureShardStateExists(ctx, "child-0", &parent))
	require.NoError(t, store.MarkShardAsDepleted(ctx, []shardgraph.Shard{
		{ShardID: "child-0", ParentShardID: &parent, StartingSequenceNumber: "1"},
	}, "parent-0"))

	child := shardgraph.Shard{ShardID: "child-0", ParentShardID: &parent}
	forest := shardgraph.Build([]shardgraph.Shard{{ShardID: "parent-0"}, child})
	state, _, err := store.Snapshot(ctx)
	require.NoError(t, err)

	act, _ := m.evaluateShard(ctx, "child-0", child, forest, state, map[string]bool{"c1": true}, 0, 10)
	assert.Equal(t, actionAcquire, act)
}

func TestEvaluateShardRenewsOwnLeaseNearExpiry(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, "c1")
	require.NoError(t, store.InitStreamState(ctx, time.Now()))
	require.NoError(t, store.EnsureShardStateExists(ctx, "shard-000", nil))
	_, rec, err := store.GetShardAndStreamState(ctx, "shard-000", shardgraph.Shard{ShardID: "shard-000"})
	require.NoError(t, err)
	ok, err := store.LockShardLease(ctx, "shard-000", time.Second, rec.Version)
	require.NoError(t, err)
	require.True(t, ok)

	forest, shards := forestOf("shard-000")
	state, _, err := store.Snapshot(ctx)
	require.NoError(t, err)

	act, _ := m.evaluateShard(ctx, "shard-000", shards[0], forest, state, map[string]bool{"c1": true}, 0, 10)
	assert.Equal(t, actionRenew, act, "a lease close to expiry (below the renew threshold) must be renewed")
}

func TestEvaluateShardSkipsOwnLeaseFarFromExpiry(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, "c1")
	require.NoError(t, store.InitStreamState(ctx, time.Now()))
	require.NoError(t, store.EnsureShardStateExists(ctx, "shard-000", nil))
	_, rec, err := store.GetShardAndStreamState(ctx, "shard-000", shardgraph.Shard{ShardID: "shard-000"})
	require.NoError(t, err)
	ok, err := store.LockShardLease(ctx, "shard-000", time.Hour, rec.Version)
	require.NoError(t, err)
	require.True(t, ok)

	forest, shards := forestOf("shard-000")
	state, _, err := store.Snapshot(ctx)
	require.NoError(t, err)

	act, reason := m.evaluateShard(ctx, "shard-000", shards[0], forest, state, map[string]bool{"c1": true}, 0, 10)
	assert.Equal(t, actionSkip, act)
	assert.Contains(t, reason, "owned by this consumer")
}

func TestEvaluateShardStealsExpiredLeaseFromLivePeer(t *testing.T) {
	ctx := context.Background()
	kv, err := statestore.NewClient(storetest.New(), "kinlease-test", retries.NewConfig(), log.Noop())
	require.NoError(t, err)
	store := statestore.New(kv, "billing", "orders", "c-other", false, log.Noop())
	require.NoError(t, store.InitStreamState(ctx, time.Now()))
	require.NoError(t, store.EnsureShardStateExists(ctx, "shard-000", nil))
	_, rec, err := store.GetShardAndStreamState(ctx, "shard-000", shardgraph.Shard{ShardID: "shard-000"})
	require.NoError(t, err)
	ok, err := store.LockShardLease(ctx, "shard-000", -time.Minute, rec.Version)
	require.NoError(t, err)
	require.True(t, ok)

	mine := New(config.NewConfig(), "c1", statestore.New(kv, "billing", "orders", "c1", false, log.Noop()), nil, nil, log.Noop())
	forest, shards := forestOf("shard-000")
	state, _, err := store.Snapshot(ctx)
	require.NoError(t, err)

	act, reason := mine.evaluateShard(ctx, "shard-000", shards[0], forest, state, map[string]bool{"c-other": true, "c1": true}, 0, 10)
	assert.Equal(t, actionSteal, act)
	assert.Contains(t, reason, "expired lease")

	owned, err := store.GetOwnedShards(ctx)
	require.NoError(t, err)
	assert.NotContains(t, owned, "shard-000", "owned shards are scoped per-consumer in auto-assignment mode too, via leaseOwner")
}

func TestEvaluateShardReclaimsFromDeadPeer(t *testing.T) {
	ctx := context.Background()
	_, store := newTestManager(t, "c-other")
	require.NoError(t, store.InitStreamState(ctx, time.Now()))
	require.NoError(t, store.EnsureShardStateExists(ctx, "shard-000", nil))
	_, rec, err := store.GetShardAndStreamState(ctx, "shard-000", shardgraph.Shard{ShardID: "shard-000"})
	require.NoError(t, err)
	ok, err := store.LockShardLease(ctx, "shard-000", time.Hour, rec.Version)
	require.NoError(t, err)
	require.True(t, ok)

	mine := New(config.NewConfig(), "c1", store, nil, nil, log.Noop())
	forest, shards := forestOf("shard-000")
	state, _, err := store.Snapshot(ctx)
	require.NoError(t, err)

	// c-other is not in the live set: its heartbeat has gone stale.
	act, reason := mine.evaluateShard(ctx, "shard-000", shards[0], forest, state, map[string]bool{"c1": true}, 0, 10)
	assert.Equal(t, actionReclaim, act)
	assert.Contains(t, reason, "owner is gone")
}

func TestEvaluateShardSkipsLiveOwnedShard(t *testing.T) {
	ctx := context.Background()
	_, store := newTestManager(t, "c-other")
	require.NoError(t, store.InitStreamState(ctx, time.Now()))
	require.NoError(t, store.EnsureShardStateExists(ctx, "shard-000", nil))
	_, rec, err := store.GetShardAndStreamState(ctx, "shard-000", shardgraph.Shard{ShardID: "shard-000"})
	require.NoError(t, err)
	ok, err := store.LockShardLease(ctx, "shard-000", time.Hour, rec.Version)
	require.NoError(t, err)
	require.True(t, ok)

	mine := New(config.NewConfig(), "c1", store, nil, nil, log.Noop())
	forest, shards := forestOf("shard-000")
	state, _, err := store.Snapshot(ctx)
	require.NoError(t, err)

	act, reason := mine.evaluateShard(ctx, "shard-000", shards[0], forest, state, map[string]bool{"c-other": true, "c1": true}, 0, 10)
	assert.Equal(t, actionSkip, act)
	assert.Contains(t, reason, "owned by c-other")
}

func TestEvaluateShardReachesMaxLeasesCapInAutoAssignmentMode(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, "c1")
	require.NoError(t, store.InitStreamState(ctx, time.Now()))

	forest, shards := forestOf("shard-000")
	state, _, err := store.Snapshot(ctx)
	require.NoError(t, err)

	act, reason := m.evaluateShard(ctx, "shard-000", shards[0], forest, state, map[string]bool{"c1": true}, 1, 1)
	assert.Equal(t, actionSkipMaxReached, act)
	assert.Contains(t, reason, "max leases reached")
}

func TestMaxActiveIsUnboundedInStandaloneMode(t *testing.T) {
	cfg := config.NewConfig()
	cfg.UseAutoShardAssignment = false
	m := &Manager{cfg: cfg}

	assert.Greater(t, m.maxActive(3, 1), 1_000_000)
}

func TestMaxActiveDividesSharesAcrossLivePeers(t *testing.T) {
	cfg := config.NewConfig()
	cfg.UseAutoShardAssignment = true
	m := &Manager{cfg: cfg}

	assert.Equal(t, 2, m.maxActive(4, 2))
	assert.Equal(t, 4, m.maxActive(4, 1))
}
