// Package lease implements the Lease Manager of spec.md §4.3: the
// per-consumer control loop that discovers shards, respects the lineage
// graph, acquires/renews/releases leases under optimistic concurrency, and
// hands the owned-shard set to the downstream Consumers Manager. Modeled on
// the teacher's single `select`-driven goroutine in
// kinesisReader.runConsumer/runBalancedShards (internal/impl/aws/input_kinesis.go),
// generalized from SQS-checkpoint brokering into this spec's decision table.
package lease

import (
	"context"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/usedatabrew/kinlease/internal/config"
	"github.com/usedatabrew/kinlease/internal/kinerr"
	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/shardgraph"
	"github.com/usedatabrew/kinlease/internal/statestore"
	"github.com/usedatabrew/kinlease/internal/streamclient"
)

// ConsumersManager is the downstream collaborator told to reconcile its
// live Polling Consumers against the owned-shard set, and to stop entirely
// when the stream disappears. Expressed as a small interface rather than a
// concrete dependency, per spec.md §9's "parent-child, not mutual
// ownership" note.
type ConsumersManager interface {
	Reconcile(ctx context.Context, owned map[string]statestore.OwnedShard)
	Stop(ctx context.Context)
}

// State is the Manager's Idle/Running lifecycle state, per spec.md §4.3.
type State int

const (
	Idle State = iota
	Running
)

// Manager is one Lease Manager instance, one per consumer process.
type Manager struct {
	cfg        config.Config
	consumerID string
	appName    string
	host       string
	pid        int

	store        *statestore.Store
	streamClient *streamclient.Client
	consumers    ConsumersManager
	log          log.Modular

	mu    sync.Mutex
	state State
	timer *time.Timer
	stopc chan struct{}
	donec chan struct{}

	enhancedConsumerARN string
}

// New constructs a Manager bound to one stream/consumer-group coordination
// document.
func New(cfg config.Config, consumerID string, store *statestore.Store, streamClient *streamclient.Client, consumers ConsumersManager, logger log.Modular) *Manager {
	host, _ := os.Hostname()
	return &Manager{
		cfg:          cfg,
		consumerID:   consumerID,
		appName:      cfg.AppName,
		host:         host,
		pid:          os.Getpid(),
		store:        store,
		streamClient: streamClient,
		consumers:    consumers,
		log:          logger,
		state:        Idle,
	}
}

// Start transitions Idle -> Running and begins the reconciliation loop.
// Repeated calls are a no-op, per spec.md §4.3.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Running {
		return
	}
	m.state = Running
	m.stopc = make(chan struct{})
	m.donec = make(chan struct{})
	go m.loop(ctx, m.stopc, m.donec)
}

// Done returns a channel that's closed once the reconciliation loop exits,
// whether from an external Stop/ctx cancellation or because the loop itself
// discovered the stream is gone. Callers that need to know the Manager has
// gone Idle (e.g. Run) should select on this alongside ctx.Done().
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.donec
}

// Stop transitions Running -> Idle, clearing the outstanding timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Running {
		return
	}
	m.state = Idle
	close(m.stopc)
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *Manager) loop(ctx context.Context, stopc, donec chan struct{}) {
	defer close(donec)
	m.tick(ctx)
	for {
		m.mu.Lock()
		if m.state != Running {
			m.mu.Unlock()
			return
		}
		m.timer = time.NewTimer(m.cfg.ReconcileEvery())
		timer := m.timer
		m.mu.Unlock()

		select {
		case <-stopc:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if !m.tick(ctx) {
				return
			}
		}
	}
}

// tick runs one reconciliation pass (spec.md §4.3's algorithm). It returns
// false when the stream no longer exists and the Manager has transitioned
// to Idle.
func (m *Manager) tick(ctx context.Context) bool {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("lease manager tick panicked (swallowed): %v", r)
		}
	}()

	// Step 1: resolve the stream.
	desc, err := m.streamClient.DescribeStreamSummary(ctx, m.cfg.StreamName)
	if err != nil {
		if kinerr.IsNotFound(err) {
			m.log.Warnf("stream %s no longer exists, stopping", m.cfg.StreamName)
			m.consumers.Stop(ctx)
			m.mu.Lock()
			m.state = Idle
			m.mu.Unlock()
			return false
		}
		m.log.Errorf("describeStreamSummary failed (swallowed): %v", err)
		return true
	}

	// Step 2: heartbeat and GC.
	if err := m.store.InitStreamState(ctx, desc.CreatedOn); err != nil {
		m.log.Errorf("initStreamState failed (swallowed): %v", err)
	}
	if err := m.store.RegisterConsumer(ctx, m.appName, m.host, m.pid); err != nil {
		m.log.Errorf("registerConsumer failed (swallowed): %v", err)
	}
	if err := m.store.ClearOldConsumers(ctx, m.cfg.HeartbeatFailureTimeout()); err != nil {
		m.log.Errorf("clearOldConsumers failed (swallowed): %v", err)
	}

	// Step 3: enhanced fan-out gate.
	if m.cfg.UseEnhancedFanOut && m.enhancedConsumerARN == "" {
		if err := m.resolveEnhancedConsumer(ctx, desc.StreamARN); err != nil {
			m.log.Errorf("resolving enhanced fan-out consumer failed (swallowed): %v", err)
		}
		if m.enhancedConsumerARN == "" {
			return true
		}
	}

	// Step 4: fetch shards + stream state, compute maxActive.
	shards, err := m.streamClient.ListShards(ctx, m.cfg.StreamName)
	if err != nil {
		m.log.Errorf("listShards failed (swallowed): %v", err)
		return true
	}
	forest := shardgraph.Build(shards)

	state, ok, err := m.store.Snapshot(ctx)
	if err != nil {
		m.log.Errorf("snapshot failed (swallowed): %v", err)
		return true
	}
	if !ok {
		return true
	}

	liveConsumers := m.liveConsumers(state, m.cfg.HeartbeatFailureTimeout())
	maxActive := m.maxActive(len(shards), len(liveConsumers))

	owned, err := m.store.GetOwnedShards(ctx)
	if err != nil {
		m.log.Errorf("getOwnedShards failed (swallowed): %v", err)
		owned = map[string]statestore.OwnedShard{}
	}
	ownedCount := len(owned)

	// Step 5: evaluate shards in deterministic order.
	ids := make([]string, 0, forest.Len())
	for _, sh := range forest.Shards() {
		ids = append(ids, sh.ShardID)
	}
	sort.Strings(ids)

	changed := false
	maxReached := false
	for _, shardID := range ids {
		sh, _ := forest.Shard(shardID)

		action, reason := m.evaluateShard(ctx, shardID, sh, forest, state, liveConsumers, ownedCount, maxActive)
		switch action {
		case actionAcquire, actionRenew, actionSteal, actionReclaim:
			changed = true
			if action == actionAcquire {
				ownedCount++
			}
		case actionSkipMaxReached:
			maxReached = true
		}
		m.log.Debugf("shard %s: %s (%s)", shardID, action, reason)
	}

	// Step 6: reconcile downstream if anything changed. Hitting the
	// maxActive cap also triggers a reconcile even with no new
	// acquisitions, so peers observe the current owned set sooner.
	if changed || maxReached {
		owned, err = m.store.GetOwnedShards(ctx)
		if err != nil {
			m.log.Errorf("getOwnedShards after reconcile failed (swallowed): %v", err)
		} else {
			m.consumers.Reconcile(ctx, owned)
		}
	}

	return true
}

func (m *Manager) resolveEnhancedConsumer(ctx context.Context, streamARN string) error {
	arns, err := m.streamClient.ListStreamConsumers(ctx, streamARN)
	if err != nil {
		return err
	}
	if len(arns) > 0 {
		m.enhancedConsumerARN = arns[0]
		return nil
	}
	arn, err := m.streamClient.RegisterStreamConsumer(ctx, streamARN, m.consumerID)
	if err != nil {
		return err
	}
	m.enhancedConsumerARN = arn
	return nil
}

func (m *Manager) liveConsumers(state statestore.StreamState, failureTimeout time.Duration) map[string]bool {
	cutoff := time.Now().UTC().Add(-failureTimeout)
	live := make(map[string]bool, len(state.Consumers))
	for id, c := range state.Consumers {
		if !c.Heartbeat.Before(cutoff) {
			live[id] = true
		}
	}
	return live
}

func (m *Manager) maxActive(shardCount, liveConsumerCount int) int {
	if !m.cfg.UseAutoShardAssignment {
		return math.MaxInt32
	}
	if m.cfg.MaxActiveLeases > 0 {
		return m.cfg.MaxActiveLeases
	}
	if liveConsumerCount == 0 {
		liveConsumerCount = 1
	}
	return int(math.Ceil(float64(shardCount) / float64(liveConsumerCount)))
}

type action string

const (
	actionSkip            action = "skip"
	actionRenew           action = "renew"
	actionSteal           action = "steal"
	actionReclaim         action = "reclaim"
	actionAcquire         action = "acquire"
	actionSkipMaxReached  action = "skip_max_reached"
)

// evaluateShard implements the decision table of spec.md §4.3 step 5 for
// one shard.
func (m *Manager) evaluateShard(ctx context.Context, shardID string, sh shardgraph.Shard, forest shardgraph.Forest, state statestore.StreamState, liveConsumers map[string]bool, ownedCount, maxActive int) (action, string) {
	// Read the shard's record fresh, after ensuring it exists, rather than
	// from the tick's reconcile snapshot: for a shard seen for the first
	// time, the snapshot predates EnsureShardStateExists and still carries
	// a zero-value record (Version ""), which would never match the
	// just-written version and lose the acquire race.
	lineage := m.store.LineageView(state)
	_, record, err := m.store.GetShardAndStreamState(ctx, shardID, sh)
	if err != nil {
		m.log.Errorf("getShardAndStreamState(%s) failed (swallowed): %v", shardID, err)
		return actionSkip, "ensure failed"
	}

	now := time.Now().UTC()
	renewThreshold := m.cfg.RenewThreshold()

	switch {
	case record.Depleted || lineage[shardID].Depleted:
		return actionSkip, "depleted, can't be leased"

	case record.LeaseOwner != nil && *record.LeaseOwner == m.consumerID:
		timeLeft := time.Duration(0)
		if record.LeaseExpiration != nil {
			timeLeft = record.LeaseExpiration.Sub(now)
		}
		if timeLeft > renewThreshold {
			return actionSkip, "owned by this consumer"
		}
		if ok, err := m.store.LockShardLease(ctx, shardID, m.cfg.LeaseTerm(), record.Version); err != nil {
			m.log.Errorf("renew lockShardLease(%s) failed (swallowed): %v", shardID, err)
		} else if ok {
			return actionRenew, "time to renew"
		}
		return actionSkip, "renew lost race"

	case record.LeaseOwner != nil && !liveConsumers[*record.LeaseOwner]:
		return m.tryAcquire(ctx, shardID, record, "owner is gone", actionReclaim)

	case record.LeaseOwner != nil && record.LeaseExpiration != nil && now.After(*record.LeaseExpiration):
		return m.tryAcquire(ctx, shardID, record, "expired lease", actionSteal)

	case record.LeaseOwner != nil:
		return actionSkip, "owned by " + *record.LeaseOwner
	}

	if parent := forest.Parent(shardID); parent != "" {
		if parentRecord, ok := lineage[parent]; !ok || !parentRecord.Depleted {
			return actionSkip, "parent not depleted"
		}
	}

	if m.cfg.UseAutoShardAssignment && ownedCount >= maxActive {
		return actionSkipMaxReached, "max leases reached"
	}

	if ok, err := m.store.LockShardLease(ctx, shardID, m.cfg.LeaseTerm(), record.Version); err != nil {
		m.log.Errorf("lockShardLease(%s) failed (swallowed): %v", shardID, err)
		return actionSkip, "acquire error"
	} else if ok {
		return actionAcquire, "acquired"
	}
	return actionSkip, "lost acquire race"
}

func (m *Manager) tryAcquire(ctx context.Context, shardID string, record statestore.ShardRecord, reason string, successAction action) (action, string) {
	newVersion, ok, err := m.store.ReleaseShardLease(ctx, shardID, record.Version)
	if err != nil {
		m.log.Errorf("releaseShardLease(%s) failed (swallowed): %v", shardID, err)
		return actionSkip, reason
	}
	if !ok {
		return actionSkip, reason + " (release lost race)"
	}
	if ok, err := m.store.LockShardLease(ctx, shardID, m.cfg.LeaseTerm(), newVersion); err != nil {
		m.log.Errorf("lockShardLease(%s) after release failed (swallowed): %v", shardID, err)
		return actionSkip, reason
	} else if ok {
		return successAction, reason
	}
	return actionSkip, reason + " (lock lost race)"
}
