// Package consumersmanager implements the downstream Consumers Manager of
// spec.md §4.3/§4.6: it owns the live shardID -> Polling Consumer map and
// reacts to the Lease Manager's reconcile/stop calls. Grounded on the
// teacher's `wg sync.WaitGroup` goroutine-per-shard lifecycle pairing in
// input_kinesis.go's runConsumer, generalized from "one goroutine per shard"
// into "one *consumer.Polling per owned shard, tracked by a map".
package consumersmanager

import (
	"context"
	"sync"

	"github.com/usedatabrew/kinlease/internal/config"
	"github.com/usedatabrew/kinlease/internal/consumer"
	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/statestore"
	"github.com/usedatabrew/kinlease/internal/streamclient"
)

// Manager owns every live Polling Consumer for one Lease Manager instance.
type Manager struct {
	cfg          config.Config
	store        *statestore.Store
	streamClient *streamclient.Client
	push         consumer.PushFunc
	log          log.Modular

	mu      sync.Mutex
	pollers map[string]*consumer.Polling
}

// New constructs an empty Manager.
func New(cfg config.Config, store *statestore.Store, streamClient *streamclient.Client, push consumer.PushFunc, logger log.Modular) *Manager {
	return &Manager{
		cfg:          cfg,
		store:        store,
		streamClient: streamClient,
		push:         push,
		log:          logger,
		pollers:      make(map[string]*consumer.Polling),
	}
}

// Reconcile diffs owned against the live map: shards present in owned but
// not yet running get a new Polling Consumer started; shards running but
// no longer in owned get stopped. Lease-renewal updates for shards that
// stay owned propagate their new expiration without a restart.
func (m *Manager) Reconcile(ctx context.Context, owned map[string]statestore.OwnedShard) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for shardID, o := range owned {
		if p, ok := m.pollers[shardID]; ok {
			p.UpdateLeaseExpiration(o.LeaseExpiration)
			continue
		}
		p := consumer.New(m.cfg, shardID, o.Checkpoint, o.LeaseExpiration, m.store, m.streamClient, m.push, m.log)
		m.pollers[shardID] = p
		p.Start(ctx)
		m.log.Infof("started polling consumer for shard %s", shardID)
	}

	for shardID, p := range m.pollers {
		if _, stillOwned := owned[shardID]; stillOwned {
			continue
		}
		p.Stop()
		delete(m.pollers, shardID)
		m.log.Infof("stopped polling consumer for shard %s (lease lost)", shardID)
	}
}

// Stop stops every live Polling Consumer, for when the Lease Manager
// observes the stream no longer exists.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for shardID, p := range m.pollers {
		p.Stop()
		delete(m.pollers, shardID)
	}
}

// Len reports how many Polling Consumers are currently live, for tests and
// diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollers)
}
