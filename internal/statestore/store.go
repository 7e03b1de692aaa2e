package statestore

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/gofrs/uuid"

	"github.com/usedatabrew/kinlease/internal/kinerr"
	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/shardgraph"
)

// Store implements spec.md §4.2's operation table over a Client. The mode
// switch (standalone vs. auto-assignment) is fixed at construction time and
// only changes key-path prefixing, resolved per the Open Question in
// spec.md §9: shard lineage always lives in the global `shards` map, even
// in standalone mode; only lease/checkpoint state is consumer-scoped.
type Store struct {
	kv            *Client
	key           Key
	consumerID    string
	standalone    bool
	log           log.Modular
}

// New constructs a Store bound to one (consumerGroup, streamName) document.
func New(kv *Client, consumerGroup, streamName, consumerID string, standalone bool, logger log.Modular) *Store {
	return &Store{
		kv:         kv,
		key:        Key{ConsumerGroup: consumerGroup, StreamName: streamName},
		consumerID: consumerID,
		standalone: standalone,
		log:        logger,
	}
}

// Standalone reports whether this Store was constructed in standalone
// (private shard partition) mode.
func (s *Store) Standalone() bool { return s.standalone }

// ConsumerID returns this Store's bound consumer identity.
func (s *Store) ConsumerID() string { return s.consumerID }

func freshVersion() string {
	id, err := uuid.NewV4()
	if err != nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return id.String()
}

func (s *Store) read(ctx context.Context) (StreamState, bool, error) {
	item, ok, err := s.kv.Get(ctx, s.key)
	if err != nil || !ok {
		return StreamState{}, ok, err
	}
	state, err := unmarshalStreamState(item)
	return state, true, err
}

// InitStreamState implements spec.md §4.2's initStreamState: the document
// is created once (conditional on absence) and persists; if the upstream
// stream's creation timestamp has changed, the prior document is discarded
// and a fresh one written. Concurrent creators all succeed (benign race),
// matching the teacher's TryCreateCoordinatorMetadata tolerance for
// ConditionalCheckFailedException.
func (s *Store) InitStreamState(ctx context.Context, streamCreatedOn time.Time) error {
	existing, ok, err := s.read(ctx)
	if err != nil {
		return err
	}
	if ok && existing.StreamCreatedOn.Equal(streamCreatedOn) {
		return nil
	}
	fresh := StreamState{
		ConsumerGroup:   s.key.ConsumerGroup,
		StreamName:      s.key.StreamName,
		StreamCreatedOn: streamCreatedOn,
		Consumers:       map[string]ConsumerRecord{},
		Shards:          map[string]ShardRecord{},
		Version:         freshVersion(),
	}
	item, err := marshalStreamState(fresh)
	if err != nil {
		return err
	}
	if ok {
		s.log.Warnf("stream %s recreated, resetting coordination document", s.key.StreamName)
		return s.kv.Put(ctx, item, expression.ConditionBuilder{}, false)
	}
	cond := expression.AttributeNotExists(expression.Name("stream_name"))
	err = s.kv.Put(ctx, item, cond, true)
	if kinerr.IsPreconditionFailed(err) {
		s.log.Debugf("coordination document for %s already created by a peer", s.key.StreamName)
		return nil
	}
	return err
}

// RegisterConsumer implements spec.md §4.2's registerConsumer: the consumer
// record is created (or its heartbeat refreshed) unconditionally, matching
// the teacher's treatment of the heartbeat path as a best-effort refresh.
func (s *Store) RegisterConsumer(ctx context.Context, appName, host string, pid int) error {
	if state, ok, err := s.read(ctx); err == nil && ok {
		if _, exists := state.Consumers[s.consumerID]; exists {
			return s.Heartbeat(ctx)
		}
	}
	now := time.Now().UTC()
	upd := expression.Set(
		expression.Name("consumers").Name(s.consumerID),
		expression.Value(ConsumerRecord{
			AppName:      appName,
			Host:         host,
			Pid:          pid,
			StartedOn:    now,
			Heartbeat:    now,
			IsActive:     true,
			IsStandalone: s.standalone,
		}),
	)
	err := s.kv.Update(ctx, s.key, upd, expression.ConditionBuilder{}, false)
	if err != nil {
		s.log.Debugf("registerConsumer heartbeat refresh failed (non-fatal): %v", err)
		return nil
	}
	return nil
}

// Heartbeat refreshes this consumer's heartbeat timestamp only.
func (s *Store) Heartbeat(ctx context.Context) error {
	upd := expression.Set(
		expression.Name("consumers").Name(s.consumerID).Name("heartbeat"),
		expression.Value(time.Now().UTC()),
	)
	err := s.kv.Update(ctx, s.key, upd, expression.ConditionBuilder{}, false)
	if err != nil {
		s.log.Debugf("heartbeat refresh failed (non-fatal): %v", err)
	}
	return nil
}

// ClearOldConsumers implements spec.md §4.2's clearOldConsumers: every
// ConsumerRecord whose heartbeat is older than failureTimeout is dropped,
// guarded by the document version so a losing race is downgraded to debug.
// The update also bumps the document version itself, so two peers racing to
// clear the same stale consumer actually serialize on the condition instead
// of both passing it.
func (s *Store) ClearOldConsumers(ctx context.Context, failureTimeout time.Duration) error {
	state, ok, err := s.read(ctx)
	if err != nil || !ok {
		return err
	}
	cutoff := time.Now().UTC().Add(-failureTimeout)
	stale := make([]string, 0)
	for id, c := range state.Consumers {
		if c.Heartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	var upd expression.UpdateBuilder
	for i, id := range stale {
		path := expression.Name("consumers").Name(id)
		if i == 0 {
			upd = expression.Remove(path)
		} else {
			upd = upd.Remove(path)
		}
	}
	upd = upd.Set(expression.Name("version"), expression.Value(freshVersion()))
	cond := expression.Name("version").Equal(expression.Value(state.Version))
	err = s.kv.Update(ctx, s.key, upd, cond, true)
	if kinerr.IsPreconditionFailed(err) {
		s.log.Debugf("clearOldConsumers lost the race to a peer")
		return nil
	}
	return err
}

func (s *Store) shardPath(shardID string) expression.NameBuilder {
	if s.standalone {
		return expression.Name("consumers").Name(s.consumerID).Name("shards").Name(shardID)
	}
	return expression.Name("shards").Name(shardID)
}

func shardsMap(state StreamState, consumerID string, standalone bool) map[string]ShardRecord {
	if !standalone {
		return state.Shards
	}
	c, ok := state.Consumers[consumerID]
	if !ok {
		return map[string]ShardRecord{}
	}
	return c.Shards
}

// EnsureShardStateExists implements spec.md §4.2's ensureShardStateExists:
// conditional-create of a fresh ShardRecord, benign if already present.
// Lineage (`parent`) is always stored in the global `shards` map even in
// standalone mode, per the Open Question resolution in spec.md §9; only the
// lease/checkpoint fields are consumer-scoped.
func (s *Store) EnsureShardStateExists(ctx context.Context, shardID string, parent *string) error {
	if err := s.ensureGlobalLineage(ctx, shardID, parent); err != nil {
		return err
	}
	if !s.standalone {
		return nil
	}
	state, ok, err := s.read(ctx)
	if err != nil {
		return err
	}
	if ok {
		if c, exists := state.Consumers[s.consumerID]; exists {
			if _, has := c.Shards[shardID]; has {
				return nil
			}
		}
	}
	upd := expression.SetIfNotExists(s.shardPath(shardID), expression.Value(ShardRecord{
		Parent:   parent,
		Depleted: false,
		Version:  freshVersion(),
	}))
	return s.kv.Update(ctx, s.key, upd, expression.ConditionBuilder{}, false)
}

// ensureGlobalLineage seeds the global shards[shardID] lineage slot
// (parent/depleted), independent of ownership mode.
func (s *Store) ensureGlobalLineage(ctx context.Context, shardID string, parent *string) error {
	state, ok, err := s.read(ctx)
	if err != nil {
		return err
	}
	if ok {
		if _, has := state.Shards[shardID]; has {
			return nil
		}
	}
	upd := expression.SetIfNotExists(expression.Name("shards").Name(shardID), expression.Value(ShardRecord{
		Parent:   parent,
		Depleted: false,
		Version:  freshVersion(),
	}))
	return s.kv.Update(ctx, s.key, upd, expression.ConditionBuilder{}, false)
}

// GetShardAndStreamState implements spec.md §4.2's getShardAndStreamState:
// returns the full stream state plus this shard's record, seeding it first
// if necessary.
func (s *Store) GetShardAndStreamState(ctx context.Context, shardID string, shardData shardgraph.Shard) (StreamState, ShardRecord, error) {
	if err := s.EnsureShardStateExists(ctx, shardID, shardData.ParentShardID); err != nil {
		return StreamState{}, ShardRecord{}, err
	}
	state, ok, err := s.read(ctx)
	if err != nil {
		return StreamState{}, ShardRecord{}, err
	}
	if !ok {
		return StreamState{}, ShardRecord{}, kinerr.NotFound(s.key.StreamName, nil)
	}
	shards := shardsMap(state, s.consumerID, s.standalone)
	record, ok := shards[shardID]
	if !ok {
		if global, gok := state.Shards[shardID]; gok {
			record = global
		}
	}
	return state, record, nil
}

// LockShardLease implements spec.md §4.2's lockShardLease: conditional on
// the shard's current version matching expectedVersion, sets
// leaseOwner/leaseExpiration/version. Returns false (not an error) on
// PreconditionFailed, per the decision-table's "someone else moved first".
func (s *Store) LockShardLease(ctx context.Context, shardID string, leaseTerm time.Duration, expectedVersion string) (bool, error) {
	expiration := time.Now().UTC().Add(leaseTerm)
	path := s.shardPath(shardID)
	upd := expression.Set(path.Name("lease_owner"), expression.Value(s.consumerID)).
		Set(path.Name("lease_expiration"), expression.Value(expiration)).
		Set(path.Name("version"), expression.Value(freshVersion()))
	cond := path.Name("version").Equal(expression.Value(expectedVersion))
	err := s.kv.Update(ctx, s.key, upd, cond, true)
	if kinerr.IsPreconditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseShardLease implements spec.md §4.2's releaseShardLease:
// conditional on version, clears ownership and returns the fresh version.
// On PreconditionFailed, returns ("", false, nil) per the decision table's
// "returns null".
func (s *Store) ReleaseShardLease(ctx context.Context, shardID string, expectedVersion string) (string, bool, error) {
	newVersion := freshVersion()
	path := s.shardPath(shardID)
	upd := expression.Remove(path.Name("lease_owner")).
		Remove(path.Name("lease_expiration")).
		Set(path.Name("version"), expression.Value(newVersion))
	cond := path.Name("version").Equal(expression.Value(expectedVersion))
	err := s.kv.Update(ctx, s.key, upd, cond, true)
	if kinerr.IsPreconditionFailed(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return newVersion, true, nil
}

// StoreShardCheckpoint implements spec.md §4.2's storeShardCheckpoint: an
// unconditional update of checkpoint + a fresh version, per I2/I6.
func (s *Store) StoreShardCheckpoint(ctx context.Context, shardID, sequenceNumber string) error {
	path := s.shardPath(shardID)
	upd := expression.Set(path.Name("checkpoint"), expression.Value(sequenceNumber)).
		Set(path.Name("version"), expression.Value(freshVersion()))
	return s.kv.Update(ctx, s.key, upd, expression.ConditionBuilder{}, false)
}

// MarkShardAsDepleted implements spec.md §4.2's markShardAsDepleted: sets
// the parent's depleted flag and, only if the parent had a checkpoint,
// seeds each child's checkpoint to its StartingSequenceNumber (I5), all in
// one update, satisfying I4 (depletion is terminal: this never clears it).
// A parent depleted with no checkpoint of its own (never consumed) leaves
// its children to start from their own InitialPositionInStream instead.
func (s *Store) MarkShardAsDepleted(ctx context.Context, shards []shardgraph.Shard, parentShardID string) error {
	state, ok, err := s.read(ctx)
	if err != nil {
		return err
	}
	var parentCheckpoint *string
	if ok {
		parentCheckpoint = state.Shards[parentShardID].Checkpoint
	}

	parentPath := expression.Name("shards").Name(parentShardID)
	upd := expression.Set(parentPath.Name("depleted"), expression.Value(true)).
		Set(parentPath.Name("version"), expression.Value(freshVersion()))

	for _, child := range shards {
		if child.ParentShardID == nil || *child.ParentShardID != parentShardID {
			continue
		}
		childPath := expression.Name("shards").Name(child.ShardID)
		if parentCheckpoint != nil {
			upd = upd.Set(childPath.Name("checkpoint"), expression.Value(child.StartingSequenceNumber))
		}
		upd = upd.SetIfNotExists(childPath.Name("parent"), expression.Value(&parentShardID)).
			SetIfNotExists(childPath.Name("depleted"), expression.Value(false)).
			Set(childPath.Name("version"), expression.Value(freshVersion()))
	}

	return s.kv.Update(ctx, s.key, upd, expression.ConditionBuilder{}, false)
}

// GetOwnedShards implements spec.md §4.2's getOwnedShards: every shard
// record in this consumer's scope with leaseOwner==self.
func (s *Store) GetOwnedShards(ctx context.Context) (map[string]OwnedShard, error) {
	state, ok, err := s.read(ctx)
	if err != nil || !ok {
		return map[string]OwnedShard{}, err
	}
	owned := make(map[string]OwnedShard)
	for shardID, rec := range shardsMap(state, s.consumerID, s.standalone) {
		if rec.LeaseOwner == nil || *rec.LeaseOwner != s.consumerID {
			continue
		}
		var exp time.Time
		if rec.LeaseExpiration != nil {
			exp = *rec.LeaseExpiration
		}
		owned[shardID] = OwnedShard{
			ShardID:         shardID,
			Checkpoint:      rec.Checkpoint,
			LeaseExpiration: exp,
			Version:         rec.Version,
		}
	}
	return owned, nil
}

// Snapshot returns the current coordination document, for callers (the
// Lease Manager) that need a single consistent read across many shards in
// one reconcile tick instead of one read per shard.
func (s *Store) Snapshot(ctx context.Context) (StreamState, bool, error) {
	return s.read(ctx)
}

// LineageView returns the global shard lineage map (parent/depleted),
// always read from `shards` regardless of ownership mode, per the Open
// Question resolution in spec.md §9.
func (s *Store) LineageView(state StreamState) map[string]ShardRecord {
	if state.Shards == nil {
		return map[string]ShardRecord{}
	}
	return state.Shards
}

// LeaseView returns the mode-dependent lease/checkpoint map: the
// consumer-scoped sub-map in standalone mode, the global map in
// auto-assignment mode.
func (s *Store) LeaseView(state StreamState) map[string]ShardRecord {
	return shardsMap(state, s.consumerID, s.standalone)
}

// ActiveConsumers returns the IDs of consumers whose heartbeat is within
// failureTimeout of now, used by the Lease Manager's liveness checks
// against the decision table ("owner is a known live consumer").
func (s *Store) ActiveConsumers(ctx context.Context, failureTimeout time.Duration) (map[string]bool, error) {
	state, ok, err := s.read(ctx)
	if err != nil || !ok {
		return map[string]bool{}, err
	}
	cutoff := time.Now().UTC().Add(-failureTimeout)
	live := make(map[string]bool, len(state.Consumers))
	for id, c := range state.Consumers {
		if !c.Heartbeat.Before(cutoff) {
			live[id] = true
		}
	}
	return live, nil
}

// ShardForest returns the current global lineage as a shardgraph.Forest,
// from whichever shards the stream-service listing supplies (the
// coordination document's `depleted` flag is layered on separately by
// callers via GetShardAndStreamState).
func ShardForest(shards []shardgraph.Shard) shardgraph.Forest {
	return shardgraph.Build(shards)
}
