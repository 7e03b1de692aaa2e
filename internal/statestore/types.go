// Package statestore implements the State Store and its backing coordination
// KV client, per spec.md §3-4.2: the single source of truth for shard
// ownership, leases, checkpoints, and heartbeats, held in one coordination
// document per (consumerGroup, streamName) pair.
package statestore

import "time"

// ConsumerRecord tracks one live consumer process in the coordination
// document, per spec.md §3.
type ConsumerRecord struct {
	AppName   string    `dynamodbav:"app_name"`
	Host      string    `dynamodbav:"host"`
	Pid       int       `dynamodbav:"pid"`
	StartedOn time.Time `dynamodbav:"started_on"`
	Heartbeat time.Time `dynamodbav:"heartbeat"`
	IsActive  bool      `dynamodbav:"is_active"`
	// IsStandalone records which ownership mode this consumer was started
	// in, for diagnostics only (spec.md §9: "participate in no invariant").
	IsStandalone bool `dynamodbav:"is_standalone"`
	// Shards holds this consumer's private shard sub-map in standalone
	// mode; nil in auto-assignment mode.
	Shards map[string]ShardRecord `dynamodbav:"shards,omitempty"`
}

// ShardRecord is the per-shard coordination slot, per spec.md §3.
type ShardRecord struct {
	Parent          *string    `dynamodbav:"parent"`
	Checkpoint      *string    `dynamodbav:"checkpoint"`
	Depleted        bool       `dynamodbav:"depleted"`
	LeaseOwner      *string    `dynamodbav:"lease_owner"`
	LeaseExpiration *time.Time `dynamodbav:"lease_expiration"`
	Version         string     `dynamodbav:"version"`
}

// StreamState is the full coordination document for one (consumerGroup,
// streamName) pair, per spec.md §3.
type StreamState struct {
	ConsumerGroup   string                     `dynamodbav:"consumer_group"`
	StreamName      string                     `dynamodbav:"stream_name"`
	StreamCreatedOn time.Time                  `dynamodbav:"stream_created_on"`
	Consumers       map[string]ConsumerRecord  `dynamodbav:"consumers"`
	Shards          map[string]ShardRecord     `dynamodbav:"shards"`
	Version         string                     `dynamodbav:"version"`
}

// OwnedShard is the projection returned by GetOwnedShards: just enough for
// the Consumers Manager to spin up a Polling Consumer, per spec.md §4.2.
type OwnedShard struct {
	ShardID         string
	Checkpoint      *string
	LeaseExpiration time.Time
	Version         string
}
