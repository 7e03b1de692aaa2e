// Package config defines the yaml-tagged configuration surface recognized
// by the core, following the Config/NewConfig() idiom the teacher uses for
// every component type (see internal/component/ratelimit/config.go).
// Loading a Config from disk is an external collaborator per spec.md §1;
// this package only defines the struct and its defaults.
package config

import (
	"fmt"
	"time"

	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/retries"
)

// InitialPosition selects where a fresh Polling Consumer starts reading a
// shard that has no checkpoint yet.
type InitialPosition string

const (
	Latest      InitialPosition = "LATEST"
	TrimHorizon InitialPosition = "TRIM_HORIZON"
)

// KVTableConfig controls provisioning of the coordination table, lifted
// from the teacher's kiddbField{Table,Create,BillingMode,...} fields in
// input_kinesis.go.
type KVTableConfig struct {
	Name               string `yaml:"name"`
	Create             bool   `yaml:"create"`
	BillingMode        string `yaml:"billing_mode"`
	ReadCapacityUnits  int64  `yaml:"read_capacity_units"`
	WriteCapacityUnits int64  `yaml:"write_capacity_units"`
	Tags               map[string]string `yaml:"tags"`
}

// Config is the all-encompassing configuration struct for a Consumer,
// following ratelimit.Config/ratelimit.NewConfig()'s shape in the teacher.
type Config struct {
	StreamName     string `yaml:"stream_name"`
	ConsumerGroup  string `yaml:"consumer_group"`
	AppName        string `yaml:"app_name"`
	// ConsumerID, when empty, is derived as host:pid:uuid at construction.
	ConsumerID string `yaml:"consumer_id"`

	UseAutoShardAssignment bool `yaml:"use_auto_shard_assignment"`
	UseEnhancedFanOut      bool `yaml:"use_enhanced_fan_out"`

	LeaseTermMs               int64 `yaml:"lease_term_ms"`
	ReconcileEveryMs          int64 `yaml:"reconcile_every_ms"`
	HeartbeatFailureTimeoutMs int64 `yaml:"heartbeat_failure_timeout_ms"`
	MaxActiveLeases           int   `yaml:"max_active_leases"`

	Limit               int64 `yaml:"limit"`
	PollDelayMs         int64 `yaml:"poll_delay_ms"`
	NoRecordsPollDelayMs int64 `yaml:"no_records_poll_delay_ms"`

	InitialPositionInStream InitialPosition `yaml:"initial_position_in_stream"`
	UseAutoCheckpoints      bool            `yaml:"use_auto_checkpoints"`
	UsePausedPolling        bool            `yaml:"use_paused_polling"`

	KVTable KVTableConfig `yaml:"kv_table"`
	Logger  log.Config    `yaml:"logger"`
	Retries retries.Config `yaml:"retries"`
}

// NewConfig returns a Config fully populated with spec.md §6's defaults.
func NewConfig() Config {
	return Config{
		UseAutoShardAssignment: true,
		UseEnhancedFanOut:      false,

		LeaseTermMs:               300_000,
		ReconcileEveryMs:          20_000,
		HeartbeatFailureTimeoutMs: 60_000,

		Limit:                10_000,
		PollDelayMs:          250,
		NoRecordsPollDelayMs: 1_000,

		InitialPositionInStream: Latest,
		UseAutoCheckpoints:      true,
		UsePausedPolling:        false,

		KVTable: KVTableConfig{
			BillingMode: "PAY_PER_REQUEST",
			Tags:        map[string]string{},
		},
		Logger:  log.NewConfig(),
		Retries: retries.NewConfig(),
	}
}

// Validate checks the fields that must be set explicitly (spec.md §6:
// streamName and consumerGroup are required) and fills in derived
// defaults (the kvTableName default, derived from AppName or else
// ConsumerGroup, and an empty InitialPositionInStream set to LATEST).
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("consumer_group is required")
	}
	if c.KVTable.Name == "" {
		appName := c.AppName
		if appName == "" {
			appName = c.ConsumerGroup
		}
		c.KVTable.Name = fmt.Sprintf("%s-state", appName)
	}
	if c.InitialPositionInStream == "" {
		c.InitialPositionInStream = Latest
	}
	return nil
}

// LeaseTerm returns LeaseTermMs as a time.Duration.
func (c Config) LeaseTerm() time.Duration { return time.Duration(c.LeaseTermMs) * time.Millisecond }

// ReconcileEvery returns ReconcileEveryMs as a time.Duration.
func (c Config) ReconcileEvery() time.Duration {
	return time.Duration(c.ReconcileEveryMs) * time.Millisecond
}

// HeartbeatFailureTimeout returns HeartbeatFailureTimeoutMs as a time.Duration.
func (c Config) HeartbeatFailureTimeout() time.Duration {
	return time.Duration(c.HeartbeatFailureTimeoutMs) * time.Millisecond
}

// PollDelay returns PollDelayMs as a time.Duration.
func (c Config) PollDelay() time.Duration { return time.Duration(c.PollDelayMs) * time.Millisecond }

// NoRecordsPollDelay returns NoRecordsPollDelayMs as a time.Duration.
func (c Config) NoRecordsPollDelay() time.Duration {
	return time.Duration(c.NoRecordsPollDelayMs) * time.Millisecond
}

// RenewThreshold is leaseTermMs/2 per spec.md §4.3: renewal happens
// mid-lease.
func (c Config) RenewThreshold() time.Duration { return c.LeaseTerm() / 2 }
