package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.True(t, cfg.UseAutoShardAssignment)
	assert.False(t, cfg.UseEnhancedFanOut)
	assert.Equal(t, int64(300_000), cfg.LeaseTermMs)
	assert.Equal(t, int64(20_000), cfg.ReconcileEveryMs)
	assert.Equal(t, int64(60_000), cfg.HeartbeatFailureTimeoutMs)
	assert.Equal(t, int64(10_000), cfg.Limit)
	assert.Equal(t, int64(250), cfg.PollDelayMs)
	assert.Equal(t, int64(1_000), cfg.NoRecordsPollDelayMs)
	assert.Equal(t, Latest, cfg.InitialPositionInStream)
	assert.True(t, cfg.UseAutoCheckpoints)
	assert.False(t, cfg.UsePausedPolling)
}

func TestValidateRequiresStreamAndGroup(t *testing.T) {
	cfg := NewConfig()
	assert.Error(t, cfg.Validate())

	cfg.StreamName = "orders"
	assert.Error(t, cfg.Validate())

	cfg.ConsumerGroup = "billing"
	require.NoError(t, cfg.Validate())
}

func TestValidateDerivesKVTableName(t *testing.T) {
	cfg := NewConfig()
	cfg.StreamName = "orders"
	cfg.ConsumerGroup = "billing"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "billing-state", cfg.KVTable.Name)
}

func TestValidatePrefersAppNameForKVTable(t *testing.T) {
	cfg := NewConfig()
	cfg.StreamName = "orders"
	cfg.ConsumerGroup = "billing"
	cfg.AppName = "checkout-service"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "checkout-service-state", cfg.KVTable.Name)
}

func TestDurationHelpers(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 300_000*time.Millisecond, cfg.LeaseTerm())
	assert.Equal(t, 150_000*time.Millisecond, cfg.RenewThreshold())
	assert.Equal(t, 20_000*time.Millisecond, cfg.ReconcileEvery())
}
