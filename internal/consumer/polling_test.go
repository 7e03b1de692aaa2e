package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usedatabrew/kinlease/internal/config"
	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/retries"
	"github.com/usedatabrew/kinlease/internal/shardgraph"
	"github.com/usedatabrew/kinlease/internal/statestore"
	"github.com/usedatabrew/kinlease/internal/statestore/storetest"
	"github.com/usedatabrew/kinlease/internal/streamclient"
	"github.com/usedatabrew/kinlease/internal/streamclient/streamtest"
)

func newTestPolling(t *testing.T, cfg config.Config, api *streamtest.FakeKinesis) (*Polling, *statestore.Store) {
	t.Helper()
	kv, err := statestore.NewClient(storetest.New(), "kinlease-test", retries.NewConfig(), log.Noop())
	require.NoError(t, err)
	store := statestore.New(kv, "billing", cfg.StreamName, "c1", false, log.Noop())
	require.NoError(t, store.InitStreamState(context.Background(), time.Now()))
	require.NoError(t, store.EnsureShardStateExists(context.Background(), "shard-000", nil))

	sc, err := streamclient.New(api, retries.NewConfig(), log.Noop())
	require.NoError(t, err)

	push := func(Delivery) (Feedback, error) { return Feedback{ContinuePolling: true}, nil }
	p := New(cfg, "shard-000", nil, time.Now().Add(time.Hour), store, sc, push, log.Noop())
	p.stopc = make(chan struct{})
	p.continuec = make(chan struct{}, 1)
	return p, store
}

func baseConfig() config.Config {
	cfg := config.NewConfig()
	cfg.StreamName = "orders"
	cfg.ConsumerGroup = "billing"
	return cfg
}

func TestPollOnceDeliversAndAutoCheckpoints(t *testing.T) {
	api := &streamtest.FakeKinesis{
		Records: []*kinesis.Record{
			{SequenceNumber: aws.String("100"), PartitionKey: aws.String("pk"), Data: []byte("hello")},
		},
		NextIterator: "iter-2",
	}
	p, store := newTestPolling(t, baseConfig(), api)

	res, delay := p.pollOnce(context.Background())
	assert.Equal(t, pollContinue, res)
	assert.Equal(t, p.cfg.PollDelay(), delay)

	_, rec, err := store.GetShardAndStreamState(context.Background(), "shard-000", shardgraph.Shard{ShardID: "shard-000"})
	require.NoError(t, err)
	require.NotNil(t, rec.Checkpoint)
	assert.Equal(t, "100", *rec.Checkpoint)
}

func TestPollOnceHonorsCallerCheckpointWhenAutoCheckpointsOff(t *testing.T) {
	cfg := baseConfig()
	cfg.UseAutoCheckpoints = false
	api := &streamtest.FakeKinesis{
		Records: []*kinesis.Record{
			{SequenceNumber: aws.String("100"), PartitionKey: aws.String("pk"), Data: []byte("hello")},
		},
		NextIterator: "iter-2",
	}
	p, store := newTestPolling(t, cfg, api)
	want := "150"
	p.push = func(Delivery) (Feedback, error) { return Feedback{SetCheckpoint: &want, ContinuePolling: true}, nil }

	_, _ = p.pollOnce(context.Background())

	_, rec, err := store.GetShardAndStreamState(context.Background(), "shard-000", shardgraph.Shard{ShardID: "shard-000"})
	require.NoError(t, err)
	require.NotNil(t, rec.Checkpoint)
	assert.Equal(t, "150", *rec.Checkpoint)
}

func TestPollOnceDrainsAtEndOfShard(t *testing.T) {
	api := &streamtest.FakeKinesis{
		Records:      nil,
		NextIterator: "",
		ShardPages: [][]*kinesis.Shard{
			{{ShardId: aws.String("shard-000"), SequenceNumberRange: &kinesis.SequenceNumberRange{StartingSequenceNumber: aws.String("1")}}},
		},
	}
	p, store := newTestPolling(t, baseConfig(), api)

	res, _ := p.pollOnce(context.Background())
	assert.Equal(t, pollStop, res)
	assert.True(t, p.isStopped())

	_, rec, err := store.GetShardAndStreamState(context.Background(), "shard-000", shardgraph.Shard{ShardID: "shard-000"})
	require.NoError(t, err)
	assert.True(t, rec.Depleted)
}

func TestPollOnceReacquiresExpiredIterator(t *testing.T) {
	api := &streamtest.FakeKinesis{GetRecordsErr: streamtest.ExpiredIteratorErr()}
	p, _ := newTestPolling(t, baseConfig(), api)
	p.iterator = "stale-iterator"

	res, _ := p.pollOnce(context.Background())
	assert.Equal(t, pollImmediate, res)
	assert.Empty(t, p.iterator, "an expired iterator must be dropped so the next poll reacquires")
}

func TestPollOnceStopsWhenLeaseExpired(t *testing.T) {
	api := &streamtest.FakeKinesis{}
	p, _ := newTestPolling(t, baseConfig(), api)
	p.leaseExpiration = time.Now().Add(-time.Minute)

	res, _ := p.pollOnce(context.Background())
	assert.Equal(t, pollStop, res)
	assert.True(t, p.isStopped())
}

func TestPollOncePausesWhenFeedbackDeclinesContinue(t *testing.T) {
	cfg := baseConfig()
	cfg.UsePausedPolling = true
	api := &streamtest.FakeKinesis{
		Records: []*kinesis.Record{
			{SequenceNumber: aws.String("100"), PartitionKey: aws.String("pk"), Data: []byte("hello")},
		},
		NextIterator: "iter-2",
	}
	p, _ := newTestPolling(t, cfg, api)
	p.push = func(Delivery) (Feedback, error) { return Feedback{ContinuePolling: false}, nil }

	res, _ := p.pollOnce(context.Background())
	assert.Equal(t, pollPaused, res)
}
