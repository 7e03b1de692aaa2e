package streamclient

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/retries"
	"github.com/usedatabrew/kinlease/internal/streamclient/streamtest"
)

func newTestClient(t *testing.T, api *streamtest.FakeKinesis) *Client {
	t.Helper()
	c, err := New(api, retries.NewConfig(), log.Noop())
	require.NoError(t, err)
	return c
}

func TestDescribeStreamSummaryMapsFields(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &streamtest.FakeKinesis{DescribeSummaryOut: &kinesis.DescribeStreamSummaryOutput{
		StreamDescriptionSummary: &kinesis.StreamDescriptionSummary{
			StreamARN:               aws.String("arn:aws:kinesis:us-east-1:1:stream/orders"),
			StreamName:              aws.String("orders"),
			StreamStatus:            aws.String(kinesis.StreamStatusActive),
			StreamCreationTimestamp: aws.Time(created),
			OpenShardCount:          aws.Int64(4),
		},
	}}
	c := newTestClient(t, api)

	desc, err := c.DescribeStreamSummary(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", desc.StreamName)
	assert.Equal(t, kinesis.StreamStatusActive, desc.Status)
	assert.Equal(t, 4, desc.OpenShards)
	assert.True(t, created.Equal(desc.CreatedOn))
}

func TestDescribeStreamSummaryFallsBackOnUnknownOperation(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &streamtest.FakeKinesis{
		DescribeSummaryErr: awserr.New("UnknownOperationException", "unsupported", nil),
		DescribeStreamOut: &kinesis.DescribeStreamOutput{
			StreamDescription: &kinesis.StreamDescription{
				StreamARN:               aws.String("arn:aws:kinesis:us-east-1:1:stream/orders"),
				StreamName:              aws.String("orders"),
				StreamStatus:            aws.String(kinesis.StreamStatusActive),
				StreamCreationTimestamp: aws.Time(created),
				Shards: []*kinesis.Shard{
					{ShardId: aws.String("shard-000"), SequenceNumberRange: &kinesis.SequenceNumberRange{StartingSequenceNumber: aws.String("1")}},
					{ShardId: aws.String("shard-001"), SequenceNumberRange: &kinesis.SequenceNumberRange{StartingSequenceNumber: aws.String("1"), EndingSequenceNumber: aws.String("2")}},
				},
			},
		},
	}
	c := newTestClient(t, api)

	desc, err := c.DescribeStreamSummary(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, desc.OpenShards, "only the shard with no ending sequence number is open")
}

func TestListShardsPaginates(t *testing.T) {
	api := &streamtest.FakeKinesis{ShardPages: [][]*kinesis.Shard{
		{{ShardId: aws.String("shard-000"), SequenceNumberRange: &kinesis.SequenceNumberRange{StartingSequenceNumber: aws.String("1")}}},
		{{ShardId: aws.String("shard-001"), SequenceNumberRange: &kinesis.SequenceNumberRange{StartingSequenceNumber: aws.String("2")}}},
	}}
	c := newTestClient(t, api)

	shards, err := c.ListShards(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, "shard-000", shards[0].ShardID)
	assert.Equal(t, "shard-001", shards[1].ShardID)
}

func TestGetShardIteratorFallsBackOnInvalidArgument(t *testing.T) {
	api := &streamtest.FakeKinesis{GetIteratorErr: streamtest.InvalidArgumentErr(), RejectIteratorOf: kinesis.ShardIteratorTypeAfterSequenceNumber}
	c := newTestClient(t, api)

	iter, err := c.GetShardIterator(context.Background(), "orders", "shard-000", "49500000000000", kinesis.ShardIteratorTypeTrimHorizon)
	require.NoError(t, err)
	assert.Equal(t, "iter-"+kinesis.ShardIteratorTypeTrimHorizon, iter)
}

func TestGetShardIteratorUsesAfterSequenceWhenAccepted(t *testing.T) {
	api := &streamtest.FakeKinesis{}
	c := newTestClient(t, api)

	iter, err := c.GetShardIterator(context.Background(), "orders", "shard-000", "49500000000000", kinesis.ShardIteratorTypeTrimHorizon)
	require.NoError(t, err)
	assert.Equal(t, "iter-"+kinesis.ShardIteratorTypeAfterSequenceNumber, iter)
}

func TestGetRecordsClassifiesExpiredIterator(t *testing.T) {
	api := &streamtest.FakeKinesis{GetRecordsErr: streamtest.ExpiredIteratorErr()}
	c := newTestClient(t, api)

	_, err := c.GetRecords(context.Background(), "some-iterator", 100)
	require.Error(t, err)
	assert.True(t, IsExpiredIterator(err))
}

func TestCreateStreamSwallowsResourceInUse(t *testing.T) {
	api := &streamtest.FakeKinesis{CreateStreamErr: streamtest.ResourceInUseErr()}
	c := newTestClient(t, api)

	err := c.CreateStream(context.Background(), "orders", 4)
	assert.NoError(t, err)
	assert.Equal(t, 1, api.CreateStreamCalls)
}
