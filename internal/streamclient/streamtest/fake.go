// Package streamtest provides a hand-rolled in-memory double for the slice
// of kinesisiface.KinesisAPI that internal/streamclient.Client consumes, for
// reuse across that package's own tests and its callers' (internal/lease,
// internal/consumer).
package streamtest

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
)

// FakeKinesis is a minimal in-memory double for the slice of
// kinesisiface.KinesisAPI that streamclient.Client consumes.
type FakeKinesis struct {
	kinesisiface.KinesisAPI

	DescribeSummaryErr error
	DescribeSummaryOut *kinesis.DescribeStreamSummaryOutput
	DescribeStreamOut  *kinesis.DescribeStreamOutput

	ShardPages [][]*kinesis.Shard

	GetIteratorErr   error
	IteratorsIssued  []string
	RejectIteratorOf string // shard iterator type to reject with InvalidArgumentException

	Records       []*kinesis.Record
	GetRecordsErr error
	NextIterator  string

	CreateStreamCalls int
	CreateStreamErr   error
}

func (f *FakeKinesis) DescribeStreamSummaryWithContext(_ aws.Context, _ *kinesis.DescribeStreamSummaryInput, _ ...request.Option) (*kinesis.DescribeStreamSummaryOutput, error) {
	if f.DescribeSummaryErr != nil {
		return nil, f.DescribeSummaryErr
	}
	return f.DescribeSummaryOut, nil
}

func (f *FakeKinesis) DescribeStreamWithContext(_ aws.Context, _ *kinesis.DescribeStreamInput, _ ...request.Option) (*kinesis.DescribeStreamOutput, error) {
	return f.DescribeStreamOut, nil
}

func (f *FakeKinesis) CreateStreamWithContext(_ aws.Context, _ *kinesis.CreateStreamInput, _ ...request.Option) (*kinesis.CreateStreamOutput, error) {
	f.CreateStreamCalls++
	if f.CreateStreamErr != nil {
		return nil, f.CreateStreamErr
	}
	return &kinesis.CreateStreamOutput{}, nil
}

func (f *FakeKinesis) ListShardsWithContext(_ aws.Context, in *kinesis.ListShardsInput, _ ...request.Option) (*kinesis.ListShardsOutput, error) {
	page := 0
	if in.NextToken != nil {
		page = int(aws.StringValue(in.NextToken)[0] - '0')
	}
	out := &kinesis.ListShardsOutput{Shards: f.ShardPages[page]}
	if page+1 < len(f.ShardPages) {
		out.NextToken = aws.String(string(rune('0' + page + 1)))
	}
	return out, nil
}

func (f *FakeKinesis) GetShardIteratorWithContext(_ aws.Context, in *kinesis.GetShardIteratorInput, _ ...request.Option) (*kinesis.GetShardIteratorOutput, error) {
	if f.GetIteratorErr != nil && aws.StringValue(in.ShardIteratorType) == f.RejectIteratorOf {
		return nil, f.GetIteratorErr
	}
	iter := "iter-" + aws.StringValue(in.ShardIteratorType)
	f.IteratorsIssued = append(f.IteratorsIssued, iter)
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String(iter)}, nil
}

func (f *FakeKinesis) GetRecordsWithContext(_ aws.Context, _ *kinesis.GetRecordsInput, _ ...request.Option) (*kinesis.GetRecordsOutput, error) {
	if f.GetRecordsErr != nil {
		return nil, f.GetRecordsErr
	}
	return &kinesis.GetRecordsOutput{
		Records:            f.Records,
		NextShardIterator:  aws.String(f.NextIterator),
		MillisBehindLatest: aws.Int64(0),
	}, nil
}

// InvalidArgumentErr builds the error the service returns when an iterator
// request's sequence number is rejected.
func InvalidArgumentErr() error {
	return awserr.New(kinesis.ErrCodeInvalidArgumentException, "bad sequence number", nil)
}

// ExpiredIteratorErr builds the error the service returns for a stale
// shard iterator.
func ExpiredIteratorErr() error {
	return awserr.New(kinesis.ErrCodeExpiredIteratorException, "iterator expired", nil)
}

// ResourceInUseErr builds the error the service returns for an
// already-existing stream.
func ResourceInUseErr() error {
	return awserr.New(kinesis.ErrCodeResourceInUseException, "already exists", nil)
}
