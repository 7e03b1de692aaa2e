// Package streamclient wraps the stream-service RPC client (kinesisiface)
// behind the typed operations spec.md §4.2/§6 require, grounded on
// kinesisReader's getIter/getRecords in the teacher's input_kinesis.go and
// on the paginated ListShards loop in
// k8s/test/test-consumer/lease_manager.go's GetShardCount.
package streamclient

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/cenkalti/backoff/v4"

	"github.com/usedatabrew/kinlease/internal/kinerr"
	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/retries"
	"github.com/usedatabrew/kinlease/internal/shardgraph"
)

// retryEligible lists the error codes spec.md §6 names as retry-eligible.
// Everything else (notably InvalidArgumentException, ResourceNotFoundException,
// ResourceInUseException) is not retried.
var retryEligible = map[string]bool{
	kinesis.ErrCodeProvisionedThroughputExceededException: true,
	"EADDRINUSE":                                          true,
	"ECONNREFUSED":                                        true,
	"ECONNRESET":                                           true,
	"EPIPE":                                                true,
	"ESOCKETTIMEDOUT":                                      true,
	"ETIMEDOUT":                                            true,
	"NetworkingError":                                      true,
	"TimeoutError":                                         true,
}

// StreamDescription normalizes DescribeStream and DescribeStreamSummary
// responses into one shape, per spec.md §6's documented fallback.
type StreamDescription struct {
	StreamARN   string
	StreamName  string
	Status      string
	CreatedOn   time.Time
	OpenShards  int
}

// Client wraps kinesisiface.KinesisAPI with spec.md §4.2's retry policy and
// error classification.
type Client struct {
	api         kinesisiface.KinesisAPI
	backoffCtor func() backoff.BackOff
	log         log.Modular
}

// New wraps api, constructing its retry policy from rConf.
func New(api kinesisiface.KinesisAPI, rConf retries.Config, logger log.Modular) (*Client, error) {
	ctor, err := rConf.GetCtor()
	if err != nil {
		return nil, err
	}
	return &Client{api: api, backoffCtor: ctor, log: logger}, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case kinesis.ErrCodeResourceNotFoundException:
			return backoff.Permanent(kinerr.NotFound("", aerr))
		case kinesis.ErrCodeResourceInUseException:
			return backoff.Permanent(kinerr.Fatal(aerr))
		case kinesis.ErrCodeInvalidArgumentException:
			return backoff.Permanent(kinerr.Fatal(aerr))
		case kinesis.ErrCodeExpiredIteratorException:
			return backoff.Permanent(kinerr.Fatal(aerr))
		}
		if retryEligible[aerr.Code()] {
			return kinerr.Transient(aerr)
		}
		return backoff.Permanent(kinerr.Fatal(aerr))
	}
	return kinerr.Transient(err)
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	op := func() error {
		return classify(fn())
	}
	return backoff.Retry(op, backoff.WithContext(c.backoffCtor(), ctx))
}

// DescribeStreamSummary falls back to DescribeStream on
// UnknownOperationException, per spec.md §6.
func (c *Client) DescribeStreamSummary(ctx context.Context, streamName string) (StreamDescription, error) {
	var out StreamDescription
	err := c.withRetry(ctx, func() error {
		res, serr := c.api.DescribeStreamSummaryWithContext(ctx, &kinesis.DescribeStreamSummaryInput{
			StreamName: aws.String(streamName),
		})
		if serr != nil {
			if aerr, ok := serr.(awserr.Error); ok && aerr.Code() == "UnknownOperationException" {
				return c.describeStreamFallback(ctx, streamName, &out)
			}
			return serr
		}
		desc := res.StreamDescriptionSummary
		out = StreamDescription{
			StreamARN:  aws.StringValue(desc.StreamARN),
			StreamName: aws.StringValue(desc.StreamName),
			Status:     aws.StringValue(desc.StreamStatus),
			CreatedOn:  aws.TimeValue(desc.StreamCreationTimestamp),
			OpenShards: int(aws.Int64Value(desc.OpenShardCount)),
		}
		return nil
	})
	return out, err
}

func (c *Client) describeStreamFallback(ctx context.Context, streamName string, out *StreamDescription) error {
	res, err := c.api.DescribeStreamWithContext(ctx, &kinesis.DescribeStreamInput{StreamName: aws.String(streamName)})
	if err != nil {
		return err
	}
	desc := res.StreamDescription
	open := 0
	for _, sh := range desc.Shards {
		if sh.SequenceNumberRange.EndingSequenceNumber == nil {
			open++
		}
	}
	*out = StreamDescription{
		StreamARN:  aws.StringValue(desc.StreamARN),
		StreamName: aws.StringValue(desc.StreamName),
		Status:     aws.StringValue(desc.StreamStatus),
		CreatedOn:  aws.TimeValue(desc.StreamCreationTimestamp),
		OpenShards: open,
	}
	return nil
}

// CreateStream creates the stream with shardCount shards.
// ResourceInUseException (already exists) is swallowed per spec.md §7's
// "benign concurrent state".
func (c *Client) CreateStream(ctx context.Context, streamName string, shardCount int64) error {
	err := c.withRetry(ctx, func() error {
		_, cerr := c.api.CreateStreamWithContext(ctx, &kinesis.CreateStreamInput{
			StreamName: aws.String(streamName),
			ShardCount: aws.Int64(shardCount),
		})
		return cerr
	})
	if kinerr.Is(err, kinerr.KindFatal) {
		if aerr, ok := underlying(err).(awserr.Error); ok && aerr.Code() == kinesis.ErrCodeResourceInUseException {
			return nil
		}
	}
	return err
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if u, ok := err.(unwrapper); ok {
			err = u.Unwrap()
			continue
		}
		return err
	}
	return nil
}

// AddTagsToStream tags the stream.
func (c *Client) AddTagsToStream(ctx context.Context, streamName string, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	tagMap := make(map[string]*string, len(tags))
	for k, v := range tags {
		tagMap[k] = aws.String(v)
	}
	return c.withRetry(ctx, func() error {
		_, err := c.api.AddTagsToStreamWithContext(ctx, &kinesis.AddTagsToStreamInput{
			StreamName: aws.String(streamName),
			Tags:       tagMap,
		})
		return err
	})
}

// ListTagsForStream returns the stream's tags. A missing tag set maps to
// an empty map per spec.md §7.
func (c *Client) ListTagsForStream(ctx context.Context, streamName string) (map[string]string, error) {
	var out map[string]string
	err := c.withRetry(ctx, func() error {
		res, terr := c.api.ListTagsForStreamWithContext(ctx, &kinesis.ListTagsForStreamInput{StreamName: aws.String(streamName)})
		if terr != nil {
			return terr
		}
		out = make(map[string]string, len(res.Tags))
		for _, t := range res.Tags {
			out[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
		}
		return nil
	})
	if kinerr.IsNotFound(err) {
		return map[string]string{}, nil
	}
	return out, err
}

// ListShards returns every shard of streamName, paginating via NextToken,
// supplementing spec.md from the teacher's k8s/test-consumer GetShardCount.
func (c *Client) ListShards(ctx context.Context, streamName string) ([]shardgraph.Shard, error) {
	var shards []shardgraph.Shard
	var nextToken *string
	for {
		input := &kinesis.ListShardsInput{}
		if nextToken != nil {
			input.NextToken = nextToken
		} else {
			input.StreamName = aws.String(streamName)
		}
		var res *kinesis.ListShardsOutput
		err := c.withRetry(ctx, func() error {
			r, lerr := c.api.ListShardsWithContext(ctx, input)
			if lerr != nil {
				return lerr
			}
			res = r
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, sh := range res.Shards {
			s := shardgraph.Shard{
				ShardID:                aws.StringValue(sh.ShardId),
				ParentShardID:          sh.ParentShardId,
				AdjacentParentShardID:  sh.AdjacentParentShardId,
				StartingSequenceNumber: aws.StringValue(sh.SequenceNumberRange.StartingSequenceNumber),
				EndingSequenceNumber:   sh.SequenceNumberRange.EndingSequenceNumber,
			}
			shards = append(shards, s)
		}
		if res.NextToken == nil {
			break
		}
		nextToken = res.NextToken
	}
	return shards, nil
}

// ListStreamConsumers returns the ARNs of registered enhanced fan-out
// consumers for streamARN.
func (c *Client) ListStreamConsumers(ctx context.Context, streamARN string) ([]string, error) {
	var arns []string
	err := c.withRetry(ctx, func() error {
		res, lerr := c.api.ListStreamConsumersWithContext(ctx, &kinesis.ListStreamConsumersInput{StreamARN: aws.String(streamARN)})
		if lerr != nil {
			return lerr
		}
		for _, con := range res.Consumers {
			arns = append(arns, aws.StringValue(con.ConsumerARN))
		}
		return nil
	})
	return arns, err
}

// RegisterStreamConsumer registers consumerName for enhanced fan-out on
// streamARN.
func (c *Client) RegisterStreamConsumer(ctx context.Context, streamARN, consumerName string) (string, error) {
	var arn string
	err := c.withRetry(ctx, func() error {
		res, rerr := c.api.RegisterStreamConsumerWithContext(ctx, &kinesis.RegisterStreamConsumerInput{
			StreamARN:    aws.String(streamARN),
			ConsumerName: aws.String(consumerName),
		})
		if rerr != nil {
			return rerr
		}
		if res.Consumer != nil {
			arn = aws.StringValue(res.Consumer.ConsumerARN)
		}
		return nil
	})
	return arn, err
}

// DeregisterStreamConsumer removes consumerARN's enhanced fan-out registration.
func (c *Client) DeregisterStreamConsumer(ctx context.Context, consumerARN string) error {
	return c.withRetry(ctx, func() error {
		_, err := c.api.DeregisterStreamConsumerWithContext(ctx, &kinesis.DeregisterStreamConsumerInput{
			ConsumerARN: aws.String(consumerARN),
		})
		return err
	})
}

// StartStreamEncryption enables server-side encryption on streamName.
// ResourceInUseException is swallowed per spec.md §7.
func (c *Client) StartStreamEncryption(ctx context.Context, streamName, keyID, encryptionType string) error {
	err := c.withRetry(ctx, func() error {
		_, serr := c.api.StartStreamEncryptionWithContext(ctx, &kinesis.StartStreamEncryptionInput{
			StreamName:     aws.String(streamName),
			KeyId:          aws.String(keyID),
			EncryptionType: aws.String(encryptionType),
		})
		return serr
	})
	if aerr, ok := underlying(err).(awserr.Error); ok && aerr.Code() == kinesis.ErrCodeResourceInUseException {
		return nil
	}
	return err
}

// GetShardIterator implements spec.md §4.4's iterator acquisition: if
// sequence is non-empty, request AFTER_SEQUENCE_NUMBER; if the service
// rejects it as InvalidArgumentException, fall back to initialPosition.
func (c *Client) GetShardIterator(ctx context.Context, streamName, shardID, sequence, initialPosition string) (string, error) {
	if sequence != "" {
		iter, err := c.getIteratorOfType(ctx, streamName, shardID, kinesis.ShardIteratorTypeAfterSequenceNumber, sequence)
		if err == nil {
			return iter, nil
		}
		if aerr, ok := underlying(err).(awserr.Error); ok && aerr.Code() == kinesis.ErrCodeInvalidArgumentException {
			c.log.Warnf("shard %s rejected checkpointed iterator, falling back to %s", shardID, initialPosition)
		} else {
			return "", err
		}
	}
	return c.getIteratorOfType(ctx, streamName, shardID, initialPosition, "")
}

func (c *Client) getIteratorOfType(ctx context.Context, streamName, shardID, iterType, sequence string) (string, error) {
	var iter string
	err := c.withRetry(ctx, func() error {
		input := &kinesis.GetShardIteratorInput{
			StreamName:        aws.String(streamName),
			ShardId:           aws.String(shardID),
			ShardIteratorType: aws.String(iterType),
		}
		if sequence != "" {
			input.StartingSequenceNumber = aws.String(sequence)
		}
		res, gerr := c.api.GetShardIteratorWithContext(ctx, input)
		if gerr != nil {
			return gerr
		}
		iter = aws.StringValue(res.ShardIterator)
		return nil
	})
	return iter, err
}

// Records is the result of one GetRecords call.
type Records struct {
	Records            []*kinesis.Record
	NextIterator       string
	MillisBehindLatest int64
}

// GetRecords fetches up to limit records from shardIterator in a single
// attempt (no retry loop). ExpiredIteratorException is returned as a
// fatal-kind error that IsExpiredIterator recognises;
// ProvisionedThroughputExceededException and non-AWS errors are returned as
// transient.
func (c *Client) GetRecords(ctx context.Context, shardIterator string, limit int64) (Records, error) {
	var out Records
	res, err := c.api.GetRecordsWithContext(ctx, &kinesis.GetRecordsInput{
		ShardIterator: aws.String(shardIterator),
		Limit:         aws.Int64(limit),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case kinesis.ErrCodeExpiredIteratorException:
				return out, kinerr.Fatal(aerr)
			case kinesis.ErrCodeProvisionedThroughputExceededException:
				return out, kinerr.Transient(aerr)
			}
		}
		return out, kinerr.Transient(err)
	}
	out.Records = res.Records
	out.NextIterator = aws.StringValue(res.NextShardIterator)
	out.MillisBehindLatest = aws.Int64Value(res.MillisBehindLatest)
	return out, nil
}

// IsExpiredIterator reports whether err is an ExpiredIteratorException, per
// spec.md §4.4's "handled locally by refetching the iterator" rule.
func IsExpiredIterator(err error) bool {
	aerr, ok := underlying(err).(awserr.Error)
	return ok && aerr.Code() == kinesis.ErrCodeExpiredIteratorException
}

// WaitFor polls DescribeStreamSummary until the stream reaches stateName
// ("streamExists" or "streamNotExists"), mirroring
// kinesisReader.waitUntilStreamsExists.
func (c *Client) WaitFor(ctx context.Context, streamName, stateName string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		desc, err := c.DescribeStreamSummary(ctx, streamName)
		switch stateName {
		case "streamExists":
			if err == nil && desc.Status == kinesis.StreamStatusActive {
				return nil
			}
		case "streamNotExists":
			if err != nil && kinerr.IsNotFound(err) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
