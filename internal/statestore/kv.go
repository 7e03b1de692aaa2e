package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/cenkalti/backoff/v4"

	"github.com/usedatabrew/kinlease/internal/kinerr"
	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/retries"
)

// Key addresses one coordination document, per spec.md §6's key schema:
// consumerGroup HASH, streamName RANGE.
type Key struct {
	ConsumerGroup string
	StreamName    string
}

func (k Key) attrMap() map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"consumer_group": {S: aws.String(k.ConsumerGroup)},
		"stream_name":    {S: aws.String(k.StreamName)},
	}
}

// Client is the coordination KV client of spec.md §4.1: a thin wrapper over
// dynamodbiface.DynamoDBAPI with conditional-update semantics and bounded
// retries, grounded on the teacher's kiddbField{Table,Create,...} handling
// in input_kinesis.go and on the conditional-PutItem idiom in
// k8s/test/test-consumer/lease_manager.go's TryCreateCoordinatorMetadata.
type Client struct {
	api         dynamodbiface.DynamoDBAPI
	table       string
	backoffCtor func() backoff.BackOff
	log         log.Modular
}

// NewClient wraps api for table, constructing its retry policy from rConf.
func NewClient(api dynamodbiface.DynamoDBAPI, table string, rConf retries.Config, logger log.Modular) (*Client, error) {
	ctor, err := rConf.GetCtor()
	if err != nil {
		return nil, fmt.Errorf("building kv retry policy: %w", err)
	}
	return &Client{api: api, table: table, backoffCtor: ctor, log: logger}, nil
}

// withRetry runs fn under the client's backoff policy, bypassing the retry
// loop entirely for ConditionalCheckFailedException and validation errors
// per spec.md §4.1.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case dynamodb.ErrCodeConditionalCheckFailedException:
				return backoff.Permanent(kinerr.PreconditionFailed("", aerr))
			case dynamodb.ErrCodeResourceNotFoundException:
				return backoff.Permanent(kinerr.NotFound("", aerr))
			case dynamodb.ErrCodeValidationException, dynamodb.ErrCodeResourceInUseException:
				return backoff.Permanent(kinerr.Fatal(aerr))
			}
		}
		return kinerr.Transient(err)
	}
	return backoff.Retry(op, backoff.WithContext(c.backoffCtor(), ctx))
}

// Get performs a strongly-consistent read of key. ok is false when the item
// does not exist.
func (c *Client) Get(ctx context.Context, key Key) (item map[string]*dynamodb.AttributeValue, ok bool, err error) {
	err = c.withRetry(ctx, func() error {
		out, gerr := c.api.GetItemWithContext(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(c.table),
			Key:            key.attrMap(),
			ConsistentRead: aws.Bool(true),
		})
		if gerr != nil {
			return gerr
		}
		item = out.Item
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return item, item != nil, nil
}

// Put writes item, guarded by cond when hasCond is true. When hasCond is
// false, item is blind-written (used only by initStreamState's
// reset-on-recreation path; its first-create path is conditional).
func (c *Client) Put(ctx context.Context, item map[string]*dynamodb.AttributeValue, cond expression.ConditionBuilder, hasCond bool) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	}
	if hasCond {
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return kinerr.Fatal(err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}
	return c.withRetry(ctx, func() error {
		_, err := c.api.PutItemWithContext(ctx, input)
		return err
	})
}

// Update applies an UpdateExpression built from upd to key, guarded by cond.
func (c *Client) Update(ctx context.Context, key Key, upd expression.UpdateBuilder, cond expression.ConditionBuilder, hasCond bool) error {
	builder := expression.NewBuilder().WithUpdate(upd)
	if hasCond {
		builder = builder.WithCondition(cond)
	}
	expr, err := builder.Build()
	if err != nil {
		return kinerr.Fatal(err)
	}
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.table),
		Key:                       key.attrMap(),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if hasCond {
		input.ConditionExpression = expr.Condition()
	}
	return c.withRetry(ctx, func() error {
		_, err := c.api.UpdateItemWithContext(ctx, input)
		return err
	})
}

// Delete removes key, optionally guarded by cond.
func (c *Client) Delete(ctx context.Context, key Key, cond expression.ConditionBuilder, hasCond bool) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key:       key.attrMap(),
	}
	if hasCond {
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return kinerr.Fatal(err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}
	return c.withRetry(ctx, func() error {
		_, err := c.api.DeleteItemWithContext(ctx, input)
		return err
	})
}

// DescribeTable returns the table's current status, wrapped for retry.
func (c *Client) DescribeTable(ctx context.Context) (*dynamodb.TableDescription, error) {
	var desc *dynamodb.TableDescription
	err := c.withRetry(ctx, func() error {
		out, derr := c.api.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)})
		if derr != nil {
			return derr
		}
		desc = out.Table
		return nil
	})
	return desc, err
}

// CreateTable provisions the coordination table, supplementing spec.md §4.1
// from the teacher's kiddbFieldCreate/BillingMode fields in
// input_kinesis.go. ResourceInUseException (already exists) is swallowed
// per spec.md §7's "benign concurrent state".
func (c *Client) CreateTable(ctx context.Context, billingMode string, rcu, wcu int64) error {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(c.table),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("consumer_group"), AttributeType: aws.String("S")},
			{AttributeName: aws.String("stream_name"), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("consumer_group"), KeyType: aws.String("HASH")},
			{AttributeName: aws.String("stream_name"), KeyType: aws.String("RANGE")},
		},
	}
	if billingMode == "PROVISIONED" {
		input.BillingMode = aws.String("PROVISIONED")
		input.ProvisionedThroughput = &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(rcu),
			WriteCapacityUnits: aws.Int64(wcu),
		}
	} else {
		input.BillingMode = aws.String("PAY_PER_REQUEST")
	}

	err := c.withRetry(ctx, func() error {
		_, cerr := c.api.CreateTableWithContext(ctx, input)
		return cerr
	})
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeResourceInUseException {
		return nil
	}
	return err
}

// TagResource applies tags to the coordination table.
func (c *Client) TagResource(ctx context.Context, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	desc, err := c.DescribeTable(ctx)
	if err != nil {
		return err
	}
	tagList := make([]*dynamodb.Tag, 0, len(tags))
	for k, v := range tags {
		tagList = append(tagList, &dynamodb.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return c.withRetry(ctx, func() error {
		_, terr := c.api.TagResourceWithContext(ctx, &dynamodb.TagResourceInput{
			ResourceArn: desc.TableArn,
			Tags:        tagList,
		})
		return terr
	})
}

// ListTagsOfResource returns the tags on the coordination table. Per
// spec.md §7 "not found" mapping, a missing tag set returns an empty map
// rather than an error.
func (c *Client) ListTagsOfResource(ctx context.Context) (map[string]string, error) {
	desc, err := c.DescribeTable(ctx)
	if err != nil {
		return nil, err
	}
	var out *dynamodb.ListTagsOfResourceOutput
	err = c.withRetry(ctx, func() error {
		o, lerr := c.api.ListTagsOfResourceWithContext(ctx, &dynamodb.ListTagsOfResourceInput{ResourceArn: desc.TableArn})
		if lerr != nil {
			return lerr
		}
		out = o
		return nil
	})
	if err != nil {
		if kinerr.IsNotFound(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	tags := make(map[string]string, len(out.Tags))
	for _, t := range out.Tags {
		tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	return tags, nil
}

// WaitFor polls DescribeTable until the table reaches stateName
// ("tableExists" or "tableNotExists"), mirroring
// kinesisReader.waitUntilStreamsExists.
func (c *Client) WaitFor(ctx context.Context, stateName string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		desc, err := c.DescribeTable(ctx)
		switch stateName {
		case "tableExists":
			if err == nil && desc != nil && aws.StringValue(desc.TableStatus) == dynamodb.TableStatusActive {
				return nil
			}
		case "tableNotExists":
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

// marshal/unmarshal helpers shared by store.go.

func marshalStreamState(s StreamState) (map[string]*dynamodb.AttributeValue, error) {
	item, err := dynamodbattribute.MarshalMap(s)
	if err != nil {
		return nil, kinerr.Fatal(err)
	}
	return item, nil
}

func unmarshalStreamState(item map[string]*dynamodb.AttributeValue) (StreamState, error) {
	var s StreamState
	if err := dynamodbattribute.UnmarshalMap(item, &s); err != nil {
		return StreamState{}, kinerr.Fatal(err)
	}
	return s, nil
}
