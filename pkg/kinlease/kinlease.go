// Package kinlease is the public entry point of the library: it wires the
// coordination KV client, the stream-service client, the State Store, the
// Lease Manager, and the Consumers Manager, and exposes the blocking Run
// idiom the teacher's CLI layer drives via internal/cli.Run(ctx).
package kinlease

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/gofrs/uuid"

	"github.com/usedatabrew/kinlease/internal/config"
	"github.com/usedatabrew/kinlease/internal/consumer"
	"github.com/usedatabrew/kinlease/internal/consumersmanager"
	"github.com/usedatabrew/kinlease/internal/lease"
	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/statestore"
	"github.com/usedatabrew/kinlease/internal/streamclient"
)

// Re-exported push-callback surface, named only by contract in spec.md §6.
type (
	Record   = consumer.Record
	Delivery = consumer.Delivery
	Feedback = consumer.Feedback
	PushFunc = consumer.PushFunc
)

// Config is the configuration surface recognized by New, re-exported from
// internal/config.
type Config = config.Config

// NewConfig returns a Config populated with spec.md §6's defaults.
func NewConfig() Config { return config.NewConfig() }

// Consumer is the assembled library instance: one Lease Manager plus the
// Consumers Manager it drives.
type Consumer struct {
	cfg     config.Config
	manager *lease.Manager
	pollers *consumersmanager.Manager
	logger  log.Modular
}

// New constructs a Consumer from cfg and sess, wiring the coordination KV
// client (DynamoDB) and the stream-service client (Kinesis) the way the
// teacher's Connect() wires kinesis.New(k.sess) + newAWSKinesisCheckpointer
// in input_kinesis.go.
func New(cfg config.Config, sess *session.Session, push PushFunc) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := log.New(os.Stderr, cfg.Logger)

	consumerID := cfg.ConsumerID
	if consumerID == "" {
		host, _ := os.Hostname()
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("generating consumer id: %w", err)
		}
		consumerID = fmt.Sprintf("%s:%d:%s", host, os.Getpid(), id.String())
	}

	ddbClient := dynamodb.New(sess)
	kvClient, err := statestore.NewClient(ddbClient, cfg.KVTable.Name, cfg.Retries, logger)
	if err != nil {
		return nil, fmt.Errorf("building coordination kv client: %w", err)
	}

	if cfg.KVTable.Create {
		if err := kvClient.CreateTable(context.Background(), cfg.KVTable.BillingMode, cfg.KVTable.ReadCapacityUnits, cfg.KVTable.WriteCapacityUnits); err != nil {
			return nil, fmt.Errorf("provisioning coordination table: %w", err)
		}
		if err := kvClient.WaitFor(context.Background(), "tableExists"); err != nil {
			return nil, fmt.Errorf("waiting for coordination table: %w", err)
		}
		if err := kvClient.TagResource(context.Background(), cfg.KVTable.Tags); err != nil {
			logger.Warnf("failed to tag coordination table: %v", err)
		}
	}

	store := statestore.New(kvClient, cfg.ConsumerGroup, cfg.StreamName, consumerID, !cfg.UseAutoShardAssignment, logger)

	kinesisClient := kinesis.New(sess)
	streamClient, err := streamclient.New(kinesisClient, cfg.Retries, logger)
	if err != nil {
		return nil, fmt.Errorf("building stream client: %w", err)
	}

	pollers := consumersmanager.New(cfg, store, streamClient, push, logger)
	manager := lease.New(cfg, consumerID, store, streamClient, pollers, logger)

	return &Consumer{cfg: cfg, manager: manager, pollers: pollers, logger: logger}, nil
}

// Run blocks until ctx is cancelled or the stream disappears, following the
// blocking-Run idiom of internal/cli.Run(ctx).
func (c *Consumer) Run(ctx context.Context) error {
	c.manager.Start(ctx)
	select {
	case <-ctx.Done():
	case <-c.manager.Done():
	}
	c.manager.Stop()
	c.pollers.Stop(context.Background())
	return ctx.Err()
}
