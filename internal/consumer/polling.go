// Package consumer implements the Polling Consumer of spec.md §4.4: the
// per-shard data-plane worker that drives the read iterator, handles
// iterator expiry, end-of-shard detection, auto-checkpointing, and
// cooperative pause/resume. Modeled on the teacher's single-goroutine
// `select`-driven loop in kinesisReader.runConsumer
// (internal/impl/aws/input_kinesis.go), adapted to this spec's
// Polling/Draining/Stopped vocabulary and its simpler (non-batched,
// non-aggregated) delivery contract.
package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"

	"github.com/usedatabrew/kinlease/internal/config"
	"github.com/usedatabrew/kinlease/internal/kinerr"
	"github.com/usedatabrew/kinlease/internal/log"
	"github.com/usedatabrew/kinlease/internal/statestore"
	"github.com/usedatabrew/kinlease/internal/streamclient"
)

// phase is the Polling Consumer's lifecycle state, per SPEC_FULL.md §4.5.
type phase int

const (
	phasePolling phase = iota
	phaseDraining
	phaseStopped
)

// Polling is one Polling Consumer instance, one per owned shard.
type Polling struct {
	shardID    string
	streamName string
	cfg        config.Config

	store        *statestore.Store
	streamClient *streamclient.Client
	push         PushFunc
	log          log.Modular

	mu              sync.Mutex
	phase           phase
	leaseExpiration time.Time
	checkpoint      *string
	iterator        string
	pendingCheckpoint *string

	timer    *time.Timer
	stopc    chan struct{}
	continuec chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Polling Consumer for shardID, bound to the checkpoint
// and lease expiration it was acquired with.
func New(cfg config.Config, shardID string, checkpoint *string, leaseExpiration time.Time, store *statestore.Store, streamClient *streamclient.Client, push PushFunc, logger log.Modular) *Polling {
	return &Polling{
		shardID:         shardID,
		streamName:      cfg.StreamName,
		cfg:             cfg,
		store:           store,
		streamClient:    streamClient,
		push:            push,
		log:             logger.WithFields(map[string]any{"shard_id": shardID}),
		phase:           phasePolling,
		leaseExpiration: leaseExpiration,
		checkpoint:      checkpoint,
	}
}

// Start initializes the poll loop and triggers the first poll immediately,
// per spec.md §4.4's lifecycle.
func (p *Polling) Start(ctx context.Context) {
	p.mu.Lock()
	p.stopc = make(chan struct{})
	p.continuec = make(chan struct{}, 1)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop cancels the pending timer and waits for the poll loop to exit; an
// in-flight fetch is not cancelled but runs to completion and its result is
// discarded, per spec.md §5. Safe to call from any goroutine other than the
// poll loop itself.
func (p *Polling) Stop() {
	if !p.haltSelf() {
		return
	}
	p.wg.Wait()
}

// haltSelf transitions Polling/Draining -> Stopped without waiting on the
// loop goroutine, so the loop itself can call it on its own exit paths
// (lease expired, end-of-shard, fatal push error) without deadlocking on
// its own wg.Wait(). Returns false if already stopped.
func (p *Polling) haltSelf() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == phaseStopped {
		return false
	}
	p.phase = phaseStopped
	close(p.stopc)
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}

// UpdateLeaseExpiration is called by the Lease Manager on renewal.
func (p *Polling) UpdateLeaseExpiration(ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaseExpiration = ts
}

// ContinuePolling resumes a paused poller; only meaningful when
// UsePausedPolling is set.
func (p *Polling) ContinuePolling() {
	select {
	case p.continuec <- struct{}{}:
	default:
	}
}

func (p *Polling) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == phaseStopped
}

func (p *Polling) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		action, delay := p.pollOnce(ctx)
		switch action {
		case pollStop:
			return
		case pollImmediate:
			delay = 0
		case pollPaused:
			select {
			case <-p.stopc:
				return
			case <-ctx.Done():
				return
			case <-p.continuec:
				continue
			}
		}

		p.mu.Lock()
		p.timer = time.NewTimer(delay)
		timer := p.timer
		p.mu.Unlock()

		select {
		case <-p.stopc:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

type pollResult int

const (
	pollContinue pollResult = iota
	pollImmediate
	pollPaused
	pollStop
)

// pollOnce runs one iteration of spec.md §4.4's poll loop.
func (p *Polling) pollOnce(ctx context.Context) (pollResult, time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("poll panicked (swallowed): %v", r)
		}
	}()

	if p.isStopped() {
		return pollStop, 0
	}

	// Step 1: lease expiration check.
	p.mu.Lock()
	expired := time.Now().UTC().After(p.leaseExpiration)
	p.mu.Unlock()
	if expired {
		p.log.Warnf("lease expired, stopping")
		p.haltSelf()
		return pollStop, 0
	}

	// Step 2: flush a stashed paused-mode checkpoint before fetching.
	p.mu.Lock()
	pending := p.pendingCheckpoint
	p.pendingCheckpoint = nil
	p.mu.Unlock()
	if pending != nil {
		if err := p.store.StoreShardCheckpoint(ctx, p.shardID, *pending); err != nil {
			p.log.Errorf("failed to store pending checkpoint: %v", err)
		}
	}

	// Step 3: ensure an iterator exists.
	if p.iterator == "" {
		iter, err := p.acquireIterator(ctx)
		if err != nil {
			p.log.Errorf("failed to acquire shard iterator: %v", err)
			return pollImmediate, 0
		}
		p.iterator = iter
	}

	// Step 4: fetch.
	res, err := p.streamClient.GetRecords(ctx, p.iterator, p.cfg.Limit)
	if p.isStopped() {
		return pollStop, 0
	}
	if err != nil {
		if streamclient.IsExpiredIterator(err) {
			p.log.Warnf("shard iterator expired, reacquiring")
			p.iterator = ""
			return pollImmediate, 0
		}
		p.log.Errorf("getRecords failed: %v", err)
		return pollContinue, p.cfg.NoRecordsPollDelay()
	}
	p.iterator = res.NextIterator

	// Step 5: empty batch handling.
	if len(res.Records) == 0 {
		if res.NextIterator == "" {
			return p.drain(ctx)
		}
		if res.MillisBehindLatest <= 0 {
			return pollContinue, p.cfg.NoRecordsPollDelay()
		}
		return pollImmediate, 0
	}

	// Step 6: deliver.
	feedback, err := p.deliver(res)
	if err != nil {
		p.log.Errorf("push callback returned a fatal error, idling until restart: %v", err)
		p.haltSelf()
		return pollStop, 0
	}

	lastSeq := aws.StringValue(res.Records[len(res.Records)-1].SequenceNumber)

	// Step 7: checkpoint policy.
	if p.cfg.UseAutoCheckpoints {
		if !p.cfg.UsePausedPolling {
			if err := p.store.StoreShardCheckpoint(ctx, p.shardID, lastSeq); err != nil {
				p.log.Errorf("failed to store checkpoint: %v", err)
			}
		} else {
			p.mu.Lock()
			p.pendingCheckpoint = &lastSeq
			p.mu.Unlock()
		}
	} else if feedback.SetCheckpoint != nil {
		if err := p.store.StoreShardCheckpoint(ctx, p.shardID, *feedback.SetCheckpoint); err != nil {
			p.log.Errorf("failed to store caller-supplied checkpoint: %v", err)
		}
	}

	// Step 8: schedule next poll.
	if p.cfg.UsePausedPolling && !feedback.ContinuePolling {
		return pollPaused, 0
	}
	return pollContinue, p.cfg.PollDelay()
}

func (p *Polling) deliver(res streamclient.Records) (Feedback, error) {
	records := make([]Record, 0, len(res.Records))
	for _, r := range res.Records {
		records = append(records, Record{
			SequenceNumber: aws.StringValue(r.SequenceNumber),
			PartitionKey:   aws.StringValue(r.PartitionKey),
			Data:           r.Data,
		})
	}
	return p.push(Delivery{
		Records:            records,
		ShardID:            p.shardID,
		StreamName:         p.streamName,
		MillisBehindLatest: res.MillisBehindLatest,
	})
}

// drain marks the shard depleted and seeds child checkpoints (I5), then
// stops self, per spec.md §4.4 step 5's end-of-shard handling.
func (p *Polling) drain(ctx context.Context) (pollResult, time.Duration) {
	p.mu.Lock()
	p.phase = phaseDraining
	p.mu.Unlock()

	shards, err := p.streamClient.ListShards(ctx, p.streamName)
	if err != nil {
		p.log.Errorf("failed to list shards for depletion seeding: %v", err)
		p.haltSelf()
		return pollStop, 0
	}
	if err := p.store.MarkShardAsDepleted(ctx, shards, p.shardID); err != nil {
		p.log.Errorf("markShardAsDepleted(%s) failed: %v", p.shardID, err)
	}
	p.haltSelf()
	return pollStop, 0
}

// acquireIterator implements spec.md §4.4's iterator acquisition: request
// AFTER_SEQUENCE_NUMBER when a checkpoint is known, falling back to
// initialPositionInStream on rejection.
func (p *Polling) acquireIterator(ctx context.Context) (string, error) {
	sequence := ""
	if p.checkpoint != nil {
		sequence = *p.checkpoint
	}
	initialPosition := string(p.cfg.InitialPositionInStream)
	awsIterType := "TRIM_HORIZON"
	if initialPosition == string(config.Latest) {
		awsIterType = "LATEST"
	}
	iter, err := p.streamClient.GetShardIterator(ctx, p.streamName, p.shardID, sequence, awsIterType)
	if err != nil {
		return "", kinerr.Transient(err)
	}
	return iter, nil
}

