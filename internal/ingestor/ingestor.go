// Package ingestor bridges a Kafka topic into a JetStream subject, tagging
// each published record with a `<partition>:<offset>` message-id so the
// stream's own server-side duplicate window collapses a re-read-after-
// uncommitted-offset Kafka redelivery, independent of any payload-level key.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/flowforge/streametl/internal/kafka"
	"github.com/flowforge/streametl/internal/stream"
)

// Fixed backoff parameters for the fetch/publish/commit retry loop. Unlike
// the sink (internal/sink.Config.RetryAttempts/RetryDelay), spec.md §4.1
// gives the ingestor an unbounded retry budget, so there is no attempts knob
// to expose — only the pacing is worth tuning, and it hasn't needed to be.
const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
	retryMaxJitter = 250 * time.Millisecond
)

// KafkaIngestor is the spec's Ingester component: it owns one Kafka
// consumer-group subscription and republishes every record onto JetStream
// before committing the Kafka offset, so a crash between publish and commit
// only ever causes redelivery, never loss.
type KafkaIngestor struct {
	consumer  kafka.Consumer
	publisher stream.Publisher

	mu       sync.Mutex
	isClosed bool
	cancel   context.CancelFunc

	log *slog.Logger
}

// NewKafkaIngestor builds an ingestor for one topic.
func NewKafkaIngestor(consumer kafka.Consumer, publisher stream.Publisher, log *slog.Logger) *KafkaIngestor {
	return &KafkaIngestor{
		consumer:  consumer,
		publisher: publisher,
		log:       log,
	}
}

// msgID is the JetStream Nats-Msg-Id used for message-id deduplication: the
// Kafka coordinates of the record, not anything derived from its payload.
// This collapses a redelivery caused by a crash between publish and offset
// commit without confusing it with the operator's own payload-key dedup.
func msgID(msg kafka.Message) string {
	return fmt.Sprintf("%d:%d", msg.Partition, msg.Offset)
}

// retryable reports whether err should be retried with backoff (spec.md §7's
// "transient network" row) rather than surfaced immediately. A cancelled
// context is never retried — that's a shutdown, not a failure — and a fatal
// Kafka auth/config error is never retried either, per §4.1's "fatal auth or
// schema errors → surface to supervisor and terminate".
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !kafka.IsFatal(err)
}

// retryTransient runs fn with exponential backoff and jitter, retrying
// indefinitely while retryable(err) holds, bounded only by ctx cancellation
// (spec.md §4.1: "up to an unbounded retry budget").
func (k *KafkaIngestor) retryTransient(ctx context.Context, desc string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(retryBaseDelay),
		retry.MaxDelay(retryMaxDelay),
		retry.MaxJitter(retryMaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			k.log.Warn(desc+" failed, retrying", slog.Uint64("attempt", uint64(n)), slog.Any("error", err))
		}),
	)
}

func (k *KafkaIngestor) fetch(ctx context.Context) (kafka.Message, error) {
	var msg kafka.Message
	err := k.retryTransient(ctx, "kafka fetch", func() error {
		var fetchErr error
		msg, fetchErr = k.consumer.Fetch(ctx)
		return fetchErr
	})
	return msg, err
}

func (k *KafkaIngestor) processOne(ctx context.Context, msg kafka.Message) error {
	err := k.retryTransient(ctx, "publish record to jetstream", func() error {
		return k.publisher.PublishWithID(ctx, msg.Value, msgID(msg))
	})
	if err != nil {
		return fmt.Errorf("publish record from %s: %w", msg.Topic, err)
	}

	return k.commit(ctx, msg)
}

func (k *KafkaIngestor) commit(ctx context.Context, msg kafka.Message) error {
	err := k.retryTransient(ctx, "commit kafka offset", func() error {
		return k.consumer.Commit(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("commit offset for %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

// Start runs the fetch-publish-commit loop until ctx is cancelled or Stop is
// called. It returns nil on a clean shutdown and a non-nil error on any other
// termination.
func (k *KafkaIngestor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	k.mu.Lock()
	k.cancel = cancel
	k.mu.Unlock()
	defer cancel()

	k.log.Info("ingestor started")
	defer k.log.Info("ingestor stopped")

	for {
		msg, err := k.fetch(runCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}

		if err := k.processOne(runCtx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("process record: %w", err)
		}
	}
}

// Stop cancels the run loop and closes the underlying Kafka consumer.
func (k *KafkaIngestor) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.isClosed {
		return
	}
	k.isClosed = true

	if k.cancel != nil {
		k.cancel()
	}
	if err := k.consumer.Close(); err != nil {
		k.log.Error("failed to close kafka consumer", slog.Any("error", err))
	}
}
