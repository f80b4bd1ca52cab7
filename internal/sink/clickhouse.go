// Package sink implements the ClickHouse batch sink: the component that
// drains a JetStream subject into ClickHouse via sized, periodically-flushed
// batches.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowforge/streametl/internal/client"
	"github.com/flowforge/streametl/internal/schema"
	"github.com/flowforge/streametl/internal/stream"
)

// State is one of the sink's five lifecycle states.
type State int

const (
	StateIdle State = iota
	StateFilling
	StateFlushing
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFilling:
		return "filling"
	case StateFlushing:
		return "flushing"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// chConnAdapter narrows *client.ClickHouseClient's driver.Batch-returning
// PrepareBatch down to the chBatch interface Batch actually depends on.
type chConnAdapter struct {
	c *client.ClickHouseClient
}

func (a chConnAdapter) PrepareBatch(ctx context.Context, query string) (chBatch, error) {
	b, err := a.c.PrepareBatch(ctx, query)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Config controls batching and retry behavior.
type Config struct {
	Table        string
	MaxBatchSize int
	MaxBatchAge  time.Duration

	RetryAttempts uint
	RetryDelay    time.Duration
}

// ClickHouseSink pulls records off one JetStream subject, projects each
// through the schema mapper, and flushes accumulated rows to ClickHouse
// either when the batch fills or when it has been open longer than
// MaxBatchAge — whichever comes first.
type ClickHouseSink struct {
	client *client.ClickHouseClient
	in     stream.Consumer
	mapper *schema.Mapper
	cfg    Config

	batch      *Batch
	fillStart  time.Time
	state      State

	log *slog.Logger

	mu       sync.Mutex
	isClosed bool
	cancel   context.CancelFunc
}

// NewClickHouseSink prepares the insert query from the mapper's column order
// and opens the first batch.
func NewClickHouseSink(ctx context.Context, chClient *client.ClickHouseClient, in stream.Consumer, mapper *schema.Mapper, cfg Config, log *slog.Logger) (*ClickHouseSink, error) {
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be > 0, got %d", cfg.MaxBatchSize)
	}

	query := fmt.Sprintf("INSERT INTO %s.%s (%s)",
		chClient.Database(), cfg.Table, strings.Join(mapper.GetOrderedColumns(), ", "))

	// PrepareBatch's connection lease must outlive any single record's
	// request context, so the initial batch is opened against Background.
	batch, err := NewBatch(context.Background(), chConnAdapter{chClient}, query, cfg.MaxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("prepare initial batch: %w", err)
	}

	return &ClickHouseSink{
		client: chClient,
		in:     in,
		mapper: mapper,
		cfg:    cfg,
		batch:  batch,
		state:  StateIdle,
		log:    log,
	}, nil
}

func (ch *ClickHouseSink) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	ch.mu.Lock()
	ch.cancel = cancel
	ch.mu.Unlock()
	defer cancel()

	ch.log.Info("clickhouse sink started", slog.Int("max_batch_size", ch.cfg.MaxBatchSize))
	defer ch.log.Info("clickhouse sink stopped")
	defer func() {
		if err := ch.client.Close(); err != nil {
			ch.log.Error("failed to close clickhouse connection", slog.Any("error", err))
		}
	}()

	ch.fillStart = time.Now()

	for {
		select {
		case <-runCtx.Done():
			return ch.drainOnShutdown()
		default:
		}

		msg, err := ch.in.Next(runCtx)
		switch {
		case errors.Is(err, jetstream.ErrNoMessages):
			if err := ch.maybeFlushOnAge(runCtx); err != nil {
				return err
			}
			continue
		case errors.Is(err, context.Canceled):
			return ch.drainOnShutdown()
		case err != nil:
			return fmt.Errorf("fetch: %w", err)
		}

		if err := ch.handle(runCtx, msg); err != nil {
			return err
		}
	}
}

func (ch *ClickHouseSink) setState(s State) {
	ch.state = s
	ch.log.Debug("sink state transition", slog.String("state", s.String()))
}

func (ch *ClickHouseSink) handle(ctx context.Context, msg stream.Msg) error {
	fingerprint, err := msg.StreamSequence()
	if err != nil {
		return fmt.Errorf("message sequence: %w", err)
	}

	values, err := ch.mapper.PrepareValues(msg.Data())
	if err != nil {
		// A record that cannot be mapped to the table schema is poison: ack
		// and drop it rather than stall the whole batch retrying forever.
		ch.log.Error("dropping record that failed schema mapping", slog.Any("error", err))
		return ackErr(msg)
	}

	if ch.batch.Size() == 0 {
		ch.fillStart = time.Now()
	}
	ch.setState(StateFilling)

	if err := ch.batch.Append(fingerprint, msg, values...); err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if ch.batch.Size() >= ch.cfg.MaxBatchSize {
		return ch.flush(ctx)
	}

	return ch.maybeFlushOnAge(ctx)
}

func (ch *ClickHouseSink) maybeFlushOnAge(ctx context.Context) error {
	if ch.batch.Size() == 0 || ch.cfg.MaxBatchAge <= 0 {
		return nil
	}
	if time.Since(ch.fillStart) < ch.cfg.MaxBatchAge {
		return nil
	}
	return ch.flush(ctx)
}

func (ch *ClickHouseSink) flush(ctx context.Context) error {
	ch.setState(StateFlushing)

	attempts := ch.cfg.RetryAttempts
	if attempts == 0 {
		attempts = 5
	}
	delay := ch.cfg.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	first := true
	err := retry.Do(
		func() error {
			if !first {
				ch.setState(StateRetrying)
				if rebuildErr := ch.batch.Rebuild(ctx); rebuildErr != nil {
					return fmt.Errorf("rebuild batch for retry: %w", rebuildErr)
				}
			}
			first = false
			return ch.batch.Send(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			ch.log.Warn("batch flush failed, retrying", slog.Uint64("attempt", uint64(n)), slog.Any("error", err))
		}),
	)
	if err != nil {
		ch.setState(StateFailed)
		if discardErr := ch.batch.Discard(ctx); discardErr != nil {
			ch.log.Error("failed to discard batch after exhausting retries", slog.Any("error", discardErr))
		}
		return fmt.Errorf("flush batch after %d attempts: %w", attempts, err)
	}

	ch.setState(StateIdle)
	ch.fillStart = time.Now()
	return nil
}

// drainOnShutdown flushes whatever rows are buffered before returning, so a
// graceful shutdown does not leave acked-but-unflushed work stranded — there
// is none, since only flushed rows are acked, but a clean flush here avoids
// unnecessary redelivery of a near-full batch.
func (ch *ClickHouseSink) drainOnShutdown() error {
	if ch.batch.Size() == 0 {
		return nil
	}
	ch.log.Info("flushing partial batch before shutdown", slog.Int("rows", ch.batch.Size()))
	if err := ch.flush(context.Background()); err != nil {
		return fmt.Errorf("final flush on shutdown: %w", err)
	}
	return nil
}

func (ch *ClickHouseSink) Stop() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.isClosed {
		return
	}
	ch.isClosed = true
	if ch.cancel != nil {
		ch.cancel()
	}
}

func ackErr(msg stream.Msg) error {
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}
