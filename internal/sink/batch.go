package sink

import (
	"context"
	"fmt"

	"github.com/flowforge/streametl/internal/stream"
)

// chBatch is the subset of driver.Batch (clickhouse-go/v2/lib/driver) a Batch
// actually drives: append rows, then send them. Depending on this instead of
// the full driver.Batch interface keeps this package's tests free of the
// ClickHouse driver.
type chBatch interface {
	Append(v ...any) error
	Send() error
}

type row struct {
	fingerprint uint64
	msg         stream.Msg
	values      []any
}

// batchPreparer is the subset of *client.ClickHouseClient a Batch needs. It
// is declared here, not imported from the client package, so this file stays
// agnostic to which concrete connection wrapper is in play.
type batchPreparer interface {
	PrepareBatch(ctx context.Context, query string) (chBatch, error)
}

// Batch accumulates rows for one ClickHouse INSERT, deduplicating by the
// fingerprint (JetStream sequence number) of the record that produced each
// row, and remembers the message each row came from so the sink can ack
// every contributing message once the batch lands — not just the last one.
//
// Row values are kept alongside the prepared driver.Batch handle, not only
// inside it: a ClickHouse driver.Batch is single-shot, so a failed Send
// invalidates the handle. Keeping the values lets Rebuild re-append every row
// into a freshly prepared handle before a retry, instead of losing the batch
// on the first transient failure.
type Batch struct {
	conn  batchPreparer
	query string

	current       chBatch
	sizeThreshold int

	seen map[uint64]struct{}
	rows []row
}

// NewBatch prepares an empty batch against query.
func NewBatch(ctx context.Context, conn batchPreparer, query string, sizeThreshold int) (*Batch, error) {
	b := &Batch{ //nolint:exhaustruct // current set by reload
		conn:          conn,
		query:         query,
		sizeThreshold: sizeThreshold,
		seen:          make(map[uint64]struct{}),
	}
	if err := b.reload(ctx); err != nil {
		return nil, fmt.Errorf("prepare initial batch: %w", err)
	}
	return b, nil
}

func (b *Batch) reload(ctx context.Context) error {
	batch, err := b.conn.PrepareBatch(ctx, b.query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	b.current = batch
	return nil
}

// Size reports the number of distinct rows currently buffered.
func (b *Batch) Size() int {
	return len(b.seen)
}

// Append adds one row for fingerprint, skipping it if that fingerprint was
// already appended to this batch (at-least-once redelivery of the same
// durable-log entry must not double-insert).
func (b *Batch) Append(fingerprint uint64, msg stream.Msg, values ...any) error {
	if _, ok := b.seen[fingerprint]; ok {
		return nil
	}

	if err := b.current.Append(values...); err != nil {
		return fmt.Errorf("append row: %w", err)
	}

	b.seen[fingerprint] = struct{}{}
	b.rows = append(b.rows, row{fingerprint: fingerprint, msg: msg, values: values})

	return nil
}

// Send flushes the batch to ClickHouse and acks every message that
// contributed a row, then resets state for the next batch.
func (b *Batch) Send(ctx context.Context) error {
	if err := b.current.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	var ackErr error
	for _, r := range b.rows {
		if err := r.msg.Ack(); err != nil && ackErr == nil {
			ackErr = fmt.Errorf("ack record after batch send: %w", err)
		}
	}

	if err := b.reset(ctx); err != nil {
		return fmt.Errorf("reset batch after send: %w", err)
	}

	return ackErr
}

// Rebuild re-prepares the driver batch and re-appends every currently
// buffered row, without touching acks. Call this between retry attempts: the
// previous driver.Batch handle is dead after a failed Send, but the rows and
// their source messages must survive into the next attempt.
func (b *Batch) Rebuild(ctx context.Context) error {
	if err := b.reload(ctx); err != nil {
		return fmt.Errorf("reload batch: %w", err)
	}
	for _, r := range b.rows {
		if err := b.current.Append(r.values...); err != nil {
			return fmt.Errorf("re-append row: %w", err)
		}
	}
	return nil
}

// Discard abandons the current batch without sending or acking it, used when
// the sink gives up retrying. The unacked messages will be redelivered by
// JetStream once their ack wait elapses.
func (b *Batch) Discard(ctx context.Context) error {
	return b.reset(ctx)
}

func (b *Batch) reset(ctx context.Context) error {
	if err := b.reload(ctx); err != nil {
		return fmt.Errorf("reload batch: %w", err)
	}
	clear(b.seen)
	b.rows = b.rows[:0]
	return nil
}
