package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowforge/streametl/internal/keypath"
	"github.com/flowforge/streametl/internal/stream"
	"github.com/flowforge/streametl/internal/window"
)

// KeyConfig describes how an operator extracts a dedup or join key from a
// record's payload.
type KeyConfig struct {
	Path string
	Type keypath.Type
}

// Deduplicator is a single-loop operator that suppresses records whose key
// was already seen within the configured window, forwarding everything else
// unchanged.
type Deduplicator struct {
	in  stream.Consumer
	out stream.Publisher
	key KeyConfig
	win *window.Dedup
	log *slog.Logger

	mu       sync.Mutex
	isClosed bool
	cancel   context.CancelFunc
}

// NewDeduplicator builds a Deduplicator with the given window and optional
// hard cap on live entries (maxEntries <= 0 means unbounded).
func NewDeduplicator(in stream.Consumer, out stream.Publisher, key KeyConfig, windowDuration time.Duration, maxEntries int, log *slog.Logger) *Deduplicator {
	return &Deduplicator{
		in:  in,
		out: out,
		key: key,
		win: window.NewDedup(windowDuration, maxEntries, log),
		log: log,
	}
}

func (d *Deduplicator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	d.log.Info("deduplicator operator started")
	defer d.log.Info("deduplicator operator stopped")

	for {
		select {
		case <-runCtx.Done():
			return nil
		default:
		}

		msg, err := d.in.Next(runCtx)
		switch {
		case errors.Is(err, jetstream.ErrNoMessages):
			continue
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return fmt.Errorf("fetch: %w", err)
		}

		if err := d.handle(runCtx, msg); err != nil {
			return fmt.Errorf("handle record: %w", err)
		}
	}
}

func (d *Deduplicator) handle(ctx context.Context, msg stream.Msg) error {
	key, err := keypath.Extract(msg.Data(), d.key.Path, d.key.Type)
	if err != nil {
		// A record whose key cannot be extracted can never participate in
		// dedup; dropping it (ack, no forward) keeps the window meaningful
		// instead of stalling on an unrecoverable message.
		d.log.Error("dropping record with unextractable dedup key", slog.Any("error", err))
		return ackErr(msg)
	}

	if d.win.Observe(key, time.Now()) {
		return ackErr(msg)
	}

	if err := d.out.Publish(ctx, msg.Data()); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return ackErr(msg)
}

func ackErr(msg stream.Msg) error {
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (d *Deduplicator) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return
	}
	d.isClosed = true
	if d.cancel != nil {
		d.cancel()
	}
}
