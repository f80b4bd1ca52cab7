package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowforge/streametl/internal/stream"
)

// Passthrough copies every record from one JetStream subject to another
// unchanged, acking only after the republish succeeds. It is the degenerate
// operator used when a pipeline stage needs no dedup or join logic of its
// own, e.g. bridging an ingest subject straight to the sink's input subject.
type Passthrough struct {
	in  stream.Consumer
	out stream.Publisher
	log *slog.Logger

	mu       sync.Mutex
	isClosed bool
	cancel   context.CancelFunc
}

// NewPassthrough builds a Passthrough operator.
func NewPassthrough(in stream.Consumer, out stream.Publisher, log *slog.Logger) *Passthrough {
	return &Passthrough{in: in, out: out, log: log}
}

func (p *Passthrough) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	p.log.Info("passthrough operator started")
	defer p.log.Info("passthrough operator stopped")

	for {
		select {
		case <-runCtx.Done():
			return nil
		default:
		}

		msg, err := p.in.Next(runCtx)
		switch {
		case errors.Is(err, jetstream.ErrNoMessages):
			continue
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return fmt.Errorf("fetch: %w", err)
		}

		if err := p.out.Publish(runCtx, msg.Data()); err != nil {
			return fmt.Errorf("republish: %w", err)
		}
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
	}
}

func (p *Passthrough) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return
	}
	p.isClosed = true
	if p.cancel != nil {
		p.cancel()
	}
}
