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
	"github.com/flowforge/streametl/internal/record"
	"github.com/flowforge/streametl/internal/stream"
	"github.com/flowforge/streametl/internal/window"
)

// SideConfig names one side (left or right) of a temporal join: the field
// name its payload is nested under in the joined record, and its key.
type SideConfig struct {
	Name string
	Key  KeyConfig
}

// Joiner is a single-loop operator that holds one FIFO+index buffer per side
// and emits a joined record for every (left,
// right) pair sharing a key that arrives within the join window of each
// other. A buffered entry is never removed on match — only on expiry or
// capacity eviction — so one record may join against every opposite-side
// arrival that falls inside its window, not just the first.
type Joiner struct {
	left  stream.Consumer
	right stream.Consumer
	out   stream.Publisher

	leftCfg, rightCfg SideConfig

	leftBuf, rightBuf *window.Buffer

	log *slog.Logger

	mu       sync.Mutex
	isClosed bool
	cancel   context.CancelFunc
}

// NewJoiner builds a Joiner over a shared join window.
func NewJoiner(left, right stream.Consumer, out stream.Publisher, leftCfg, rightCfg SideConfig, joinWindow time.Duration, maxEntriesPerSide int, log *slog.Logger) *Joiner {
	return &Joiner{
		left:      left,
		right:     right,
		out:       out,
		leftCfg:   leftCfg,
		rightCfg:  rightCfg,
		leftBuf:   window.NewBuffer(joinWindow, maxEntriesPerSide, log),
		rightBuf:  window.NewBuffer(joinWindow, maxEntriesPerSide, log),
		log:       log,
	}
}

func (j *Joiner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()
	defer cancel()

	j.log.Info("joiner operator started")
	defer j.log.Info("joiner operator stopped")

	for {
		select {
		case <-runCtx.Done():
			return nil
		default:
		}

		progressed, err := j.pollOnce(runCtx)
		if err != nil {
			return err
		}
		_ = progressed
	}
}

// pollOnce polls the left side, then the right side, each with a bounded
// wait. Both sides are serviced by this one goroutine, so the two buffers
// never need synchronization between them.
func (j *Joiner) pollOnce(ctx context.Context) (bool, error) {
	progressed := false

	leftMsg, err := j.left.Next(ctx)
	switch {
	case err == nil:
		if err := j.handleLeft(ctx, leftMsg); err != nil {
			return false, fmt.Errorf("handle left record: %w", err)
		}
		progressed = true
	case errors.Is(err, jetstream.ErrNoMessages), errors.Is(err, context.Canceled):
	default:
		return false, fmt.Errorf("fetch left: %w", err)
	}

	rightMsg, err := j.right.Next(ctx)
	switch {
	case err == nil:
		if err := j.handleRight(ctx, rightMsg); err != nil {
			return false, fmt.Errorf("handle right record: %w", err)
		}
		progressed = true
	case errors.Is(err, jetstream.ErrNoMessages), errors.Is(err, context.Canceled):
	default:
		return false, fmt.Errorf("fetch right: %w", err)
	}

	return progressed, nil
}

func (j *Joiner) handleLeft(ctx context.Context, msg stream.Msg) error {
	now := time.Now()
	j.leftBuf.Expire(now)
	j.rightBuf.Expire(now)

	key, err := keypath.Extract(msg.Data(), j.leftCfg.Key.Path, j.leftCfg.Key.Type)
	if err != nil {
		j.log.Error("dropping left record with unextractable join key", slog.Any("error", err))
		return ackErr(msg)
	}

	for _, match := range j.rightBuf.Match(key) {
		if err := j.emit(ctx, j.leftCfg.Name, msg.Data(), j.rightCfg.Name, match.Payload); err != nil {
			return err
		}
	}

	j.leftBuf.Append(&window.Entry{KeyedRecord: keyedPayload(key, msg.Data()), EnqueuedAt: now})

	return ackErr(msg)
}

func (j *Joiner) handleRight(ctx context.Context, msg stream.Msg) error {
	now := time.Now()
	j.leftBuf.Expire(now)
	j.rightBuf.Expire(now)

	key, err := keypath.Extract(msg.Data(), j.rightCfg.Key.Path, j.rightCfg.Key.Type)
	if err != nil {
		j.log.Error("dropping right record with unextractable join key", slog.Any("error", err))
		return ackErr(msg)
	}

	for _, match := range j.leftBuf.Match(key) {
		if err := j.emit(ctx, j.leftCfg.Name, match.Payload, j.rightCfg.Name, msg.Data()); err != nil {
			return err
		}
	}

	j.rightBuf.Append(&window.Entry{KeyedRecord: keyedPayload(key, msg.Data()), EnqueuedAt: now})

	return ackErr(msg)
}

func (j *Joiner) emit(ctx context.Context, leftName string, leftPayload []byte, rightName string, rightPayload []byte) error {
	joined, err := record.MergeJoined(leftName, leftPayload, rightName, rightPayload)
	if err != nil {
		return fmt.Errorf("merge joined record: %w", err)
	}
	if err := j.out.Publish(ctx, joined); err != nil {
		return fmt.Errorf("publish joined record: %w", err)
	}
	return nil
}

// keyedPayload builds the window.Entry's embedded KeyedRecord: only the
// payload and the already-extracted join key are needed for later replay
// against the opposite side.
func keyedPayload(key any, data []byte) record.KeyedRecord {
	return record.KeyedRecord{
		Record: record.Record{Payload: data}, //nolint:exhaustruct // only the payload is needed for join replay
		Key:    key,
	}
}

func (j *Joiner) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isClosed {
		return
	}
	j.isClosed = true
	if j.cancel != nil {
		j.cancel()
	}
}
