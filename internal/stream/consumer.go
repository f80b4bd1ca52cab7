package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Msg is the narrow slice of jetstream.Msg that the operator and sink loops
// actually need: the payload, the ack, and the stream sequence that serves as
// the sink's fingerprint. Depending on this instead of jetstream.Msg directly
// keeps those packages free of the NATS client in their test doubles.
type Msg interface {
	Data() []byte
	Ack() error
	// StreamSequence returns the durable-log sequence number JetStream
	// assigned this message on publish — globally unique within its stream,
	// and used as the sink batch's idempotency key (spec.md's "fingerprint").
	StreamSequence() (uint64, error)
}

// Consumer pulls records off a JetStream consumer one at a time. Next blocks
// up to a bounded wait and returns jetstream.ErrNoMessages on timeout rather
// than a busy-poll default branch — the caller's loop treats that as "nothing
// to do this tick", not an error.
type Consumer interface {
	Next(ctx context.Context) (Msg, error)
}

// natsMsg adapts a jetstream.Msg to Msg.
type natsMsg struct {
	jetstream.Msg
}

func (m natsMsg) StreamSequence() (uint64, error) {
	meta, err := m.Msg.Metadata()
	if err != nil {
		return 0, fmt.Errorf("message metadata: %w", err)
	}
	return meta.Sequence.Stream, nil
}

// ConsumerConfig describes a durable pull consumer bound to one stream.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	FilterSubject string
	AckWait       time.Duration
	FetchTimeout  time.Duration
}

const (
	defaultAckWait      = 60 * time.Second
	defaultFetchTimeout = 1 * time.Second

	provisionRetries    = 10
	provisionInitDelay  = 1 * time.Second
	provisionMaxDelay   = 10 * time.Second
	provisionMaxElapsed = 30 * time.Second
)

// NATSConsumer is the JetStream-backed Consumer.
type NATSConsumer struct {
	consumer     jetstream.Consumer
	fetchTimeout time.Duration
}

// NewNATSConsumer waits for cfg.Stream to exist (retrying with backoff while
// JetStream reports it not found), then creates or attaches to the durable
// consumer.
func NewNATSConsumer(ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig) (*NATSConsumer, error) {
	stream, err := waitForStream(ctx, js, cfg.Stream)
	if err != nil {
		return nil, err
	}

	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{ //nolint:exhaustruct // optional fields
		Name:          cfg.Durable,
		Durable:       cfg.Durable,
		AckWait:       ackWait,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: -1,
		FilterSubject: cfg.FilterSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("create or update consumer %s on stream %s: %w", cfg.Durable, cfg.Stream, err)
	}

	return &NATSConsumer{consumer: consumer, fetchTimeout: fetchTimeout}, nil
}

func waitForStream(ctx context.Context, js jetstream.JetStream, name string) (jetstream.Stream, error) {
	retryCtx, cancel := context.WithTimeout(ctx, provisionMaxElapsed)
	defer cancel()

	delay := provisionInitDelay
	for attempt := 0; attempt < provisionRetries; attempt++ {
		stream, err := js.Stream(ctx, name)
		if err == nil {
			return stream, nil
		}
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("get stream %s: %w", name, err)
		}
		if attempt == provisionRetries-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-retryCtx.Done():
			return nil, fmt.Errorf("timed out waiting for stream %s: %w", name, retryCtx.Err())
		}
		delay = min(time.Duration(float64(delay)*1.5), provisionMaxDelay)
	}
	return nil, fmt.Errorf("stream %s not found after %d attempts", name, provisionRetries)
}

// Next fetches a single message, waiting up to the configured fetch timeout.
// A timeout with no message surfaces as jetstream.ErrNoMessages, not an error
// the caller should log.
func (c *NATSConsumer) Next(ctx context.Context) (Msg, error) {
	msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(c.fetchTimeout))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	select {
	case msg, ok := <-msgs.Messages():
		if !ok {
			if err := msgs.Error(); err != nil {
				return nil, fmt.Errorf("fetch: %w", err)
			}
			return nil, jetstream.ErrNoMessages
		}
		return natsMsg{msg}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch: %w", ctx.Err())
	}
}
