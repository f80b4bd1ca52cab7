package ingestor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/streametl/internal/kafka"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConsumer struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
}

func newFakeConsumer(msgs ...kafka.Message) *fakeConsumer {
	return &fakeConsumer{queue: msgs} //nolint:exhaustruct // test helper
}

func (c *fakeConsumer) Fetch(ctx context.Context) (kafka.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err() //nolint:exhaustruct // test helper
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, nil
}

func (c *fakeConsumer) Commit(ctx context.Context, msg kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, msg)
	return nil
}

func (c *fakeConsumer) Close() error { return nil }

func (c *fakeConsumer) commits() []kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]kafka.Message, len(c.committed))
	copy(out, c.committed)
	return out
}

type fakePublisher struct {
	mu   sync.Mutex
	ids  []string
	data [][]byte
}

func (p *fakePublisher) Publish(ctx context.Context, payload []byte) error {
	return p.PublishWithID(ctx, payload, "")
}

func (p *fakePublisher) PublishWithID(ctx context.Context, payload []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, msgID)
	p.data = append(p.data, payload)
	return nil
}

func (p *fakePublisher) Subject() string { return "test" }

func (p *fakePublisher) ackedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ids))
	copy(out, p.ids)
	return out
}

func TestKafkaIngestor_PublishesWithPartitionOffsetMsgID(t *testing.T) {
	consumer := newFakeConsumer(kafka.Message{Topic: "orders", Partition: 3, Offset: 42, Value: []byte(`{"id":1}`)}) //nolint:exhaustruct // test helper
	publisher := &fakePublisher{}                                                                                   //nolint:exhaustruct // test helper

	ing := NewKafkaIngestor(consumer, publisher, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(publisher.ackedIDs()) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, []string{"3:42"}, publisher.ackedIDs())
	require.Eventually(t, func() bool {
		return len(consumer.commits()) == 1
	}, time.Second, time.Millisecond)

	cancel()
	err := <-done
	require.True(t, err == nil || errors.Is(err, context.Canceled))
}

// TestKafkaIngestor_RetriesTransientPublishFailureUntilCancelled reproduces
// spec.md §4.1/§7: a transient publish error (not a fatal Kafka auth/config
// error) is retried with backoff, never surfaced as a terminal error, and the
// Kafka offset is never committed until a publish actually succeeds.
func TestKafkaIngestor_RetriesTransientPublishFailureUntilCancelled(t *testing.T) {
	consumer := newFakeConsumer(kafka.Message{Topic: "orders", Partition: 0, Offset: 1, Value: []byte(`{}`)}) //nolint:exhaustruct // test helper
	failing := &failingPublisher{err: errors.New("nats unavailable")}

	ing := NewKafkaIngestor(consumer, failing, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(time.Second, cancel)

	err := ing.Start(ctx)
	require.True(t, err == nil || errors.Is(err, context.Canceled))
	require.Empty(t, consumer.commits(), "offset must not be committed while every publish attempt fails")
	require.Greater(t, failing.attempts(), 1, "a transient failure must be retried, not surfaced immediately")
}

// TestKafkaIngestor_RetriesTransientPublishFailureThenSucceeds reproduces a
// publish that fails once and then succeeds: the record is still committed,
// just after the retry resolves.
func TestKafkaIngestor_RetriesTransientPublishFailureThenSucceeds(t *testing.T) {
	consumer := newFakeConsumer(kafka.Message{Topic: "orders", Partition: 1, Offset: 7, Value: []byte(`{"id":2}`)}) //nolint:exhaustruct // test helper
	flaky := &flakyPublisher{failN: 1}                                                                             //nolint:exhaustruct // test helper

	ing := NewKafkaIngestor(consumer, flaky, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ing.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(consumer.commits()) == 1
	}, 2*time.Second, time.Millisecond)

	cancel()
	err := <-done
	require.True(t, err == nil || errors.Is(err, context.Canceled))
	require.GreaterOrEqual(t, flaky.attempts(), 2)
}

// TestKafkaIngestor_FatalFetchErrorIsNotRetried reproduces spec.md §4.1's
// "fatal auth or schema errors → surface to supervisor and terminate": a
// Kafka SASL authentication failure must fail Start immediately, with no
// retry delay in between.
func TestKafkaIngestor_FatalFetchErrorIsNotRetried(t *testing.T) {
	consumer := &fatalFetchConsumer{err: sarama.ErrSASLAuthenticationFailed}
	publisher := &fakePublisher{} //nolint:exhaustruct // test helper

	ing := NewKafkaIngestor(consumer, publisher, discardLogger())

	err := ing.Start(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, sarama.ErrSASLAuthenticationFailed)
}

type failingPublisher struct {
	mu  sync.Mutex
	n   int
	err error
}

func (p *failingPublisher) Publish(ctx context.Context, payload []byte) error {
	return p.PublishWithID(ctx, payload, "")
}

func (p *failingPublisher) PublishWithID(context.Context, []byte, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return p.err
}

func (p *failingPublisher) Subject() string { return "test" }

func (p *failingPublisher) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// flakyPublisher fails its first failN publish attempts, then succeeds.
type flakyPublisher struct {
	mu    sync.Mutex
	failN int
	n     int
}

func (p *flakyPublisher) Publish(ctx context.Context, payload []byte) error {
	return p.PublishWithID(ctx, payload, "")
}

func (p *flakyPublisher) PublishWithID(context.Context, []byte, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	if p.n <= p.failN {
		return errors.New("transient nats timeout")
	}
	return nil
}

func (p *flakyPublisher) Subject() string { return "test" }

func (p *flakyPublisher) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// fatalFetchConsumer always fails Fetch with a fixed, non-retryable error.
type fatalFetchConsumer struct {
	err error
}

func (c *fatalFetchConsumer) Fetch(context.Context) (kafka.Message, error) {
	return kafka.Message{}, c.err //nolint:exhaustruct // test helper
}

func (c *fatalFetchConsumer) Commit(context.Context, kafka.Message) error { return nil }
func (c *fatalFetchConsumer) Close() error                                { return nil }
