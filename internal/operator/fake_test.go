package operator

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowforge/streametl/internal/stream"
)

// fakeMsg is a minimal stream.Msg for operator tests.
type fakeMsg struct {
	data  []byte
	seq   uint64
	acked bool
}

func (m *fakeMsg) Data() []byte                    { return m.data }
func (m *fakeMsg) Ack() error                      { m.acked = true; return nil }
func (m *fakeMsg) StreamSequence() (uint64, error) { return m.seq, nil }

func newFakeMsg(payload string) *fakeMsg {
	return &fakeMsg{data: []byte(payload)} //nolint:exhaustruct // test helper
}

// fakeConsumer is an in-memory stream.Consumer fed by a fixed queue of
// messages; once drained, Next reports jetstream.ErrNoMessages like the real
// bounded-poll consumer does on an empty pull.
type fakeConsumer struct {
	mu    sync.Mutex
	queue []stream.Msg
}

func newFakeConsumer(msgs ...stream.Msg) *fakeConsumer {
	return &fakeConsumer{queue: msgs} //nolint:exhaustruct // test helper
}

func (c *fakeConsumer) Next(ctx context.Context) (stream.Msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, jetstream.ErrNoMessages
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, nil
}

// fakePublisher records every payload published to it.
type fakePublisher struct {
	mu       sync.Mutex
	subject  string
	payloads [][]byte
}

func newFakePublisher(subject string) *fakePublisher {
	return &fakePublisher{subject: subject} //nolint:exhaustruct // test helper
}

func (p *fakePublisher) Publish(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *fakePublisher) PublishWithID(ctx context.Context, payload []byte, _ string) error {
	return p.Publish(ctx, payload)
}

func (p *fakePublisher) Subject() string { return p.subject }

func (p *fakePublisher) published() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.payloads))
	copy(out, p.payloads)
	return out
}
