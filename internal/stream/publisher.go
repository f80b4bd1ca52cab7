package stream

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher writes records onto a JetStream subject.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	PublishWithID(ctx context.Context, payload []byte, msgID string) error
	Subject() string
}

// PublisherConfig names the subject a Publisher writes to.
type PublisherConfig struct {
	Subject string
}

// NATSPublisher is the JetStream-backed Publisher.
type NATSPublisher struct {
	js      jetstream.JetStream
	subject string
}

// NewNATSPublisher constructs a publisher bound to cfg.Subject.
func NewNATSPublisher(js jetstream.JetStream, cfg PublisherConfig) *NATSPublisher {
	return &NATSPublisher{js: js, subject: cfg.Subject}
}

// Publish sends payload with no deduplication header.
func (p *NATSPublisher) Publish(ctx context.Context, payload []byte) error {
	_, err := p.js.Publish(ctx, p.subject, payload)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	return nil
}

// PublishWithID sends payload tagged with Nats-Msg-Id so that JetStream's
// server-side dedup window (configured on the stream) collapses a redelivered
// Kafka record into a no-op instead of a duplicate entry in the log.
func (p *NATSPublisher) PublishWithID(ctx context.Context, payload []byte, msgID string) error {
	msg := nats.NewMsg(p.subject)
	msg.Data = payload
	if msgID != "" {
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}

	_, err := p.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	return nil
}

// Subject reports the subject this publisher writes to.
func (p *NATSPublisher) Subject() string {
	return p.subject
}
