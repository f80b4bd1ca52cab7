package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSClient wraps a core NATS connection and its JetStream context, and
// provisions the streams the pipeline's components read and write.
type NATSClient struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNATSClient connects to url and opens JetStream.
func NewNATSClient(url string) (*NATSClient, error) {
	nc, err := nats.Connect(url, nats.Name("streametl"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}

	return &NATSClient{nc: nc, js: js}, nil
}

// JetStream returns the underlying JetStream context.
func (c *NATSClient) JetStream() jetstream.JetStream {
	return c.js
}

// CreateOrUpdateStream provisions a stream carrying subject, with an optional
// server-side message-id dedup window (spec.md's "duplicate suppression is a
// property of the durable log, not the consumer").
func (c *NATSClient) CreateOrUpdateStream(ctx context.Context, name, subject string, maxAge time.Duration, dedupWindow time.Duration) error {
	cfg := jetstream.StreamConfig{ //nolint:exhaustruct // optional fields
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Discard:   jetstream.DiscardOld,
	}
	if dedupWindow > 0 {
		cfg.Duplicates = dedupWindow
	}

	_, err := c.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create or update stream %s: %w", name, err)
	}
	return nil
}

// Close closes the underlying connection without draining it.
func (c *NATSClient) Close() error {
	c.nc.Close()
	return nil
}
