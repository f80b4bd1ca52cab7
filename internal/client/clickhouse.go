package client

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds the connection parameters for the sink's native
// protocol connection.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Username string
	Password string // base64-encoded
	Database string
	Secure   bool
}

// ClickHouseClient owns a single serialized native-protocol connection. The
// sink never issues concurrent queries against it, so the pool is pinned to
// one connection: pooling would only let a slow insert race a concurrent
// reconnect.
type ClickHouseClient struct {
	conn driver.Conn
	cfg  ClickHouseConfig
}

// NewClickHouseClient opens and pings a connection.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseClient, error) {
	c := &ClickHouseClient{cfg: cfg} //nolint:exhaustruct // conn set by connect
	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	return c, nil
}

func (c *ClickHouseClient) connect(ctx context.Context) error {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("close existing connection: %w", err)
		}
	}

	pswd, err := base64.StdEncoding.DecodeString(c.cfg.Password)
	if err != nil {
		return fmt.Errorf("decode password: %w", err)
	}

	var tlsConfig *tls.Config
	if c.cfg.Secure {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12} //nolint:exhaustruct // optional fields
	}

	conn, err := clickhouse.Open(&clickhouse.Options{ //nolint:exhaustruct // optional fields
		Addr:     []string{c.cfg.Host + ":" + c.cfg.Port},
		Protocol: clickhouse.Native,
		TLS:      tlsConfig,
		Auth: clickhouse.Auth{ //nolint:exhaustruct // optional fields
			Database: c.cfg.Database,
			Username: c.cfg.Username,
			Password: string(pswd),
		},
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	c.conn = conn
	return nil
}

// Reconnect closes the current connection and opens and pings a new one.
func (c *ClickHouseClient) Reconnect(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// PrepareBatch starts a new prepared batch for query.
func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("clickhouse client not connected")
	}
	batch, err := c.conn.PrepareBatch(ctx, query, driver.WithReleaseConnection())
	if err != nil {
		return nil, fmt.Errorf("prepare batch: %w", err)
	}
	return batch, nil
}

// Database returns the configured database name.
func (c *ClickHouseClient) Database() string {
	return c.cfg.Database
}

// Close closes the underlying connection.
func (c *ClickHouseClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close clickhouse connection: %w", err)
	}
	c.conn = nil
	return nil
}
