// Package config defines the pipeline's envconfig-driven configuration: one
// struct processed by envconfig.Process, with struct-tag defaults for
// everything optional.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/streametl/internal/keypath"
	"github.com/flowforge/streametl/internal/logging"
	"github.com/flowforge/streametl/internal/schema"
)

// KafkaConfig describes how to reach the source Kafka cluster and which
// topic to ingest. Credential handling is intentionally shallow — a single
// SASL/TLS login — since full connector auth is out of this module's scope.
type KafkaConfig struct {
	Brokers       []string      `envconfig:"BROKERS" required:"true"`
	Topic         string        `envconfig:"TOPIC" required:"true"`
	ConsumerGroup string        `envconfig:"CONSUMER_GROUP" default:"streametl"`
	SASLUsername  string        `envconfig:"SASL_USERNAME"`
	SASLPassword  string        `envconfig:"SASL_PASSWORD"`
	TLSEnable     bool          `envconfig:"TLS_ENABLE" default:"false"`
	TLSSkipVerify bool          `envconfig:"TLS_SKIP_VERIFY" default:"false"`
	InitialOffset string        `envconfig:"INITIAL_OFFSET" default:"earliest"`
	DialTimeout   time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
}

// NATSConfig names the JetStream server the pipeline's stages communicate
// through. Stream and subject names themselves are not configurable here —
// they are derived from Config.PipelineID per spec.md §6's
// `gf.<pipelineId>.in.<topic>` / `gf.<pipelineId>.out` convention, so that
// two pipelines never collide on a shared NATS server regardless of operator
// choice.
type NATSConfig struct {
	URL               string        `envconfig:"URL" default:"nats://127.0.0.1:4222"`
	StreamMaxAge      time.Duration `envconfig:"STREAM_MAX_AGE" default:"24h"`
	IngestDedupWindow time.Duration `envconfig:"INGEST_DEDUP_WINDOW" default:"2m"`
}

// KeyConfig is the envconfig-friendly mirror of operator.KeyConfig.
type KeyConfig struct {
	Path string       `envconfig:"PATH"`
	Type keypath.Type `envconfig:"TYPE" default:"string"`
}

// DedupConfig configures the deduplicator operator. When Join is also
// enabled, these same settings parameterize the DeduplicatingJoiner: one
// Deduplicator instance per join side, each keyed on that side's own join
// key (spec.md §4.4's "chaining" realization has no separate per-side key,
// so the join key doubles as the dedup key).
type DedupConfig struct {
	Enabled    bool          `envconfig:"ENABLED" default:"false"`
	Key        KeyConfig     `envconfig:"KEY"`
	Window     time.Duration `envconfig:"WINDOW" default:"5m"`
	MaxEntries int           `envconfig:"MAX_ENTRIES" default:"0"`
}

// JoinConfig configures the temporal joiner operator. LeftTopic/RightTopic
// name the two Kafka topics the pipeline ingests when Join is enabled,
// replacing the single-topic KafkaConfig.Topic for that mode: a join always
// needs two independent sources, never one. The intermediate JetStream
// subjects the two sides flow through before reaching the Joiner are derived
// from Config.PipelineID and these topic/side names, not configured here.
type JoinConfig struct {
	Enabled           bool          `envconfig:"ENABLED" default:"false"`
	LeftTopic         string        `envconfig:"LEFT_TOPIC"`
	RightTopic        string        `envconfig:"RIGHT_TOPIC"`
	LeftName          string        `envconfig:"LEFT_NAME" default:"left"`
	RightName         string        `envconfig:"RIGHT_NAME" default:"right"`
	LeftKey           KeyConfig     `envconfig:"LEFT_KEY"`
	RightKey          KeyConfig     `envconfig:"RIGHT_KEY"`
	Window            time.Duration `envconfig:"WINDOW" default:"5m"`
	MaxEntriesPerSide int           `envconfig:"MAX_ENTRIES_PER_SIDE" default:"0"`
}

// ClickHouseConfig describes the sink's destination connection and table.
type ClickHouseConfig struct {
	Host     string `envconfig:"HOST" default:"127.0.0.1"`
	Port     string `envconfig:"PORT" default:"9000"`
	Username string `envconfig:"USERNAME" default:"default"`
	Password string `envconfig:"PASSWORD"`
	Database string `envconfig:"DATABASE" default:"default"`
	Table    string `envconfig:"TABLE" required:"true"`
	Secure   bool   `envconfig:"SECURE" default:"false"`

	ColumnsJSON string `envconfig:"COLUMNS_JSON" required:"true"`
}

// ParseColumns decodes the sink's column mapping from a JSON array, e.g.
// `[{"column":"id","path":"/id","type":"uuid"}]`, sourced from the
// STREAMETL_CLICKHOUSE_COLUMNS_JSON environment variable. envconfig has no
// native support for a list of structs, so the table schema is carried as one
// JSON-encoded field rather than a repeated env-var group.
func ParseColumns(raw string) ([]schema.ColumnMapping, error) {
	var entries []struct {
		Column string `json:"column"`
		Path   string `json:"path"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse column mapping: %w", err)
	}

	columns := make([]schema.ColumnMapping, len(entries))
	for i, e := range entries {
		columns[i] = schema.ColumnMapping{
			ColumnName: e.Column,
			FieldPath:  e.Path,
			FieldType:  schema.FieldType(e.Type),
		}
	}
	return columns, nil
}

// SinkConfig configures batching and retry behavior for the ClickHouse sink.
type SinkConfig struct {
	MaxBatchSize  int           `envconfig:"MAX_BATCH_SIZE" default:"10000"`
	MaxBatchAge   time.Duration `envconfig:"MAX_BATCH_AGE" default:"10s"`
	RetryAttempts uint          `envconfig:"RETRY_ATTEMPTS" default:"5"`
	RetryDelay    time.Duration `envconfig:"RETRY_DELAY" default:"500ms"`
}

// Config is the pipeline's complete configuration, assembled by
// envconfig.Process("streametl", &cfg) from STREAMETL_* environment
// variables (nested struct fields are prefixed by their field name, e.g.
// STREAMETL_KAFKA_BROKERS, STREAMETL_SINK_MAX_BATCH_SIZE).
type Config struct {
	Logging    logging.Config
	Kafka      KafkaConfig
	NATS       NATSConfig
	Dedup      DedupConfig
	Join       JoinConfig
	ClickHouse ClickHouseConfig
	Sink       SinkConfig

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// DrainTimeout bounds how long the Operator stage is given to finish
	// in-flight window matches after the Ingester has been cancelled but
	// before the Operator itself is (spec.md §4.6's shutdown protocol,
	// step 2).
	DrainTimeout time.Duration `envconfig:"DRAIN_TIMEOUT" default:"10s"`

	// PipelineID namespaces this pipeline's JetStream streams and subjects
	// (spec.md §6: `gf.<pipelineId>.in.<topic>` / `gf.<pipelineId>.out`) so
	// multiple pipelines can run against the same NATS server without
	// colliding.
	PipelineID string `envconfig:"PIPELINE_ID" required:"true"`
}
