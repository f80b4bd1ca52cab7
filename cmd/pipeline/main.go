// Command pipeline runs one streametl pipeline: a Kafka ingester feeding
// JetStream, an optional dedup/join operator chain, and a ClickHouse sink,
// supervised as a unit until an OS signal or a component failure stops it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/kelseyhightower/envconfig"

	"github.com/flowforge/streametl/internal/client"
	"github.com/flowforge/streametl/internal/config"
	"github.com/flowforge/streametl/internal/ingestor"
	"github.com/flowforge/streametl/internal/kafka"
	"github.com/flowforge/streametl/internal/logging"
	"github.com/flowforge/streametl/internal/operator"
	"github.com/flowforge/streametl/internal/schema"
	"github.com/flowforge/streametl/internal/sink"
	"github.com/flowforge/streametl/internal/stream"
	"github.com/flowforge/streametl/internal/supervisor"
)

//nolint:gochecknoglobals // build-time version stamp
var (
	commit = "unspecified"
	app    = "streametl"
)

func main() {
	var cfg config.Config
	if err := envconfig.Process("streametl", &cfg); err != nil {
		slog.Error("unable to parse config", slog.Any("error", err))
		os.Exit(1)
	}

	log := logging.New(cfg.Logging).With(
		slog.String("app", app),
		slog.String("commit", commit),
		slog.String("goversion", runtime.Version()),
		slog.String("pipeline_id", cfg.PipelineID),
	)

	if err := run(&cfg, log); err != nil {
		log.Error("pipeline stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("pipeline terminated gracefully")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	columns, err := config.ParseColumns(cfg.ClickHouse.ColumnsJSON)
	if err != nil {
		return fmt.Errorf("parse clickhouse column mapping: %w", err)
	}
	mapper, err := schema.NewMapper(columns)
	if err != nil {
		return fmt.Errorf("build schema mapper: %w", err)
	}

	natsClient, err := client.NewNATSClient(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer natsClient.Close() //nolint:errcheck // best-effort on shutdown path

	sinkStreamName, err := provisionStreams(ctx, cfg, natsClient)
	if err != nil {
		return err
	}

	chClient, err := client.NewClickHouseClient(ctx, client.ClickHouseConfig{
		Host:     cfg.ClickHouse.Host,
		Port:     cfg.ClickHouse.Port,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
		Database: cfg.ClickHouse.Database,
		Secure:   cfg.ClickHouse.Secure,
	})
	if err != nil {
		return fmt.Errorf("connect to clickhouse: %w", err)
	}

	sinkConsumer, err := stream.NewNATSConsumer(ctx, natsClient.JetStream(), stream.ConsumerConfig{
		Stream:  sinkStreamName,
		Durable: "sink",
	})
	if err != nil {
		return fmt.Errorf("create sink consumer: %w", err)
	}

	chSink, err := sink.NewClickHouseSink(ctx, chClient, sinkConsumer, mapper, sink.Config{
		Table:         cfg.ClickHouse.Table,
		MaxBatchSize:  cfg.Sink.MaxBatchSize,
		MaxBatchAge:   cfg.Sink.MaxBatchAge,
		RetryAttempts: cfg.Sink.RetryAttempts,
		RetryDelay:    cfg.Sink.RetryDelay,
	}, log.With(slog.String("component", "sink")))
	if err != nil {
		return fmt.Errorf("build clickhouse sink: %w", err)
	}

	operatorComponents, err := buildOperators(ctx, cfg, natsClient, log)
	if err != nil {
		return err
	}

	ingestorComponents, err := buildIngestors(cfg, natsClient, log)
	if err != nil {
		return err
	}

	sup := supervisor.New(chSink, operatorComponents, ingestorComponents, cfg.DrainTimeout, cfg.ShutdownTimeout, log)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- sup.Run(ctx)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		if err != nil {
			return fmt.Errorf("pipeline failed: %w", err)
		}
		return nil
	case sig := <-signals:
		log.Info("received termination signal, shutting down", slog.String("signal", sig.String()))
		sup.Shutdown()
		return <-runErrCh
	}
}

// subjectFor builds a JetStream subject under this pipeline's namespace:
// gf.<pipelineId>.<parts...>. spec.md §6 names the two ends of this pattern
// explicitly (`gf.<pipelineId>.in.<topic>`, `gf.<pipelineId>.out`); internal
// operator-to-operator hops (e.g. the DeduplicatingJoiner's per-side
// post-dedup handoff) extend the same namespace so every subject a pipeline
// touches is scoped to it.
func subjectFor(pipelineID string, parts ...string) string {
	return "gf." + pipelineID + "." + strings.Join(parts, ".")
}

// streamFor builds the JetStream stream name matching subjectFor's subject,
// sanitized because stream names (unlike subjects) may not contain dots.
func streamFor(pipelineID string, parts ...string) string {
	segs := make([]string, len(parts))
	for i, p := range parts {
		segs[i] = sanitizeStreamSegment(p)
	}
	return "gf-" + sanitizeStreamSegment(pipelineID) + "-" + strings.Join(segs, "-")
}

func sanitizeStreamSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func ingestSubject(pipelineID, topic string) string { return subjectFor(pipelineID, "in", topic) }
func ingestStream(pipelineID, topic string) string  { return streamFor(pipelineID, "in", topic) }
func outSubject(pipelineID string) string           { return subjectFor(pipelineID, "out") }
func outStream(pipelineID string) string            { return streamFor(pipelineID, "out") }

// provisionStreams provisions every JetStream stream this pipeline's
// topology needs and returns the name of the stream the sink reads from,
// which is always the pipeline's single `gf.<pipelineId>.out` stream
// regardless of which operator chain feeds it (spec.md §4.2's "uniform
// consumer contract").
func provisionStreams(ctx context.Context, cfg *config.Config, nc *client.NATSClient) (string, error) {
	pid := cfg.PipelineID

	if cfg.Join.Enabled {
		if err := provisionJoinStreams(ctx, cfg, nc); err != nil {
			return "", err
		}
		return outStream(pid), nil
	}

	if err := nc.CreateOrUpdateStream(ctx, ingestStream(pid, cfg.Kafka.Topic), ingestSubject(pid, cfg.Kafka.Topic), cfg.NATS.StreamMaxAge, cfg.NATS.IngestDedupWindow); err != nil {
		return "", fmt.Errorf("provision ingest stream: %w", err)
	}
	if err := nc.CreateOrUpdateStream(ctx, outStream(pid), outSubject(pid), cfg.NATS.StreamMaxAge, 0); err != nil {
		return "", fmt.Errorf("provision out stream: %w", err)
	}

	return outStream(pid), nil
}

func provisionJoinStreams(ctx context.Context, cfg *config.Config, nc *client.NATSClient) error {
	pid := cfg.PipelineID

	if err := nc.CreateOrUpdateStream(ctx, ingestStream(pid, cfg.Join.LeftTopic), ingestSubject(pid, cfg.Join.LeftTopic), cfg.NATS.StreamMaxAge, cfg.NATS.IngestDedupWindow); err != nil {
		return fmt.Errorf("provision join left ingest stream: %w", err)
	}
	if err := nc.CreateOrUpdateStream(ctx, ingestStream(pid, cfg.Join.RightTopic), ingestSubject(pid, cfg.Join.RightTopic), cfg.NATS.StreamMaxAge, cfg.NATS.IngestDedupWindow); err != nil {
		return fmt.Errorf("provision join right ingest stream: %w", err)
	}

	if cfg.Dedup.Enabled {
		if err := nc.CreateOrUpdateStream(ctx, streamFor(pid, "join", "left"), subjectFor(pid, "join", "left"), cfg.NATS.StreamMaxAge, 0); err != nil {
			return fmt.Errorf("provision join left deduped stream: %w", err)
		}
		if err := nc.CreateOrUpdateStream(ctx, streamFor(pid, "join", "right"), subjectFor(pid, "join", "right"), cfg.NATS.StreamMaxAge, 0); err != nil {
			return fmt.Errorf("provision join right deduped stream: %w", err)
		}
	}

	if err := nc.CreateOrUpdateStream(ctx, outStream(pid), outSubject(pid), cfg.NATS.StreamMaxAge, 0); err != nil {
		return fmt.Errorf("provision out stream: %w", err)
	}
	return nil
}

// buildOperators returns the pipeline's operator stage(s): a Passthrough
// when neither dedup nor join is enabled (so the sink always reads off a
// uniform `gf.<pipelineId>.out` stream per spec.md §4.2), a single
// Deduplicator, a single Joiner, or — when both are enabled — a
// DeduplicatingJoiner realized per spec.md §4.4 as one Deduplicator per join
// side chained into the Joiner, with no new algorithmic content beyond those
// two operators.
func buildOperators(ctx context.Context, cfg *config.Config, nc *client.NATSClient, log *slog.Logger) ([]supervisor.Component, error) {
	switch {
	case cfg.Join.Enabled && cfg.Dedup.Enabled:
		return buildDeduplicatingJoiner(ctx, cfg, nc, log)

	case cfg.Join.Enabled:
		joiner, err := buildJoiner(ctx, cfg, nc, log, ingestStream(cfg.PipelineID, cfg.Join.LeftTopic), ingestStream(cfg.PipelineID, cfg.Join.RightTopic))
		if err != nil {
			return nil, err
		}
		return []supervisor.Component{joiner}, nil

	case cfg.Dedup.Enabled:
		dedup, err := buildDeduplicator(ctx, cfg, nc, log, ingestStream(cfg.PipelineID, cfg.Kafka.Topic), "dedup", outSubject(cfg.PipelineID), cfg.Dedup.Key)
		if err != nil {
			return nil, err
		}
		return []supervisor.Component{dedup}, nil

	default:
		passthrough, err := buildPassthrough(ctx, cfg, nc, log)
		if err != nil {
			return nil, err
		}
		return []supervisor.Component{passthrough}, nil
	}
}

func buildPassthrough(ctx context.Context, cfg *config.Config, nc *client.NATSClient, log *slog.Logger) (*operator.Passthrough, error) {
	in, err := stream.NewNATSConsumer(ctx, nc.JetStream(), stream.ConsumerConfig{Stream: ingestStream(cfg.PipelineID, cfg.Kafka.Topic), Durable: "passthrough"})
	if err != nil {
		return nil, fmt.Errorf("create passthrough consumer: %w", err)
	}
	out := stream.NewNATSPublisher(nc.JetStream(), stream.PublisherConfig{Subject: outSubject(cfg.PipelineID)})
	return operator.NewPassthrough(in, out, log.With(slog.String("component", "passthrough"))), nil
}

func buildDeduplicator(ctx context.Context, cfg *config.Config, nc *client.NATSClient, log *slog.Logger, inStream, durable, outSubj string, key config.KeyConfig) (*operator.Deduplicator, error) {
	in, err := stream.NewNATSConsumer(ctx, nc.JetStream(), stream.ConsumerConfig{Stream: inStream, Durable: durable})
	if err != nil {
		return nil, fmt.Errorf("create %s consumer: %w", durable, err)
	}
	out := stream.NewNATSPublisher(nc.JetStream(), stream.PublisherConfig{Subject: outSubj})

	return operator.NewDeduplicator(
		in, out,
		operator.KeyConfig{Path: key.Path, Type: key.Type},
		cfg.Dedup.Window, cfg.Dedup.MaxEntries,
		log.With(slog.String("component", "deduplicator")),
	), nil
}

func buildJoiner(ctx context.Context, cfg *config.Config, nc *client.NATSClient, log *slog.Logger, leftStream, rightStream string) (*operator.Joiner, error) {
	leftConsumer, err := stream.NewNATSConsumer(ctx, nc.JetStream(), stream.ConsumerConfig{Stream: leftStream, Durable: "join-left"})
	if err != nil {
		return nil, fmt.Errorf("create join left consumer: %w", err)
	}
	rightConsumer, err := stream.NewNATSConsumer(ctx, nc.JetStream(), stream.ConsumerConfig{Stream: rightStream, Durable: "join-right"})
	if err != nil {
		return nil, fmt.Errorf("create join right consumer: %w", err)
	}
	resultsPublisher := stream.NewNATSPublisher(nc.JetStream(), stream.PublisherConfig{Subject: outSubject(cfg.PipelineID)})

	return operator.NewJoiner(
		leftConsumer, rightConsumer, resultsPublisher,
		operator.SideConfig{Name: cfg.Join.LeftName, Key: operator.KeyConfig{Path: cfg.Join.LeftKey.Path, Type: cfg.Join.LeftKey.Type}},
		operator.SideConfig{Name: cfg.Join.RightName, Key: operator.KeyConfig{Path: cfg.Join.RightKey.Path, Type: cfg.Join.RightKey.Type}},
		cfg.Join.Window, cfg.Join.MaxEntriesPerSide,
		log.With(slog.String("component", "joiner")),
	), nil
}

func buildDeduplicatingJoiner(ctx context.Context, cfg *config.Config, nc *client.NATSClient, log *slog.Logger) ([]supervisor.Component, error) {
	pid := cfg.PipelineID

	leftDedup, err := buildDeduplicator(ctx, cfg, nc, log, ingestStream(pid, cfg.Join.LeftTopic), "dedup-join-left", subjectFor(pid, "join", "left"), cfg.Join.LeftKey)
	if err != nil {
		return nil, err
	}
	rightDedup, err := buildDeduplicator(ctx, cfg, nc, log, ingestStream(pid, cfg.Join.RightTopic), "dedup-join-right", subjectFor(pid, "join", "right"), cfg.Join.RightKey)
	if err != nil {
		return nil, err
	}

	joiner, err := buildJoiner(ctx, cfg, nc, log, streamFor(pid, "join", "left"), streamFor(pid, "join", "right"))
	if err != nil {
		return nil, err
	}

	return []supervisor.Component{joiner, leftDedup, rightDedup}, nil
}

// buildIngestors returns one Kafka ingestor per source topic: a single one
// for the non-join path, or two (left/right) when Join is enabled. Every
// ingestor always publishes straight onto its topic's
// `gf.<pipelineId>.in.<topic>` ingest subject (spec.md §6) — any dedup/join
// fan-out happens downstream of that stream, in the operator stage.
func buildIngestors(cfg *config.Config, nc *client.NATSClient, log *slog.Logger) ([]supervisor.Component, error) {
	if cfg.Join.Enabled {
		left, err := buildIngestor(cfg, nc, log, "left", cfg.Join.LeftTopic)
		if err != nil {
			return nil, err
		}
		right, err := buildIngestor(cfg, nc, log, "right", cfg.Join.RightTopic)
		if err != nil {
			return nil, err
		}
		return []supervisor.Component{left, right}, nil
	}

	in, err := buildIngestor(cfg, nc, log, "", cfg.Kafka.Topic)
	if err != nil {
		return nil, err
	}
	return []supervisor.Component{in}, nil
}

func buildIngestor(cfg *config.Config, nc *client.NATSClient, log *slog.Logger, side, topic string) (*ingestor.KafkaIngestor, error) {
	consumerGroup := cfg.Kafka.ConsumerGroup
	logger := log.With(slog.String("component", "ingestor"))
	if side != "" {
		consumerGroup = fmt.Sprintf("%s-%s", consumerGroup, side)
		logger = logger.With(slog.String("side", side))
	}

	consumer, err := kafka.NewConsumer(kafka.ConnectionConfig{
		Brokers:       cfg.Kafka.Brokers,
		ConsumerGroup: consumerGroup,
		SASLUsername:  cfg.Kafka.SASLUsername,
		SASLPassword:  cfg.Kafka.SASLPassword,
		TLSEnable:     cfg.Kafka.TLSEnable,
		TLSSkipVerify: cfg.Kafka.TLSSkipVerify,
		InitialOffset: cfg.Kafka.InitialOffset,
		DialTimeout:   cfg.Kafka.DialTimeout,
	}, topic)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	publisher := stream.NewNATSPublisher(nc.JetStream(), stream.PublisherConfig{Subject: ingestSubject(cfg.PipelineID, topic)})

	return ingestor.NewKafkaIngestor(consumer, publisher, logger), nil
}
