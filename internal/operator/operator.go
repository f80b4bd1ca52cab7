// Package operator hosts the single-loop components that sit between two
// JetStream subjects: passthrough, deduplicator, and temporal joiner. Each
// operator owns its state exclusively and never shares it across goroutines,
// per the pipeline's single-cooperative-loop concurrency model.
package operator

import "context"

// Operator is the common lifecycle every pipeline stage exposes to the
// supervisor.
type Operator interface {
	Start(ctx context.Context) error
	Stop()
}
