// Package supervisor starts and stops the pipeline's components as a unit.
// Components start in reverse of the data flow (sink, then operator, then
// ingester) so every downstream reader is already consuming before an
// upstream writer can produce, and every component's terminal error fans
// into one channel that triggers a coordinated shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Component is anything the supervisor manages: the ingester and every
// operator satisfy this via operator.Operator; the sink does too.
type Component interface {
	Start(ctx context.Context) error
	Stop()
}

// tracked pairs a Component with a channel that closes once its Start
// goroutine has returned, so shutdown staging can wait on one stage at a
// time instead of the whole fleet at once.
type tracked struct {
	c    Component
	done chan struct{}
}

func track(c Component) *tracked {
	return &tracked{c: c, done: make(chan struct{})} //nolint:exhaustruct // done is zero-valued until Run closes it
}

// Supervisor owns the full set of running components and coordinates a
// staged shutdown: Ingester first, then Operator (given a drain window),
// then Sink, per spec.md §4.6.
type Supervisor struct {
	sink      *tracked
	operators []*tracked
	ingestors []*tracked

	drainTimeout    time.Duration
	shutdownTimeout time.Duration
	log             *slog.Logger

	wg     sync.WaitGroup
	errCh  chan error
	once   sync.Once
	cancel context.CancelFunc
}

// New builds a Supervisor over one sink, zero or more operator-stage
// components, and one or more ingester-stage components. drainTimeout bounds
// how long the operator stage is allowed to keep draining its input after
// the ingester stage has been stopped, before it too is cancelled.
func New(sink Component, operators, ingestors []Component, drainTimeout, shutdownTimeout time.Duration, log *slog.Logger) *Supervisor {
	ops := make([]*tracked, len(operators))
	for i, o := range operators {
		ops[i] = track(o)
	}
	ings := make([]*tracked, len(ingestors))
	for i, in := range ingestors {
		ings[i] = track(in)
	}

	return &Supervisor{
		sink:            track(sink),
		operators:       ops,
		ingestors:       ings,
		drainTimeout:    drainTimeout,
		shutdownTimeout: shutdownTimeout,
		log:             log,
		errCh:           make(chan error, len(ops)+len(ings)+1),
	}
}

func (s *Supervisor) all() []*tracked {
	out := make([]*tracked, 0, len(s.operators)+len(s.ingestors)+1)
	out = append(out, s.sink)
	out = append(out, s.operators...)
	out = append(out, s.ingestors...)
	return out
}

// Run starts every component and blocks until ctx is cancelled or any
// component's Start returns a non-nil error, which is treated as fatal and
// triggers shutdown. A component whose Start returns nil on its own does not
// stop the pipeline. Run returns the first error observed, or nil on a clean
// shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	for _, tc := range s.all() {
		s.wg.Add(1)
		go func(tc *tracked) {
			defer s.wg.Done()
			defer close(tc.done)
			if err := tc.c.Start(runCtx); err != nil {
				select {
				case s.errCh <- fmt.Errorf("component stopped: %w", err):
				default:
				}
			}
		}(tc)
	}

	var runErr error
	select {
	case <-runCtx.Done():
	case err := <-s.errCh:
		runErr = err
		s.log.Error("component failed, shutting down pipeline", slog.Any("error", err))
	}

	s.shutdown()

	if runErr != nil {
		return runErr
	}
	return nil
}

// shutdown runs the staged shutdown protocol exactly once: stop the ingester
// stage, give the operator stage up to drainTimeout to finish on its own
// before stopping it, then stop the sink so it can flush and ack its open
// batch, and finally release the shared root context. It then waits up to
// shutdownTimeout for every component to have actually returned.
func (s *Supervisor) shutdown() {
	s.once.Do(func() {
		s.log.Info("stopping ingester stage")
		stopStage(s.ingestors)

		s.log.Info("draining operator stage", slog.Duration("drain_timeout", s.drainTimeout))
		waitStage(s.operators, s.drainTimeout)
		stopStage(s.operators)

		s.log.Info("flushing sink stage")
		stopStage([]*tracked{s.sink})

		if s.cancel != nil {
			s.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all pipeline components stopped")
	case <-time.After(s.shutdownTimeout):
		s.log.Warn("shutdown timeout elapsed before all components stopped")
	}
}

// waitStage blocks until every component in stage has returned on its own or
// until timeout elapses, whichever comes first. It never calls Stop — it
// only gives a stage a window to finish in-flight work before the caller
// cancels it.
func waitStage(stage []*tracked, timeout time.Duration) {
	if len(stage) == 0 || timeout <= 0 {
		return
	}

	var wg sync.WaitGroup
	for _, tc := range stage {
		tc := tc
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-tc.done
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// stopStage calls Stop on every component in the stage and blocks until each
// one's Start goroutine has actually returned.
func stopStage(stage []*tracked) {
	for _, tc := range stage {
		tc.c.Stop()
	}
	for _, tc := range stage {
		<-tc.done
	}
}

// Shutdown requests a graceful stop from outside Run, e.g. on receipt of an
// OS signal.
func (s *Supervisor) Shutdown() {
	s.shutdown()
}
