// Package workerpool offloads CPU-bound work (erasure coding, signing) from
// an actor's event loop onto a shared pool, delivering results back as
// events through a reply sink. Grounded on original_source/src/worker.rs's
// SpawnExecutor/Worker split, generalized with Go generics over the shared
// read-only state S and the sink type Sink.
package workerpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jabolina/go-substrate/internal/metrics"
)

// Work is a unit of CPU-bound work closed over nothing but its own
// arguments; it receives the pool's shared read-only state and a sink to
// report results to. Work items have no ordering guarantee among each
// other (spec.md §5).
type Work[S, Sink any] func(state S, sink Sink) error

// Pool is the capability actors hold to submit work. There are two
// concrete shapes: a real spawning pool and Null, which silently discards
// everything and exists only for tests.
type Pool[S, Sink any] interface {
	Submit(work Work[S, Sink]) error
}

// Null discards every submission. Used in place of a real pool in tests
// that don't want to exercise concurrency.
type Null[S, Sink any] struct{}

// Submit implements Pool by doing nothing.
func (Null[S, Sink]) Submit(Work[S, Sink]) error { return nil }

// Executor owns the shared state, the work queue and the set of in-flight
// tasks. Run drives it until the queue is closed or a work item returns an
// unhandled error, at which point the whole executor terminates -
// mirroring the original's join-and-propagate semantics rather than
// swallowing worker failures.
type Executor[S, Sink any] struct {
	state   S
	queue   chan Work[S, Sink]
	metrics *metrics.Registry
}

// Spawn is the capability handed to actors; it forwards submissions into
// the executor's queue.
type Spawn[S, Sink any] struct {
	queue chan Work[S, Sink]
}

// Submit enqueues work for execution by some goroutine in the pool.
func (s Spawn[S, Sink]) Submit(work Work[S, Sink]) error {
	s.queue <- work
	return nil
}

// NewPool constructs a Spawn/Executor pair sharing state. reg may be nil,
// in which case metrics are not recorded.
func NewPool[S, Sink any](state S, reg *metrics.Registry) (Spawn[S, Sink], *Executor[S, Sink]) {
	queue := make(chan Work[S, Sink], 1024)
	return Spawn[S, Sink]{queue: queue}, &Executor[S, Sink]{state: state, queue: queue, metrics: reg}
}

// Run pulls work items off the queue and executes each on its own
// goroutine, joining them with an errgroup so the first unhandled error
// terminates the whole pool. sink is cloned per work item via sinkFor so
// that each task gets an independent reply capability (e.g. a sender bound
// to the requesting actor's session).
func (e *Executor[S, Sink]) Run(ctx context.Context, sinkFor func() Sink) error {
	g, ctx := errgroup.WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case work, ok := <-e.queue:
			if !ok {
				return g.Wait()
			}
			if e.metrics != nil {
				e.metrics.WorkSubmitted.Inc()
				e.metrics.WorkInFlight.Inc()
			}
			state := e.state
			sink := sinkFor()
			g.Go(func() error {
				defer func() {
					if e.metrics != nil {
						e.metrics.WorkInFlight.Dec()
					}
				}()
				if err := work(state, sink); err != nil {
					if e.metrics != nil {
						e.metrics.WorkFailed.Inc()
					}
					return fmt.Errorf("workerpool: work item failed: %w", err)
				}
				return nil
			})
		}
	}
}

// Close stops accepting new work; a subsequent Run drains the queue and
// returns once it is empty and closed.
func (e *Executor[S, Sink]) Close() {
	close(e.queue)
}
