// Package monque is a MongoDB-backed distributed job scheduler. Producers
// enqueue one-time, delayed or cron-recurring jobs into a shared collection;
// any number of scheduler instances cooperate on that collection to claim,
// execute, retry and finalize them. An atomic conditional update is the only
// coordination primitive, so a job is executed by at most one instance at a
// time and delivery is at-least-once. Crashed instances are recovered by
// lease expiry.
//
// A minimal embedding:
//
//	s, err := monque.New(client.Database("app"))
//	if err != nil { ... }
//	_ = s.RegisterWorker("send-email", sendEmail)
//	if err := s.Start(ctx); err != nil { ... }
//	defer s.Stop(context.Background())
//
//	_, err = s.Enqueue(ctx, "send-email", bson.M{"to": "ada@example.com"})
package monque

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/rezkam/monque/internal/emitter"
)

// State is the lifecycle phase of a Scheduler.
type State int32

const (
	// StateUninitialized is the zero value; only New produces a usable
	// scheduler.
	StateUninitialized State = iota
	// StateInitialized means New succeeded: producer, manager and query
	// operations work, background processing has not started.
	StateInitialized
	// StateRunning means Start succeeded and jobs are being dispatched.
	StateRunning
	// StateStopped means Stop ran; the scheduler cannot be restarted.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Scheduler owns one instance's share of the distributed queue: its worker
// registry, its claim/dispatch loops, and its identity in the claimedBy
// field. Instances are self-contained; any number of them may share a
// collection.
type Scheduler struct {
	cfg      config
	store    Store
	registry *registry
	emitter  *emitter.Emitter
	logger   *slog.Logger
	metrics  *schedulerMetrics

	state        atomic.Int32
	globalActive atomic.Int64

	// pokes holds at most one pending dispatch request; see requestDispatch.
	pokes chan struct{}

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	// runCtx is cancelled by Stop and ends every background loop. handlerCtx
	// is derived from it without its cancellation: in-flight handlers get to
	// finish after Stop begins.
	runCtx     context.Context
	runCancel  context.CancelFunc
	handlerCtx context.Context

	loopWG    sync.WaitGroup
	handlerWG sync.WaitGroup
}

// New builds a scheduler persisting to a collection of db. It performs no
// I/O; indexes are created by Start. The returned scheduler accepts producer,
// manager and query calls immediately.
func New(db *mongo.Database, opts ...Option) (*Scheduler, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, fmt.Errorf("monque: database must not be nil")
	}
	return newScheduler(NewMongoStore(db, cfg.collectionName), cfg), nil
}

// newScheduler finishes construction on an arbitrary Store. Tests use it to
// run the full scheduler against an in-memory store.
func newScheduler(store Store, cfg config) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		registry: newRegistry(),
		emitter:  emitter.New(cfg.logger),
		logger:   cfg.logger.With("component", "monque", "instance_id", cfg.instanceID),
		pokes:    make(chan struct{}, 1),
	}
	s.metrics = newSchedulerMetrics(s.logger)
	s.state.Store(int32(StateInitialized))
	return s
}

// State reports the scheduler's lifecycle phase.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// InstanceID is the identity this instance writes into claimedBy.
func (s *Scheduler) InstanceID() string {
	return s.cfg.instanceID
}

func (s *Scheduler) isRunning() bool {
	return s.State() == StateRunning
}

// ready gates operations that need a constructed, not-yet-stopped scheduler.
func (s *Scheduler) ready(op string) error {
	switch s.State() {
	case StateInitialized, StateRunning:
		return nil
	case StateStopped:
		return &ConnectionError{Op: op, Err: fmt.Errorf("scheduler is stopped")}
	default:
		return &ConnectionError{Op: op, Err: fmt.Errorf("scheduler is not initialized, use monque.New")}
	}
}

// Start creates the collection indexes, recovers stale leases left behind by
// dead instances (unless disabled), and launches the background machinery:
// the dispatch and poll loops, the change-stream consumer, heartbeats,
// periodic recovery and the optional retention sweep. It returns once
// everything is launched; job execution happens on background goroutines.
//
// ctx bounds the startup I/O and is the value-context inherited by all
// background work; its cancellation does not stop the scheduler, Stop does.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		return fmt.Errorf("monque: cannot start scheduler in state %s", s.State())
	}

	if err := s.store.EnsureIndexes(ctx); err != nil {
		s.state.Store(int32(StateInitialized))
		return &ConnectionError{Op: "start", Err: err}
	}

	if s.cfg.recoverStaleJobs {
		if _, err := s.recoverStale(ctx); err != nil {
			// Not fatal: the periodic recovery loop retries, and other
			// instances run their own recovery.
			s.logger.WarnContext(ctx, "stale job recovery at startup failed", "error", err)
			s.emit(EventJobError, JobErrorPayload{Err: err})
		}
	}

	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.handlerCtx = context.WithoutCancel(s.runCtx)

	s.goLoop(func() { s.runDispatchLoop(s.runCtx) })
	s.goLoop(func() { s.runPollLoop(s.runCtx) })
	s.goLoop(func() { s.runChangeStreamConsumer(s.runCtx) })
	s.goLoop(func() { s.runHeartbeatLoop(s.runCtx) })
	if s.cfg.recoverStaleJobs {
		s.goLoop(func() { s.runRecoveryLoop(s.runCtx) })
	}
	if s.cfg.retention.Completed > 0 || s.cfg.retention.Failed > 0 {
		s.goLoop(func() { s.runRetentionLoop(s.runCtx) })
	}

	// First poll fires immediately so due jobs do not wait a full interval.
	s.requestDispatch()

	s.logger.InfoContext(ctx, "scheduler started",
		"collection", s.cfg.collectionName,
		"poll_interval", s.cfg.pollInterval,
		"heartbeat_interval", s.cfg.heartbeatInterval,
		"lock_timeout", s.cfg.lockTimeout)
	return nil
}

// goLoop runs f on a new goroutine tracked by loopWG, like
// sync.WaitGroup.Go, which needs Go 1.25.
func (s *Scheduler) goLoop(f func()) {
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		f()
	}()
}

// Stop halts dispatching, cancels the periodic tasks and the change stream,
// and waits up to the shutdown timeout for in-flight handlers to finish.
// Handlers still running when the budget expires are reported through a
// job:error carrying ShutdownTimeoutError and keep their PROCESSING records;
// stale recovery hands those jobs to another instance once the lease
// expires. Stop is idempotent and never fails because of stragglers.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
		// Never started or already stopped: just seal the lifecycle.
		if s.state.CompareAndSwap(int32(StateInitialized), int32(StateStopped)) {
			s.emitter.Close()
		}
		return nil
	}

	s.logger.Info("scheduler stopping", "shutdown_timeout", s.cfg.shutdownTimeout)

	s.runCancel()
	s.cancelDebounce()
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.handlerWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.shutdownTimeout)
	defer timer.Stop()

	clean := false
	select {
	case <-done:
		clean = true
	case <-timer.C:
	case <-ctx.Done():
	}

	if !clean {
		incomplete := s.registry.allActive()
		s.logger.Warn("shutdown timed out with jobs still running",
			"count", len(incomplete), "timeout", s.cfg.shutdownTimeout)
		s.emit(EventJobError, JobErrorPayload{Err: &ShutdownTimeoutError{
			Timeout:        s.cfg.shutdownTimeout,
			IncompleteJobs: incomplete,
		}})
	}

	// Flush everything emitted so far; listeners see a complete story.
	s.emitter.Close()

	s.logger.Info("scheduler stopped", "clean", clean)
	return nil
}
