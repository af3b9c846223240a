package monque

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Handler executes one job. The job argument is the persisted record as it
// was claimed; handlers must treat it as read-only. Returning nil marks the
// run successful, any error schedules a retry or fails the job once the retry
// budget is spent.
//
// The context stays live across Stop so in-flight handlers can finish; it is
// not cancelled when shutdown begins.
type Handler func(ctx context.Context, job *Job) error

// WorkerOption configures a single RegisterWorker call.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	concurrency int
	replace     bool
}

// WithConcurrency sets how many jobs of this name the instance runs at once.
// Defaults to the scheduler-wide worker concurrency.
func WithConcurrency(n int) WorkerOption {
	return func(o *workerOptions) { o.concurrency = n }
}

// WithReplace allows re-registering a name that already has a worker, e.g.
// swapping handlers in tests. Without it a second registration fails.
func WithReplace() WorkerOption {
	return func(o *workerOptions) { o.replace = true }
}

// worker is one registered handler with its concurrency bound and the set of
// jobs it is currently running. reserved counts claim attempts in flight so
// the dispatch cycle never oversubscribes a worker while claims are pending.
type worker struct {
	name        string
	handler     Handler
	concurrency int

	mu       sync.Mutex
	active   map[primitive.ObjectID]*Job
	reserved int
}

// tryReserve takes one execution slot ahead of a claim attempt. It returns
// false when active plus already-reserved slots exhaust the concurrency.
func (w *worker) tryReserve() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.active)+w.reserved >= w.concurrency {
		return false
	}
	w.reserved++
	return true
}

// unreserve returns a slot taken by tryReserve when the claim came back
// empty or failed.
func (w *worker) unreserve() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reserved > 0 {
		w.reserved--
	}
}

// activate converts a reservation into an active job.
func (w *worker) activate(job *Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reserved > 0 {
		w.reserved--
	}
	w.active[job.ID] = job
}

// deactivate releases the slot held by job.
func (w *worker) deactivate(id primitive.ObjectID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, id)
}

func (w *worker) activeJobs() []*Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	jobs := make([]*Job, 0, len(w.active))
	for _, job := range w.active {
		jobs = append(jobs, job)
	}
	return jobs
}

func (w *worker) activeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// registry holds the workers of one scheduler instance. It is never shared
// across processes; the collection is the only cross-process state.
type registry struct {
	mu      sync.RWMutex
	workers map[string]*worker
}

func newRegistry() *registry {
	return &registry{workers: make(map[string]*worker)}
}

func (r *registry) register(name string, handler Handler, concurrency int, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[name]; exists && !replace {
		return &WorkerRegistrationError{Name: name}
	}
	r.workers[name] = &worker{
		name:        name,
		handler:     handler,
		concurrency: concurrency,
		active:      make(map[primitive.ObjectID]*Job),
	}
	return nil
}

// snapshot returns the current workers. Dispatch iterates the snapshot so a
// concurrent register cannot invalidate the loop.
func (r *registry) snapshot() []*worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	return workers
}

// allActive collects every in-flight job across workers.
func (r *registry) allActive() []*Job {
	var jobs []*Job
	for _, w := range r.snapshot() {
		jobs = append(jobs, w.activeJobs()...)
	}
	return jobs
}

// RegisterWorker binds handler to jobs named name. Each registered name gets
// its own concurrency budget; registering the same name twice is an error
// unless WithReplace is given. Workers may be registered before or after
// Start.
func (s *Scheduler) RegisterWorker(name string, handler Handler, opts ...WorkerOption) error {
	if err := s.ready("register worker"); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("monque: job name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("monque: handler must not be nil")
	}

	wo := workerOptions{concurrency: s.cfg.workerConcurrency}
	for _, opt := range opts {
		opt(&wo)
	}
	if wo.concurrency < 1 {
		wo.concurrency = 1
	}
	if err := s.registry.register(name, handler, wo.concurrency, wo.replace); err != nil {
		return err
	}
	// A fresh worker may have eligible jobs already sitting in the collection.
	s.requestDispatch()
	return nil
}

// ActiveJobs snapshots the jobs this instance is executing right now.
func (s *Scheduler) ActiveJobs() []*Job {
	if s.registry == nil {
		return nil
	}
	return s.registry.allActive()
}
