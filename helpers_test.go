package monque

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

// newTestScheduler builds a scheduler on the given store with intervals
// shrunk for tests. Extra options override the test defaults.
func newTestScheduler(t *testing.T, store Store, opts ...Option) *Scheduler {
	t.Helper()

	base := []Option{
		WithInstanceID("instance-test"),
		WithPollInterval(20 * time.Millisecond),
		WithHeartbeatInterval(25 * time.Millisecond),
		WithBaseRetryInterval(10 * time.Millisecond),
		WithLockTimeout(250 * time.Millisecond),
		WithShutdownTimeout(2 * time.Second),
		WithLogger(discardLogger()),
	}
	cfg, err := newConfig(append(base, opts...)...)
	require.NoError(t, err)
	return newScheduler(store, cfg)
}

// startScheduler starts s and stops it when the test ends.
func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventRecorder captures emitted payloads per event. Emission is
// asynchronous, so assertions either go through waitFor or run after Stop has
// flushed the emitter.
type eventRecorder struct {
	mu      sync.Mutex
	byEvent map[Event][]any
}

func recordEvents(s *Scheduler, events ...Event) *eventRecorder {
	r := &eventRecorder{byEvent: make(map[Event][]any)}
	for _, ev := range events {
		ev := ev // stored closure: per-iteration copy needed under go < 1.22
		s.On(ev, func(payload any) {
			r.mu.Lock()
			r.byEvent[ev] = append(r.byEvent[ev], payload)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *eventRecorder) payloads(ev Event) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.byEvent[ev]...)
}

func (r *eventRecorder) count(ev Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEvent[ev])
}

func (r *eventRecorder) waitFor(t *testing.T, ev Event, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(ev) >= n },
		3*time.Second, 5*time.Millisecond, "waiting for %d %q events", n, ev)
}

func mustInsert(t *testing.T, store *fakeStore, job *Job) *Job {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), job))
	return job
}

func pendingJob(name string, nextRunAt time.Time) *Job {
	now := time.Now().UTC()
	return &Job{
		Name:      name,
		Data:      bson.M{},
		Status:    StatusPending,
		NextRunAt: nextRunAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func processingJob(name, claimedBy string, lockedAt time.Time) *Job {
	heartbeat := lockedAt
	return &Job{
		Name:              name,
		Data:              bson.M{},
		Status:            StatusProcessing,
		NextRunAt:         lockedAt,
		ClaimedBy:         claimedBy,
		LockedAt:          &lockedAt,
		LastHeartbeat:     &heartbeat,
		HeartbeatInterval: 30 * time.Second,
		CreatedAt:         lockedAt,
		UpdatedAt:         lockedAt,
	}
}

func terminalJob(name string, status Status, updatedAt time.Time) *Job {
	return &Job{
		Name:      name,
		Data:      bson.M{},
		Status:    status,
		NextRunAt: updatedAt,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

// requireNoLease asserts the record carries none of the lease fields.
func requireNoLease(t *testing.T, job *Job) {
	t.Helper()
	require.Empty(t, job.ClaimedBy)
	require.Nil(t, job.LockedAt)
	require.Nil(t, job.LastHeartbeat)
	require.Zero(t, job.HeartbeatInterval)
}
