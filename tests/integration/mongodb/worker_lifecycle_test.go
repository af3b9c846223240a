package integration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/rezkam/monque"
)

func TestJobLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s, err := monque.New(db,
		monque.WithPollInterval(50*time.Millisecond),
		monque.WithLogger(testLogger(t)),
	)
	require.NoError(t, err)

	var runs atomic.Int32
	require.NoError(t, s.RegisterWorker("send-email", func(_ context.Context, job *monque.Job) error {
		assert.Equal(t, "ada@example.com", job.Data["to"])
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	job, err := s.Enqueue(ctx, "send-email", bson.M{"to": "ada@example.com"})
	require.NoError(t, err)
	require.False(t, job.ID.IsZero())

	require.Eventually(t, func() bool {
		got, err := s.GetJob(ctx, job.ID)
		return err == nil && got != nil && got.Status == monque.StatusCompleted
	}, 15*time.Second, 100*time.Millisecond)

	assert.EqualValues(t, 1, runs.Load())

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, final.ClaimedBy)
	assert.Nil(t, final.LockedAt)
}

func TestRetryUntilFailed(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s, err := monque.New(db,
		monque.WithPollInterval(50*time.Millisecond),
		monque.WithBaseRetryInterval(50*time.Millisecond),
		monque.WithMaxRetries(3),
		monque.WithLogger(testLogger(t)),
	)
	require.NoError(t, err)

	require.NoError(t, s.RegisterWorker("flaky", func(context.Context, *monque.Job) error {
		return errors.New("downstream unavailable")
	}))
	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	job, err := s.Enqueue(ctx, "flaky", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := s.GetJob(ctx, job.ID)
		return err == nil && got != nil && got.Status == monque.StatusFailed
	}, 15*time.Second, 100*time.Millisecond)

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.FailCount)
	assert.Equal(t, "downstream unavailable", final.FailReason)
	assert.Empty(t, final.ClaimedBy)
	assert.Nil(t, final.LockedAt)
}

func TestRecurringJob(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s, err := monque.New(db,
		monque.WithPollInterval(50*time.Millisecond),
		monque.WithLogger(testLogger(t)),
	)
	require.NoError(t, err)

	var runs atomic.Int32
	require.NoError(t, s.RegisterWorker("tick", func(context.Context, *monque.Job) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	job, err := s.Schedule(ctx, "@every 1s", "tick", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 20*time.Second, 100*time.Millisecond, "the job must fire repeatedly")

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, monque.StatusCompleted, got.Status)
	assert.Zero(t, got.FailCount)
}

func TestStopDrainsInFlightJob(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s, err := monque.New(db,
		monque.WithPollInterval(50*time.Millisecond),
		monque.WithShutdownTimeout(10*time.Second),
		monque.WithLogger(testLogger(t)),
	)
	require.NoError(t, err)

	started := make(chan struct{})
	require.NoError(t, s.RegisterWorker("slow", func(context.Context, *monque.Job) error {
		close(started)
		time.Sleep(500 * time.Millisecond)
		return nil
	}))
	require.NoError(t, s.Start(ctx))

	job, err := s.Enqueue(ctx, "slow", nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(15 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.ActiveJobs())

	// The scheduler is stopped, so read the record with the raw driver.
	var final monque.Job
	err = db.Collection(monque.DefaultCollectionName).
		FindOne(ctx, bson.M{"_id": job.ID}).Decode(&final)
	require.NoError(t, err)
	assert.Equal(t, monque.StatusCompleted, final.Status)
}
