package monque

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// runHeartbeatLoop refreshes the liveness marker of every job this instance
// holds. Heartbeats are observability, not correctness: staleness decisions
// use lockedAt, so a missed beat never causes a job to change hands early.
func (s *Scheduler) runHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.beat(ctx); err != nil {
				s.logger.WarnContext(ctx, "heartbeat failed", "error", err)
				s.emit(EventJobError, JobErrorPayload{Err: err})
			}
		}
	}
}

func (s *Scheduler) beat(ctx context.Context) error {
	now := time.Now().UTC()
	filter := bson.M{
		"claimedBy": s.cfg.instanceID,
		"status":    StatusProcessing,
	}
	update := bson.M{"$set": bson.M{
		"lastHeartbeat": now,
		"updatedAt":     now,
	}}
	_, err := s.store.UpdateMany(ctx, filter, update)
	return err
}

// runRecoveryLoop re-runs stale lease recovery periodically so instances that
// crash between anyone's restarts still get their jobs requeued. Half the
// lock timeout keeps worst-case requeue latency at 1.5 lockTimeout.
func (s *Scheduler) runRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.lockTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.recoverStale(ctx); err != nil {
				s.logger.WarnContext(ctx, "stale job recovery failed", "error", err)
				s.emit(EventJobError, JobErrorPayload{Err: err})
			}
		}
	}
}

// recoverStale requeues every PROCESSING job whose lease expired. Any
// instance may perform the reset; the update is conditional on lockedAt so
// two racing recoverers cannot double-count a job.
func (s *Scheduler) recoverStale(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"status":   StatusProcessing,
		"lockedAt": bson.M{"$lt": now.Add(-s.cfg.lockTimeout)},
	}
	update := bson.M{
		"$set": bson.M{
			"status":    StatusPending,
			"updatedAt": now,
		},
		"$unset": leaseUnset(),
	}

	count, err := s.store.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.WarnContext(ctx, "recovered stale jobs",
			"count", count, "lock_timeout", s.cfg.lockTimeout)
		s.metrics.staleRecovered(ctx, count)
		s.emit(EventStaleRecovered, StaleRecoveredPayload{Count: count})
		s.requestDispatch()
	}
	return count, nil
}

// RecoverStaleJobs immediately requeues all jobs whose lease expired more
// than the lock timeout ago and returns how many were reset. Start runs this
// automatically unless WithoutStaleRecovery is set; the method exists for
// operator tooling and tests.
func (s *Scheduler) RecoverStaleJobs(ctx context.Context) (int64, error) {
	if err := s.ready("recover stale jobs"); err != nil {
		return 0, err
	}
	count, err := s.recoverStale(ctx)
	if err != nil {
		return 0, &ConnectionError{Op: "recover stale jobs", Err: err}
	}
	return count, nil
}

// runRetentionLoop ages out terminal jobs on the configured interval.
func (s *Scheduler) runRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepRetention(ctx); err != nil {
				s.logger.WarnContext(ctx, "retention sweep failed", "error", err)
				s.emit(EventJobError, JobErrorPayload{Err: err})
			}
		}
	}
}

// sweepRetention deletes COMPLETED and FAILED jobs older than their
// respective retention windows, measured by updatedAt. A zero window keeps
// that status forever.
func (s *Scheduler) sweepRetention(ctx context.Context) error {
	now := time.Now().UTC()

	sweep := func(status Status, olderThan time.Duration) (int64, error) {
		if olderThan <= 0 {
			return 0, nil
		}
		return s.store.DeleteMany(ctx, bson.M{
			"status":    status,
			"updatedAt": bson.M{"$lt": now.Add(-olderThan)},
		})
	}

	completed, err := sweep(StatusCompleted, s.cfg.retention.Completed)
	if err != nil {
		return err
	}
	failed, err := sweep(StatusFailed, s.cfg.retention.Failed)
	if err != nil {
		return err
	}

	if completed > 0 || failed > 0 {
		s.logger.InfoContext(ctx, "retention sweep deleted aged jobs",
			"completed", completed, "failed", failed)
	}
	return nil
}
