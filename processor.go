package monque

import (
	"context"
	"math"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"
)

// defaultBackoffCeiling bounds the exponential retry delay when no
// WithMaxBackoffDelay is configured. Doubling saturates here instead of
// overflowing the duration.
const defaultBackoffCeiling = time.Duration(math.MaxInt64)

// runJob executes one claimed job through its full lifecycle: start event,
// handler invocation with panic recovery, then the success or failure state
// transition. The worker slot is released whatever happens; store failures
// surface as job:error events and leave the record to stale recovery.
func (s *Scheduler) runJob(ctx context.Context, w *worker, job *Job) {
	defer w.deactivate(job.ID)

	s.metrics.jobActive(ctx, 1)
	defer s.metrics.jobActive(ctx, -1)

	s.logger.InfoContext(ctx, "job started",
		"job_id", job.ID.Hex(), "name", job.Name, "fail_count", job.FailCount)
	s.emit(EventJobStart, job)

	start := time.Now()
	err := s.executeWithRecovery(ctx, w.handler, job)
	duration := time.Since(start)

	if err != nil {
		s.failJob(ctx, job, err)
		return
	}
	s.completeJob(ctx, job, duration)
}

// executeWithRecovery invokes the handler and converts a panic into an
// ordinary job failure so one bad job cannot take the instance down.
func (s *Scheduler) executeWithRecovery(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			s.logger.ErrorContext(ctx, "job handler panicked",
				"job_id", job.ID.Hex(), "name", job.Name, "panic", r, "stack", stack)
			err = PanicError{Value: r, StackTrace: stack}
		}
	}()
	return handler(ctx, job)
}

// completeJob finalizes a successful run. One-time jobs become COMPLETED with
// their failCount preserved as history. Recurring jobs go back to PENDING at
// the next cron fire time computed from now, with failCount reset; a late run
// therefore shifts the schedule forward by its tardiness.
func (s *Scheduler) completeJob(ctx context.Context, job *Job, duration time.Duration) {
	now := time.Now().UTC()

	var update bson.M
	if job.IsRecurring() {
		schedule, err := cron.ParseStandard(job.RepeatInterval)
		if err != nil {
			// The stored expression no longer parses; there is no next fire
			// time, so the job can only land in a terminal state an operator
			// will notice.
			cronErr := &InvalidCronError{Expression: job.RepeatInterval, Err: err}
			s.logger.ErrorContext(ctx, "recurring job has unparseable cron expression, failing it",
				"job_id", job.ID.Hex(), "name", job.Name, "expression", job.RepeatInterval)
			s.emit(EventJobError, JobErrorPayload{Job: job, Err: cronErr})
			update = bson.M{
				"$set": bson.M{
					"status":     StatusFailed,
					"failReason": cronErr.Error(),
					"updatedAt":  now,
				},
				"$unset": leaseUnset(),
			}
		} else {
			update = bson.M{
				"$set": bson.M{
					"status":    StatusPending,
					"nextRunAt": schedule.Next(now),
					"failCount": 0,
					"updatedAt": now,
				},
				"$unset": withFailReasonUnset(leaseUnset()),
			}
		}
	} else {
		update = bson.M{
			"$set": bson.M{
				"status":    StatusCompleted,
				"updatedAt": now,
			},
			"$unset": withFailReasonUnset(leaseUnset()),
		}
	}

	updated, err := s.store.FindOneAndUpdate(ctx, ownershipFilter(job.ID, s.cfg.instanceID), update, &UpdateOptions{ReturnAfter: true})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to finalize completed job",
			"job_id", job.ID.Hex(), "name", job.Name, "error", err)
		s.emit(EventJobError, JobErrorPayload{Job: job, Err: err})
		return
	}
	if updated == nil {
		// Lease lost between execution and finalization: stale recovery or an
		// operator already moved the job on. Another run may happen; that is
		// the at-least-once contract.
		s.logger.WarnContext(ctx, "job ownership lost before completion could be recorded",
			"job_id", job.ID.Hex(), "name", job.Name)
		s.emit(EventJobError, JobErrorPayload{Job: job, Err: &JobStateError{
			JobID:  job.ID.Hex(),
			Reason: "job status changed during complete attempt",
		}})
		return
	}

	s.logger.InfoContext(ctx, "job completed",
		"job_id", job.ID.Hex(), "name", job.Name, "duration", duration)
	s.metrics.jobCompleted(ctx, job.Name, duration)
	s.emit(EventJobComplete, JobCompletePayload{Job: updated, Duration: duration})
}

// failJob applies the retry policy after a failed run. Below the retry budget
// the job returns to PENDING with an exponentially backed-off nextRunAt; at
// the budget it becomes FAILED. Either way the failure reason is recorded and
// the lease released.
func (s *Scheduler) failJob(ctx context.Context, job *Job, cause error) {
	now := time.Now().UTC()
	newFailCount := job.FailCount + 1
	willRetry := newFailCount < s.cfg.maxRetries

	set := bson.M{
		"failCount":  newFailCount,
		"failReason": cause.Error(),
		"updatedAt":  now,
	}
	if willRetry {
		set["status"] = StatusPending
		set["nextRunAt"] = now.Add(s.backoffDelay(newFailCount))
	} else {
		set["status"] = StatusFailed
	}
	update := bson.M{"$set": set, "$unset": leaseUnset()}

	updated, err := s.store.FindOneAndUpdate(ctx, ownershipFilter(job.ID, s.cfg.instanceID), update, &UpdateOptions{ReturnAfter: true})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record job failure",
			"job_id", job.ID.Hex(), "name", job.Name, "error", err)
		s.emit(EventJobError, JobErrorPayload{Job: job, Err: err})
		return
	}
	if updated == nil {
		s.logger.WarnContext(ctx, "job ownership lost before failure could be recorded",
			"job_id", job.ID.Hex(), "name", job.Name)
		s.emit(EventJobError, JobErrorPayload{Job: job, Err: &JobStateError{
			JobID:  job.ID.Hex(),
			Reason: "job status changed during fail attempt",
		}})
		return
	}

	s.logger.WarnContext(ctx, "job failed",
		"job_id", job.ID.Hex(), "name", job.Name,
		"fail_count", newFailCount, "will_retry", willRetry, "error", cause)
	s.metrics.jobFailed(ctx, job.Name, willRetry)
	s.emit(EventJobFail, JobFailPayload{Job: updated, Err: cause, WillRetry: willRetry})
}

// backoffDelay computes 2^failCount times the base retry interval, saturating
// at the configured maximum instead of overflowing.
func (s *Scheduler) backoffDelay(failCount int) time.Duration {
	ceiling := s.cfg.maxBackoffDelay
	if ceiling <= 0 {
		ceiling = defaultBackoffCeiling
	}

	delay := s.cfg.baseRetryInterval
	for i := 0; i < failCount; i++ {
		delay *= 2
		if delay <= 0 || delay >= ceiling {
			return ceiling
		}
	}
	return delay
}

// withFailReasonUnset extends a lease-clearing $unset with failReason, used
// on the success path where the last error message must not linger.
func withFailReasonUnset(unset bson.M) bson.M {
	unset["failReason"] = ""
	return unset
}
