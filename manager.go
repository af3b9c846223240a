package monque

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JobFilter narrows bulk operations and queries. Zero fields match
// everything.
type JobFilter struct {
	Name     string
	Statuses []Status
}

func (f JobFilter) toBSON() bson.M {
	filter := bson.M{}
	if f.Name != "" {
		filter["name"] = f.Name
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	return filter
}

// BulkError records why one job in a bulk operation was skipped.
type BulkError struct {
	JobID primitive.ObjectID
	Err   error
}

// BulkResult aggregates a bulk operation: how many jobs were transitioned and
// which ones could not be, each with its reason. Invalid source states never
// abort the batch.
type BulkResult struct {
	Count  int
	Errors []BulkError
}

// CancelJob transitions a PENDING job to CANCELLED and emits job:cancelled.
// Cancelling an already-CANCELLED job is a no-op that returns the record. Any
// other state is a JobStateError: PROCESSING jobs cannot be stopped mid-run
// and terminal ones have nothing to cancel.
func (s *Scheduler) CancelJob(ctx context.Context, id primitive.ObjectID) (*Job, error) {
	if err := s.ready("cancel job"); err != nil {
		return nil, err
	}

	job, err := s.loadJob(ctx, "cancel job", id)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusCancelled {
		return job, nil
	}

	updated, err := s.cancelOne(ctx, job)
	if err != nil {
		return nil, err
	}
	s.emit(EventJobCancelled, updated)
	return updated, nil
}

func (s *Scheduler) cancelOne(ctx context.Context, job *Job) (*Job, error) {
	if job.Status != StatusPending {
		return nil, &JobStateError{
			JobID:  job.ID.Hex(),
			Reason: fmt.Sprintf("cannot cancel job in status %s, only PENDING jobs can be cancelled", job.Status),
		}
	}

	filter := bson.M{"_id": job.ID, "status": StatusPending}
	update := bson.M{"$set": bson.M{
		"status":    StatusCancelled,
		"updatedAt": time.Now().UTC(),
	}}
	updated, err := s.store.FindOneAndUpdate(ctx, filter, update, &UpdateOptions{ReturnAfter: true})
	if err != nil {
		return nil, &ConnectionError{Op: "cancel job", Err: err}
	}
	if updated == nil {
		return nil, &JobStateError{JobID: job.ID.Hex(), Reason: "job status changed during cancel attempt"}
	}
	return updated, nil
}

// RetryJob requeues a FAILED or CANCELLED job as if freshly enqueued: PENDING,
// immediately eligible, failure history cleared. Emits job:retried.
func (s *Scheduler) RetryJob(ctx context.Context, id primitive.ObjectID) (*Job, error) {
	if err := s.ready("retry job"); err != nil {
		return nil, err
	}

	job, err := s.loadJob(ctx, "retry job", id)
	if err != nil {
		return nil, err
	}

	updated, err := s.retryOne(ctx, job)
	if err != nil {
		return nil, err
	}
	s.emit(EventJobRetried, updated)
	return updated, nil
}

func (s *Scheduler) retryOne(ctx context.Context, job *Job) (*Job, error) {
	if job.Status != StatusFailed && job.Status != StatusCancelled {
		return nil, &JobStateError{
			JobID:  job.ID.Hex(),
			Reason: fmt.Sprintf("cannot retry job in status %s, only FAILED or CANCELLED jobs can be retried", job.Status),
		}
	}

	filter := bson.M{"_id": job.ID, "status": job.Status}
	update := bson.M{
		"$set": bson.M{
			"status":    StatusPending,
			"nextRunAt": time.Now().UTC(),
			"failCount": 0,
			"updatedAt": time.Now().UTC(),
		},
		"$unset": withFailReasonUnset(leaseUnset()),
	}
	updated, err := s.store.FindOneAndUpdate(ctx, filter, update, &UpdateOptions{ReturnAfter: true})
	if err != nil {
		return nil, &ConnectionError{Op: "retry job", Err: err}
	}
	if updated == nil {
		return nil, &JobStateError{JobID: job.ID.Hex(), Reason: "job status changed during retry attempt"}
	}
	return updated, nil
}

// RescheduleJob moves a PENDING job's eligibility to runAt. The job stays
// PENDING; rescheduling a job in any other state is a JobStateError.
func (s *Scheduler) RescheduleJob(ctx context.Context, id primitive.ObjectID, runAt time.Time) (*Job, error) {
	if err := s.ready("reschedule job"); err != nil {
		return nil, err
	}

	job, err := s.loadJob(ctx, "reschedule job", id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusPending {
		return nil, &JobStateError{
			JobID:  job.ID.Hex(),
			Reason: fmt.Sprintf("cannot reschedule job in status %s, only PENDING jobs can be rescheduled", job.Status),
		}
	}

	filter := bson.M{"_id": job.ID, "status": StatusPending}
	update := bson.M{"$set": bson.M{
		"nextRunAt": runAt.UTC(),
		"updatedAt": time.Now().UTC(),
	}}
	updated, err := s.store.FindOneAndUpdate(ctx, filter, update, &UpdateOptions{ReturnAfter: true})
	if err != nil {
		return nil, &ConnectionError{Op: "reschedule job", Err: err}
	}
	if updated == nil {
		return nil, &JobStateError{JobID: job.ID.Hex(), Reason: "job status changed during reschedule attempt"}
	}
	return updated, nil
}

// DeleteJob removes a job in any state and emits job:deleted. Deleting a job
// that vanished between lookup and delete is treated as success; a job that
// never existed is a JobStateError.
func (s *Scheduler) DeleteJob(ctx context.Context, id primitive.ObjectID) error {
	if err := s.ready("delete job"); err != nil {
		return err
	}

	if _, err := s.loadJob(ctx, "delete job", id); err != nil {
		return err
	}

	count, err := s.store.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return &ConnectionError{Op: "delete job", Err: err}
	}
	if count == 1 {
		s.emit(EventJobDeleted, JobDeletedPayload{JobID: id})
	}
	return nil
}

// CancelJobs cancels every PENDING job matching filter, skipping
// already-CANCELLED records and collecting per-job errors for the rest. One
// jobs:cancelled event carries the whole batch.
func (s *Scheduler) CancelJobs(ctx context.Context, filter JobFilter) (*BulkResult, error) {
	if err := s.ready("cancel jobs"); err != nil {
		return nil, err
	}

	jobs, err := s.store.Find(ctx, filter.toBSON(), &FindOptions{Sort: bson.D{{Key: "nextRunAt", Value: 1}}})
	if err != nil {
		return nil, &ConnectionError{Op: "cancel jobs", Err: err}
	}

	result := &BulkResult{}
	var cancelled []*Job
	for _, job := range jobs {
		if job.Status == StatusCancelled {
			continue
		}
		updated, err := s.cancelOne(ctx, job)
		if err != nil {
			result.Errors = append(result.Errors, BulkError{JobID: job.ID, Err: err})
			continue
		}
		cancelled = append(cancelled, updated)
		result.Count++
	}

	if len(cancelled) > 0 {
		s.emit(EventJobsCancelled, JobsCancelledPayload{
			JobIDs: lo.Map(cancelled, func(j *Job, _ int) primitive.ObjectID { return j.ID }),
			Count:  len(cancelled),
		})
	}
	return result, nil
}

// RetryJobs requeues every FAILED or CANCELLED job matching filter, with the
// same per-job error collection as CancelJobs and one jobs:retried event.
func (s *Scheduler) RetryJobs(ctx context.Context, filter JobFilter) (*BulkResult, error) {
	if err := s.ready("retry jobs"); err != nil {
		return nil, err
	}

	jobs, err := s.store.Find(ctx, filter.toBSON(), &FindOptions{Sort: bson.D{{Key: "nextRunAt", Value: 1}}})
	if err != nil {
		return nil, &ConnectionError{Op: "retry jobs", Err: err}
	}

	result := &BulkResult{}
	var retried []*Job
	for _, job := range jobs {
		updated, err := s.retryOne(ctx, job)
		if err != nil {
			result.Errors = append(result.Errors, BulkError{JobID: job.ID, Err: err})
			continue
		}
		retried = append(retried, updated)
		result.Count++
	}

	if len(retried) > 0 {
		s.emit(EventJobsRetried, JobsRetriedPayload{
			JobIDs: lo.Map(retried, func(j *Job, _ int) primitive.ObjectID { return j.ID }),
			Count:  len(retried),
		})
		s.requestDispatch()
	}
	return result, nil
}

// DeleteJobs removes every job matching filter in one DeleteMany and emits a
// single jobs:deleted carrying the count. No per-job events are emitted.
func (s *Scheduler) DeleteJobs(ctx context.Context, filter JobFilter) (*BulkResult, error) {
	if err := s.ready("delete jobs"); err != nil {
		return nil, err
	}

	count, err := s.store.DeleteMany(ctx, filter.toBSON())
	if err != nil {
		return nil, &ConnectionError{Op: "delete jobs", Err: err}
	}
	if count > 0 {
		s.emit(EventJobsDeleted, JobsDeletedPayload{Count: count})
	}
	return &BulkResult{Count: int(count)}, nil
}

// loadJob fetches one record for a manager operation, normalizing "not found"
// into a JobStateError.
func (s *Scheduler) loadJob(ctx context.Context, op string, id primitive.ObjectID) (*Job, error) {
	job, err := s.store.FindOne(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, &ConnectionError{Op: op, Err: err}
	}
	if job == nil {
		return nil, &JobStateError{JobID: id.Hex(), Reason: "job not found"}
	}
	return job, nil
}
