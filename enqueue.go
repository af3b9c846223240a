package monque

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"
)

// dedupAttempts bounds the retry loop that resolves concurrent upserts racing
// on the unique job index.
const dedupAttempts = 3

// EnqueueOption adjusts a single Enqueue or Schedule call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	runAt     time.Time
	uniqueKey string
}

// WithRunAt delays the first execution until t. The default is immediate
// eligibility. For Schedule it overrides the computed first fire time.
func WithRunAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.runAt = t }
}

// WithUnique deduplicates the job: while a PENDING or PROCESSING job with the
// same name and key exists, enqueuing again returns that job instead of
// creating a new one. Keys are scoped per name.
func WithUnique(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.uniqueKey = key }
}

// Enqueue persists a one-time job for workers named name. With WithRunAt the
// job stays dormant until the given time, otherwise it is eligible
// immediately. The returned record carries the assigned id.
func (s *Scheduler) Enqueue(ctx context.Context, name string, data bson.M, opts ...EnqueueOption) (*Job, error) {
	if err := s.ready("enqueue"); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("monque: job name must not be empty")
	}

	var eo enqueueOptions
	for _, opt := range opts {
		opt(&eo)
	}

	job := newJobRecord(name, data, eo)
	saved, err := s.saveJob(ctx, job, eo.uniqueKey)
	if err != nil {
		return nil, &ConnectionError{Op: "enqueue", Err: err}
	}
	return saved, nil
}

// Now is Enqueue with immediate eligibility, spelled out for producer code
// that reads better with an explicit verb.
func (s *Scheduler) Now(ctx context.Context, name string, data bson.M) (*Job, error) {
	return s.Enqueue(ctx, name, data)
}

// Schedule persists a recurring job driven by a five-field cron expression.
// The job runs at every fire time of the expression; after each successful
// run it is rescheduled to the next one. Deduplication via WithUnique works
// exactly as in Enqueue.
func (s *Scheduler) Schedule(ctx context.Context, spec string, name string, data bson.M, opts ...EnqueueOption) (*Job, error) {
	if err := s.ready("schedule"); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("monque: job name must not be empty")
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, &InvalidCronError{Expression: spec, Err: err}
	}

	var eo enqueueOptions
	for _, opt := range opts {
		opt(&eo)
	}
	if eo.runAt.IsZero() {
		next := schedule.Next(time.Now().UTC())
		if next.IsZero() {
			return nil, &InvalidCronError{Expression: spec, Err: errors.New("expression never fires")}
		}
		eo.runAt = next
	}

	job := newJobRecord(name, data, eo)
	job.RepeatInterval = spec

	saved, err := s.saveJob(ctx, job, eo.uniqueKey)
	if err != nil {
		return nil, &ConnectionError{Op: "schedule", Err: err}
	}
	return saved, nil
}

func newJobRecord(name string, data bson.M, eo enqueueOptions) *Job {
	now := time.Now().UTC()
	runAt := eo.runAt
	if runAt.IsZero() {
		runAt = now
	}
	if data == nil {
		data = bson.M{}
	}
	return &Job{
		Name:      name,
		Data:      data,
		Status:    StatusPending,
		NextRunAt: runAt,
		UniqueKey: eo.uniqueKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// saveJob inserts job, going through the deduplicating upsert when a unique
// key is set.
func (s *Scheduler) saveJob(ctx context.Context, job *Job, uniqueKey string) (*Job, error) {
	if uniqueKey == "" {
		if err := s.store.Insert(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}

	// The filter pins (name, uniqueKey) to a live job; $setOnInsert writes the
	// rest of the record only when no such job exists. Two producers racing
	// past the find both try to insert, the unique index fails one of them,
	// and its retry then finds the winner.
	filter := bson.M{
		"name":      job.Name,
		"uniqueKey": uniqueKey,
		"status":    bson.M{"$in": bson.A{StatusPending, StatusProcessing}},
	}
	update := bson.M{"$setOnInsert": bson.M{
		"data":      job.Data,
		"status":    job.Status,
		"nextRunAt": job.NextRunAt,
		"failCount": job.FailCount,
		"createdAt": job.CreatedAt,
		"updatedAt": job.UpdatedAt,
	}}
	if job.RepeatInterval != "" {
		update["$setOnInsert"].(bson.M)["repeatInterval"] = job.RepeatInterval
	}

	opts := &UpdateOptions{Upsert: true, ReturnAfter: true}

	var lastErr error
	for attempt := 0; attempt < dedupAttempts; attempt++ {
		saved, err := s.store.FindOneAndUpdate(ctx, filter, update, opts)
		if err == nil {
			if saved == nil {
				return nil, errors.New("upsert returned no document")
			}
			return saved, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("deduplication did not converge after %d attempts: %w", dedupAttempts, lastErr)
}
