package monque

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Event names an observable scheduler occurrence. Register listeners with
// Scheduler.On; payload types are documented per constant.
type Event string

const (
	// EventJobStart fires when a handler begins. Payload: *Job.
	EventJobStart Event = "job:start"
	// EventJobComplete fires after a successful run. Payload: JobCompletePayload.
	EventJobComplete Event = "job:complete"
	// EventJobFail fires after a failed run, whether or not a retry is
	// scheduled. Payload: JobFailPayload.
	EventJobFail Event = "job:fail"
	// EventJobError reports internal errors: lost leases, store failures in
	// background loops, shutdown drain timeouts. Payload: JobErrorPayload.
	EventJobError Event = "job:error"

	// EventJobCancelled fires when CancelJob cancels a job. Payload: *Job.
	EventJobCancelled Event = "job:cancelled"
	// EventJobRetried fires when RetryJob requeues a job. Payload: *Job.
	EventJobRetried Event = "job:retried"
	// EventJobDeleted fires when DeleteJob removes a job. Payload: JobDeletedPayload.
	EventJobDeleted Event = "job:deleted"

	// EventJobsCancelled fires once per CancelJobs batch. Payload: JobsCancelledPayload.
	EventJobsCancelled Event = "jobs:cancelled"
	// EventJobsRetried fires once per RetryJobs batch. Payload: JobsRetriedPayload.
	EventJobsRetried Event = "jobs:retried"
	// EventJobsDeleted fires once per DeleteJobs batch. Payload: JobsDeletedPayload.
	EventJobsDeleted Event = "jobs:deleted"

	// EventStaleRecovered fires when expired leases are reset to PENDING.
	// Payload: StaleRecoveredPayload.
	EventStaleRecovered Event = "stale:recovered"

	// EventChangeStreamConnected fires when the change stream subscription is
	// established. Payload: nil.
	EventChangeStreamConnected Event = "changestream:connected"
	// EventChangeStreamClosed fires when the subscription ends. Payload: nil.
	EventChangeStreamClosed Event = "changestream:closed"
	// EventChangeStreamError fires on stream or connection errors. Payload: error.
	EventChangeStreamError Event = "changestream:error"
	// EventChangeStreamFallback fires when reconnection is exhausted and the
	// scheduler continues on polling alone. Payload: ChangeStreamFallbackPayload.
	EventChangeStreamFallback Event = "changestream:fallback"
)

// JobCompletePayload accompanies EventJobComplete. Job is the post-update
// record: COMPLETED for one-time jobs, PENDING with the next fire time for
// recurring ones.
type JobCompletePayload struct {
	Job      *Job
	Duration time.Duration
}

// JobFailPayload accompanies EventJobFail. WillRetry reports whether a retry
// was scheduled; when false the job is FAILED.
type JobFailPayload struct {
	Job       *Job
	Err       error
	WillRetry bool
}

// JobErrorPayload accompanies EventJobError. Job is nil for errors not tied
// to a specific record.
type JobErrorPayload struct {
	Job *Job
	Err error
}

// JobDeletedPayload accompanies EventJobDeleted.
type JobDeletedPayload struct {
	JobID primitive.ObjectID
}

// JobsCancelledPayload accompanies EventJobsCancelled.
type JobsCancelledPayload struct {
	JobIDs []primitive.ObjectID
	Count  int
}

// JobsRetriedPayload accompanies EventJobsRetried.
type JobsRetriedPayload struct {
	JobIDs []primitive.ObjectID
	Count  int
}

// JobsDeletedPayload accompanies EventJobsDeleted.
type JobsDeletedPayload struct {
	Count int64
}

// StaleRecoveredPayload accompanies EventStaleRecovered.
type StaleRecoveredPayload struct {
	Count int64
}

// ChangeStreamFallbackPayload accompanies EventChangeStreamFallback.
type ChangeStreamFallbackPayload struct {
	Reason string
}

// On registers fn for event. Listeners run on a dedicated dispatch goroutine
// in registration order; a panicking listener is logged and skipped, it never
// affects job execution.
func (s *Scheduler) On(event Event, fn func(payload any)) {
	s.emitter.On(string(event), fn)
}

func (s *Scheduler) emit(event Event, payload any) {
	s.emitter.Emit(string(event), payload)
}
