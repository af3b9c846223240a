package monque

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateKey is returned by Store implementations when the partial
// unique index on (name, uniqueKey) rejects a write.
var ErrDuplicateKey = errors.New("duplicate key")

// ConnectionError wraps failures to reach the store, including use of a
// scheduler that was never initialized or has already been stopped.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("monque: %s: connection error", e.Op)
	}
	return fmt.Sprintf("monque: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvalidCronError reports a cron expression the parser rejected. Expressions
// use the standard five fields (minute, hour, day of month, month, day of
// week), e.g. "0 * * * *".
type InvalidCronError struct {
	Expression string
	Err        error
}

func (e *InvalidCronError) Error() string {
	return fmt.Sprintf("monque: invalid cron expression %q (want five fields, e.g. \"0 * * * *\"): %v", e.Expression, e.Err)
}

func (e *InvalidCronError) Unwrap() error { return e.Err }

// InvalidCursorError reports a pagination cursor that could not be decoded.
type InvalidCursorError struct {
	Cursor string
	Err    error
}

func (e *InvalidCursorError) Error() string {
	return fmt.Sprintf("monque: invalid cursor %q: %v", e.Cursor, e.Err)
}

func (e *InvalidCursorError) Unwrap() error { return e.Err }

// AggregationTimeoutError reports a stats pipeline that exceeded its
// server-side time budget.
type AggregationTimeoutError struct {
	MaxTime time.Duration
	Err     error
}

func (e *AggregationTimeoutError) Error() string {
	return fmt.Sprintf("monque: aggregation exceeded %s: %v", e.MaxTime, e.Err)
}

func (e *AggregationTimeoutError) Unwrap() error { return e.Err }

// JobStateError reports a manager operation whose precondition did not hold:
// the job was missing, in a state the operation does not accept, or changed
// state between validation and the conditional update.
type JobStateError struct {
	JobID  string
	Reason string
}

func (e *JobStateError) Error() string {
	return fmt.Sprintf("monque: job %s: %s", e.JobID, e.Reason)
}

// WorkerRegistrationError reports a second registration for a job name that
// already has a worker.
type WorkerRegistrationError struct {
	Name string
}

func (e *WorkerRegistrationError) Error() string {
	return fmt.Sprintf("monque: worker for %q already registered (use WithReplace to override)", e.Name)
}

// ShutdownTimeoutError is emitted on the job:error channel when Stop's drain
// budget expires with handlers still running. Stop itself returns nil; the
// affected jobs keep their PROCESSING records and are recovered once their
// leases go stale.
type ShutdownTimeoutError struct {
	Timeout        time.Duration
	IncompleteJobs []*Job
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("monque: shutdown timed out after %s with %d jobs still running", e.Timeout, len(e.IncompleteJobs))
}

// PanicError is the failure recorded when a handler panics instead of
// returning. It counts against the retry budget like any other error.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
