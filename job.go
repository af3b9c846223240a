package monque

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusPending marks a job that is waiting to run (or to be retried).
	StatusPending Status = "PENDING"
	// StatusProcessing marks a job claimed by an instance and currently executing.
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted marks a one-time job that finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed marks a job that exhausted its retry budget.
	StatusFailed Status = "FAILED"
	// StatusCancelled marks a job cancelled by an operator before it ran.
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether s is a final state. Terminal jobs are never
// claimed again; only a manual retry moves them back to PENDING.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one persisted work item. Every scheduler instance sharing a
// collection operates on the same records; the claim protocol guarantees a
// job is executed by at most one instance at a time.
//
// Lease fields (LockedAt, ClaimedBy, LastHeartbeat, HeartbeatInterval) are
// present exactly while the job is PROCESSING and are cleared on every
// transition out of it.
type Job struct {
	ID     primitive.ObjectID `bson:"_id,omitempty"`
	Name   string             `bson:"name"`
	Data   bson.M             `bson:"data"`
	Status Status             `bson:"status"`

	// NextRunAt is when the job becomes eligible for claiming. For retries it
	// carries the backoff deadline, for recurring jobs the next cron fire.
	NextRunAt time.Time `bson:"nextRunAt"`

	FailCount  int    `bson:"failCount"`
	FailReason string `bson:"failReason,omitempty"`

	// RepeatInterval holds the five-field cron expression for recurring jobs
	// and is empty for one-time jobs.
	RepeatInterval string `bson:"repeatInterval,omitempty"`

	// UniqueKey deduplicates producers: at most one PENDING or PROCESSING job
	// exists per (Name, UniqueKey) pair.
	UniqueKey string `bson:"uniqueKey,omitempty"`

	LockedAt          *time.Time    `bson:"lockedAt,omitempty"`
	ClaimedBy         string        `bson:"claimedBy,omitempty"`
	LastHeartbeat     *time.Time    `bson:"lastHeartbeat,omitempty"`
	HeartbeatInterval time.Duration `bson:"heartbeatInterval,omitempty"`

	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// IsRecurring reports whether the job reschedules itself after each
// successful run.
func (j *Job) IsRecurring() bool {
	return j.RepeatInterval != ""
}

// leaseUnset is the update fragment that clears all lease fields.
func leaseUnset() bson.M {
	return bson.M{
		"lockedAt":          "",
		"claimedBy":         "",
		"lastHeartbeat":     "",
		"heartbeatInterval": "",
	}
}

// ownershipFilter matches the job only while this instance still holds its
// lease. Finalization updates use it so an instance that lost its claim to
// stale-lease recovery cannot overwrite another instance's run.
func ownershipFilter(id primitive.ObjectID, instanceID string) bson.M {
	return bson.M{
		"_id":       id,
		"status":    StatusProcessing,
		"claimedBy": instanceID,
	}
}
