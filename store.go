package monque

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// FindOptions narrows and orders multi-document reads.
type FindOptions struct {
	Sort  bson.D
	Skip  int64
	Limit int64
}

// UpdateOptions tunes FindOneAndUpdate. ReturnAfter selects the post-update
// document; the default is the driver's pre-update behavior.
type UpdateOptions struct {
	Sort        bson.D
	Upsert      bool
	ReturnAfter bool
}

// ChangeEvent is one relevant collection change: an insert, or an update that
// touched the status field.
type ChangeEvent struct {
	// Operation is "insert" or "update".
	Operation string
	// FullDocument is the post-image of the changed job when available.
	FullDocument *Job
	// UpdatedFields lists the fields an update touched.
	UpdatedFields bson.M
}

// ChangeStream is a live feed of ChangeEvents. Next blocks until an event
// arrives, the stream breaks, or ctx is done; it returns false in the latter
// two cases and Err distinguishes them.
type ChangeStream interface {
	Next(ctx context.Context) bool
	Event() ChangeEvent
	Err() error
	Close(ctx context.Context) error
}

// Store is the persistence contract the scheduler runs on. The claim protocol
// relies on exactly one primitive: FindOneAndUpdate observes and writes a
// single document atomically.
//
// FindOne and FindOneAndUpdate return (nil, nil) when no document matches.
// Writes that violate the unique job index return an error wrapping
// ErrDuplicateKey. Update and delete methods return the number of documents
// they modified or removed.
type Store interface {
	Insert(ctx context.Context, job *Job) error
	FindOne(ctx context.Context, filter bson.M) (*Job, error)
	FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts *UpdateOptions) (*Job, error)
	UpdateOne(ctx context.Context, filter, update bson.M) (int64, error)
	UpdateMany(ctx context.Context, filter, update bson.M) (int64, error)
	DeleteOne(ctx context.Context, filter bson.M) (int64, error)
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)
	Find(ctx context.Context, filter bson.M, opts *FindOptions) ([]*Job, error)

	// Aggregate runs pipeline with a server-side time limit and decodes all
	// result documents into out (a pointer to a slice). Exceeding the limit
	// returns an error wrapping AggregationTimeoutError.
	Aggregate(ctx context.Context, pipeline mongo.Pipeline, maxTime time.Duration, out any) error

	// Watch subscribes to inserts and to updates that modify job status.
	// Stores without change stream support return an error; the scheduler
	// then runs on polling alone.
	Watch(ctx context.Context) (ChangeStream, error)

	// EnsureIndexes creates the indexes the claim, recovery and query paths
	// depend on. It is idempotent.
	EnsureIndexes(ctx context.Context) error
}
