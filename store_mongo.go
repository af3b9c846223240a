package monque

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoStore implements Store on a single MongoDB collection.
type mongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore wraps a collection of database in a Store. The scheduler
// creates one internally; exporting it lets tests and operational tooling hit
// the same collection through the same code path.
func NewMongoStore(db *mongo.Database, collection string) Store {
	return &mongoStore{coll: db.Collection(collection)}
}

func (s *mongoStore) Insert(ctx context.Context, job *Job) error {
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	if _, err := s.coll.InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert job: %w: %w", ErrDuplicateKey, err)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *mongoStore) FindOne(ctx context.Context, filter bson.M) (*Job, error) {
	var job Job
	err := s.coll.FindOne(ctx, filter).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return &job, nil
}

func (s *mongoStore) FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts *UpdateOptions) (*Job, error) {
	mopts := options.FindOneAndUpdate()
	if opts != nil {
		if len(opts.Sort) > 0 {
			mopts.SetSort(opts.Sort)
		}
		if opts.Upsert {
			mopts.SetUpsert(true)
		}
		if opts.ReturnAfter {
			mopts.SetReturnDocument(options.After)
		}
	}

	var job Job
	err := s.coll.FindOneAndUpdate(ctx, filter, update, mopts).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("find and update job: %w: %w", ErrDuplicateKey, err)
		}
		return nil, fmt.Errorf("find and update job: %w", err)
	}
	return &job, nil
}

func (s *mongoStore) UpdateOne(ctx context.Context, filter, update bson.M) (int64, error) {
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("update job: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *mongoStore) UpdateMany(ctx context.Context, filter, update bson.M) (int64, error) {
	res, err := s.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("update jobs: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *mongoStore) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	res, err := s.coll.DeleteOne(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete job: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *mongoStore) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *mongoStore) Find(ctx context.Context, filter bson.M, opts *FindOptions) ([]*Job, error) {
	mopts := options.Find()
	if opts != nil {
		if len(opts.Sort) > 0 {
			mopts.SetSort(opts.Sort)
		}
		if opts.Skip > 0 {
			mopts.SetSkip(opts.Skip)
		}
		if opts.Limit > 0 {
			mopts.SetLimit(opts.Limit)
		}
	}

	cursor, err := s.coll.Find(ctx, filter, mopts)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []*Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	return jobs, nil
}

func (s *mongoStore) Aggregate(ctx context.Context, pipeline mongo.Pipeline, maxTime time.Duration, out any) error {
	mopts := options.Aggregate()
	if maxTime > 0 {
		mopts.SetMaxTime(maxTime)
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline, mopts)
	if err != nil {
		if isMaxTimeExpired(err) {
			return &AggregationTimeoutError{MaxTime: maxTime, Err: err}
		}
		return fmt.Errorf("aggregate jobs: %w", err)
	}
	defer cursor.Close(ctx)

	if err := cursor.All(ctx, out); err != nil {
		if isMaxTimeExpired(err) {
			return &AggregationTimeoutError{MaxTime: maxTime, Err: err}
		}
		return fmt.Errorf("decode aggregation: %w", err)
	}
	return nil
}

// isMaxTimeExpired reports whether the server killed an operation for
// exceeding its maxTimeMS budget.
func isMaxTimeExpired(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.IsMaxTimeMSExpiredError()
	}
	return false
}

func (s *mongoStore) Watch(ctx context.Context) (ChangeStream, error) {
	// Inserts always matter; updates only when they touched status, which is
	// how claim, finalization and recovery writes announce themselves.
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": []bson.M{
			{"operationType": "insert"},
			{
				"operationType": "update",
				"updateDescription.updatedFields.status": bson.M{"$exists": true},
			},
		}}}},
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("watch collection: %w", err)
	}
	return &mongoChangeStream{cs: cs}, nil
}

// changeDocument is the subset of the server's change event the dispatcher
// consumes.
type changeDocument struct {
	OperationType     string `bson:"operationType"`
	FullDocument      *Job   `bson:"fullDocument"`
	UpdateDescription struct {
		UpdatedFields bson.M `bson:"updatedFields"`
	} `bson:"updateDescription"`
}

type mongoChangeStream struct {
	cs    *mongo.ChangeStream
	event ChangeEvent
	err   error
}

func (m *mongoChangeStream) Next(ctx context.Context) bool {
	if !m.cs.Next(ctx) {
		return false
	}
	var doc changeDocument
	if err := m.cs.Decode(&doc); err != nil {
		m.err = fmt.Errorf("decode change event: %w", err)
		return false
	}
	m.event = ChangeEvent{
		Operation:     doc.OperationType,
		FullDocument:  doc.FullDocument,
		UpdatedFields: doc.UpdateDescription.UpdatedFields,
	}
	return true
}

func (m *mongoChangeStream) Event() ChangeEvent { return m.event }

func (m *mongoChangeStream) Err() error {
	if m.err != nil {
		return m.err
	}
	return m.cs.Err()
}

func (m *mongoChangeStream) Close(ctx context.Context) error {
	return m.cs.Close(ctx)
}

// EnsureIndexes creates the indexes the claim, recovery and query paths rely
// on. CreateMany is a no-op for indexes that already exist with the same
// definition, so calling this on every Start is safe.
func (s *mongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			// Polling scan: due PENDING jobs in eligibility order.
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "nextRunAt", Value: 1}},
			Options: options.Index().SetName("status_nextRunAt"),
		},
		{
			// Deduplication: at most one live job per (name, uniqueKey).
			Keys: bson.D{{Key: "name", Value: 1}, {Key: "uniqueKey", Value: 1}},
			Options: options.Index().
				SetName("name_uniqueKey_live").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{
					"uniqueKey": bson.M{"$exists": true},
					"status":    bson.M{"$in": bson.A{StatusPending, StatusProcessing}},
				}),
		},
		{
			Keys:    bson.D{{Key: "name", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("name_status"),
		},
		{
			// Heartbeat writes and shutdown bookkeeping select by holder.
			Keys:    bson.D{{Key: "claimedBy", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("claimedBy_status"),
		},
		{
			// Claim query: PENDING, due, unclaimed, ordered by nextRunAt.
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "nextRunAt", Value: 1}, {Key: "claimedBy", Value: 1}},
			Options: options.Index().SetName("status_nextRunAt_claimedBy"),
		},
		{
			// Stale lease recovery scan.
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "lockedAt", Value: 1}, {Key: "lastHeartbeat", Value: 1}},
			Options: options.Index().SetName("status_lockedAt_lastHeartbeat"),
		},
	}

	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}
