package monque

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/rezkam/monque/internal/cursor"
)

const (
	// DefaultQueryLimit applies to GetJobs when no limit is given.
	DefaultQueryLimit = 100
	// DefaultPageSize applies to GetJobsWithCursor when no limit is given.
	DefaultPageSize = 50

	// statsMaxTime is the server-side budget for the stats aggregation.
	statsMaxTime = 30 * time.Second
)

// Direction selects which side of the cursor a page reads.
type Direction string

const (
	// Forward pages toward newer jobs (ascending id).
	Forward Direction = "FORWARD"
	// Backward pages toward older jobs; results are still returned ascending.
	Backward Direction = "BACKWARD"
)

// GetJob returns the job with the given id, or nil when no such job exists.
func (s *Scheduler) GetJob(ctx context.Context, id primitive.ObjectID) (*Job, error) {
	if err := s.ready("get job"); err != nil {
		return nil, err
	}
	job, err := s.store.FindOne(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, &ConnectionError{Op: "get job", Err: err}
	}
	return job, nil
}

// GetJobsOptions narrows and pages a GetJobs listing.
type GetJobsOptions struct {
	Name     string
	Statuses []Status
	Limit    int64 // default 100
	Skip     int64
}

// GetJobs lists jobs matching the options ordered by nextRunAt ascending,
// which is the order dispatch will consider them in.
func (s *Scheduler) GetJobs(ctx context.Context, opts GetJobsOptions) ([]*Job, error) {
	if err := s.ready("get jobs"); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	filter := JobFilter{Name: opts.Name, Statuses: opts.Statuses}.toBSON()

	jobs, err := s.store.Find(ctx, filter, &FindOptions{
		Sort:  bson.D{{Key: "nextRunAt", Value: 1}},
		Skip:  opts.Skip,
		Limit: limit,
	})
	if err != nil {
		return nil, &ConnectionError{Op: "get jobs", Err: err}
	}
	return jobs, nil
}

// CursorQuery pages jobs by key-set on id, which stays O(page) regardless of
// how deep the caller has paged. Cursor, when set, carries its own direction
// and overrides Direction.
type CursorQuery struct {
	Cursor    string
	Limit     int // default 50
	Direction Direction
	Filter    JobFilter
}

// JobPage is one page of a cursor walk. Jobs are always in ascending id
// order regardless of the walk direction. HasMore mirrors whichever of the
// two page flags the lookahead populated.
type JobPage struct {
	Jobs            []*Job
	NextCursor      string
	PrevCursor      string
	HasNextPage     bool
	HasPreviousPage bool
	HasMore         bool
}

// GetJobsWithCursor pages through jobs matching the filter. The first call
// omits the cursor; subsequent calls pass NextCursor or PrevCursor from the
// returned page. A cursor that does not decode fails with InvalidCursorError.
func (s *Scheduler) GetJobsWithCursor(ctx context.Context, q CursorQuery) (*JobPage, error) {
	if err := s.ready("get jobs with cursor"); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	forward := q.Direction != Backward

	var anchor primitive.ObjectID
	hasAnchor := false
	if q.Cursor != "" {
		id, fwd, err := cursor.Decode(q.Cursor)
		if err != nil {
			return nil, &InvalidCursorError{Cursor: q.Cursor, Err: err}
		}
		anchor, forward, hasAnchor = id, fwd, true
	}

	filter := q.Filter.toBSON()
	sortOrder := 1
	if hasAnchor {
		if forward {
			filter["_id"] = bson.M{"$gt": anchor}
		} else {
			filter["_id"] = bson.M{"$lt": anchor}
		}
	}
	if !forward {
		sortOrder = -1
	}

	// Fetch one row beyond the page; its presence is the only signal that
	// more rows exist on that side.
	jobs, err := s.store.Find(ctx, filter, &FindOptions{
		Sort:  bson.D{{Key: "_id", Value: sortOrder}},
		Limit: int64(limit) + 1,
	})
	if err != nil {
		return nil, &ConnectionError{Op: "get jobs with cursor", Err: err}
	}

	hasMore := len(jobs) > limit
	if hasMore {
		jobs = jobs[:limit]
	}
	if !forward {
		reverseJobs(jobs)
	}

	page := &JobPage{Jobs: jobs, HasMore: hasMore}
	if forward {
		page.HasPreviousPage = hasAnchor
		page.HasNextPage = hasMore
	} else {
		page.HasNextPage = hasAnchor
		page.HasPreviousPage = hasMore
	}

	if len(jobs) > 0 {
		if page.HasNextPage {
			page.NextCursor = cursor.Encode(jobs[len(jobs)-1].ID, true)
		}
		if page.HasPreviousPage {
			page.PrevCursor = cursor.Encode(jobs[0].ID, false)
		}
	}
	return page, nil
}

func reverseJobs(jobs []*Job) {
	for i, j := 0, len(jobs)-1; i < j; i, j = i+1, j-1 {
		jobs[i], jobs[j] = jobs[j], jobs[i]
	}
}

// StatsOptions narrows GetQueueStats to one job name.
type StatsOptions struct {
	Name string
}

// QueueStats summarizes a queue: per-status counts, the total, and the
// average wall time between claim and final write over COMPLETED jobs that
// still carry a lockedAt.
type QueueStats struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
	Cancelled  int64
	Total      int64
	// AvgProcessingTime is zero when no completed job carried timing data.
	AvgProcessingTime time.Duration
}

// statsRow is the single document the $facet stage produces.
type statsRow struct {
	StatusCounts []struct {
		Status Status `bson:"_id"`
		Count  int64  `bson:"count"`
	} `bson:"statusCounts"`
	AvgDuration []struct {
		AvgMillis float64 `bson:"avgMillis"`
	} `bson:"avgDuration"`
	Total []struct {
		Count int64 `bson:"count"`
	} `bson:"total"`
}

// GetQueueStats aggregates counts and timing in a single $facet pipeline with
// a 30 second server-side time limit. Exceeding the limit surfaces as an
// AggregationTimeoutError.
func (s *Scheduler) GetQueueStats(ctx context.Context, opts StatsOptions) (*QueueStats, error) {
	if err := s.ready("get queue stats"); err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{}
	if opts.Name != "" {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.M{"name": opts.Name}}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$facet", Value: bson.M{
		"statusCounts": []bson.M{
			{"$group": bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}},
		},
		"avgDuration": []bson.M{
			{"$match": bson.M{"status": StatusCompleted, "lockedAt": bson.M{"$ne": nil}}},
			{"$project": bson.M{"millis": bson.M{"$subtract": bson.A{"$updatedAt", "$lockedAt"}}}},
			{"$group": bson.M{"_id": nil, "avgMillis": bson.M{"$avg": "$millis"}}},
		},
		"total": []bson.M{
			{"$count": "count"},
		},
	}}})

	var rows []statsRow
	if err := s.store.Aggregate(ctx, pipeline, statsMaxTime, &rows); err != nil {
		var timeoutErr *AggregationTimeoutError
		if errors.As(err, &timeoutErr) {
			return nil, timeoutErr
		}
		return nil, &ConnectionError{Op: "get queue stats", Err: err}
	}

	stats := &QueueStats{}
	if len(rows) == 0 {
		return stats, nil
	}
	row := rows[0]

	for _, sc := range row.StatusCounts {
		switch sc.Status {
		case StatusPending:
			stats.Pending = sc.Count
		case StatusProcessing:
			stats.Processing = sc.Count
		case StatusCompleted:
			stats.Completed = sc.Count
		case StatusFailed:
			stats.Failed = sc.Count
		case StatusCancelled:
			stats.Cancelled = sc.Count
		}
	}
	if len(row.Total) > 0 {
		stats.Total = row.Total[0].Count
	}
	if len(row.AvgDuration) > 0 {
		stats.AvgProcessingTime = time.Duration(row.AvgDuration[0].AvgMillis * float64(time.Millisecond))
	}
	return stats, nil
}
