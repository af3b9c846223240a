package monque

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// fakeStore is an in-memory Store covering the filter and update operators
// the scheduler actually issues. A single mutex serializes every call, which
// makes FindOneAndUpdate atomic the same way a real MongoDB document update
// is, so claim-contention tests exercise the real protocol. Several
// schedulers may share one fakeStore to simulate a shared collection.
//
// Function fields override individual methods for fault injection, in which
// case the in-memory data is bypassed for that call.
type fakeStore struct {
	mu   sync.Mutex
	docs []*Job

	insertFunc           func(ctx context.Context, job *Job) error
	findOneAndUpdateFunc func(ctx context.Context, filter, update bson.M, opts *UpdateOptions) (*Job, error)
	updateManyFunc       func(ctx context.Context, filter, update bson.M) (int64, error)
	aggregateFunc        func(ctx context.Context, pipeline mongo.Pipeline, maxTime time.Duration, out any) error
	watchFunc            func(ctx context.Context) (ChangeStream, error)
	ensureIndexesFunc    func(ctx context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) Insert(ctx context.Context, job *Job) error {
	if f.insertFunc != nil {
		return f.insertFunc(ctx, job)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	if f.violatesUniqueIndex(job, job.ID) {
		return fmt.Errorf("insert job: %w", ErrDuplicateKey)
	}
	cp := *job
	f.docs = append(f.docs, &cp)
	return nil
}

func (f *fakeStore) FindOne(_ context.Context, filter bson.M) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, doc := range f.docs {
		if matchesFilter(doc, filter) {
			cp := *doc
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts *UpdateOptions) (*Job, error) {
	if f.findOneAndUpdateFunc != nil {
		return f.findOneAndUpdateFunc(ctx, filter, update, opts)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	matches := f.filterDocs(filter)
	if opts != nil {
		sortDocs(matches, opts.Sort)
	}

	if len(matches) == 0 {
		if opts == nil || !opts.Upsert {
			return nil, nil
		}
		doc := upsertDoc(filter, update)
		if f.violatesUniqueIndex(doc, doc.ID) {
			return nil, fmt.Errorf("find and update job: %w", ErrDuplicateKey)
		}
		f.docs = append(f.docs, doc)
		cp := *doc
		return &cp, nil
	}

	doc := matches[0]
	before := *doc
	applyUpdate(doc, update)
	if opts != nil && opts.ReturnAfter {
		cp := *doc
		return &cp, nil
	}
	return &before, nil
}

func (f *fakeStore) UpdateOne(_ context.Context, filter, update bson.M) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, doc := range f.docs {
		if matchesFilter(doc, filter) {
			applyUpdate(doc, update)
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) UpdateMany(ctx context.Context, filter, update bson.M) (int64, error) {
	if f.updateManyFunc != nil {
		return f.updateManyFunc(ctx, filter, update)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var count int64
	for _, doc := range f.docs {
		if matchesFilter(doc, filter) {
			applyUpdate(doc, update)
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) DeleteOne(_ context.Context, filter bson.M) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, doc := range f.docs {
		if matchesFilter(doc, filter) {
			f.docs = append(f.docs[:i], f.docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) DeleteMany(_ context.Context, filter bson.M) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var kept []*Job
	var count int64
	for _, doc := range f.docs {
		if matchesFilter(doc, filter) {
			count++
			continue
		}
		kept = append(kept, doc)
	}
	f.docs = kept
	return count, nil
}

func (f *fakeStore) Find(_ context.Context, filter bson.M, opts *FindOptions) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matches := f.filterDocs(filter)
	if opts != nil {
		sortDocs(matches, opts.Sort)
		if opts.Skip > 0 {
			if opts.Skip >= int64(len(matches)) {
				matches = nil
			} else {
				matches = matches[opts.Skip:]
			}
		}
		if opts.Limit > 0 && int64(len(matches)) > opts.Limit {
			matches = matches[:opts.Limit]
		}
	}

	out := make([]*Job, len(matches))
	for i, doc := range matches {
		cp := *doc
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeStore) Aggregate(ctx context.Context, pipeline mongo.Pipeline, maxTime time.Duration, out any) error {
	if f.aggregateFunc != nil {
		return f.aggregateFunc(ctx, pipeline, maxTime, out)
	}
	return fmt.Errorf("fakeStore: aggregation not supported, set aggregateFunc")
}

func (f *fakeStore) Watch(ctx context.Context) (ChangeStream, error) {
	if f.watchFunc != nil {
		return f.watchFunc(ctx)
	}
	return nil, fmt.Errorf("fakeStore: change streams not supported")
}

func (f *fakeStore) EnsureIndexes(ctx context.Context) error {
	if f.ensureIndexesFunc != nil {
		return f.ensureIndexesFunc(ctx)
	}
	return nil
}

// snapshot returns a copy of the document with the given id, or nil.
func (f *fakeStore) snapshot(id primitive.ObjectID) *Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.docs {
		if doc.ID == id {
			cp := *doc
			return &cp
		}
	}
	return nil
}

func (f *fakeStore) countDocs(filter bson.M) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filterDocs(filter))
}

func (f *fakeStore) filterDocs(filter bson.M) []*Job {
	var matches []*Job
	for _, doc := range f.docs {
		if matchesFilter(doc, filter) {
			matches = append(matches, doc)
		}
	}
	return matches
}

// violatesUniqueIndex mirrors the partial unique index on (name, uniqueKey)
// over PENDING and PROCESSING documents.
func (f *fakeStore) violatesUniqueIndex(candidate *Job, selfID primitive.ObjectID) bool {
	if candidate.UniqueKey == "" {
		return false
	}
	if candidate.Status != StatusPending && candidate.Status != StatusProcessing {
		return false
	}
	for _, doc := range f.docs {
		if doc.ID == selfID || doc.UniqueKey != candidate.UniqueKey || doc.Name != candidate.Name {
			continue
		}
		if doc.Status == StatusPending || doc.Status == StatusProcessing {
			return true
		}
	}
	return false
}

// upsertDoc builds the document an upserting FindOneAndUpdate inserts:
// equality fields from the filter plus the $setOnInsert and $set payloads.
func upsertDoc(filter, update bson.M) *Job {
	doc := &Job{ID: primitive.NewObjectID()}
	for key, val := range filter {
		if key == "$or" {
			continue
		}
		if _, isOperator := val.(bson.M); isOperator {
			continue
		}
		setJobField(doc, key, val)
	}
	if setOnInsert, ok := update["$setOnInsert"].(bson.M); ok {
		for key, val := range setOnInsert {
			setJobField(doc, key, val)
		}
	}
	if set, ok := update["$set"].(bson.M); ok {
		for key, val := range set {
			setJobField(doc, key, val)
		}
	}
	return doc
}

func applyUpdate(doc *Job, update bson.M) {
	if set, ok := update["$set"].(bson.M); ok {
		for key, val := range set {
			setJobField(doc, key, val)
		}
	}
	if unset, ok := update["$unset"].(bson.M); ok {
		for key := range unset {
			unsetJobField(doc, key)
		}
	}
}

func setJobField(doc *Job, key string, val any) {
	switch key {
	case "_id":
		doc.ID = val.(primitive.ObjectID)
	case "name":
		doc.Name = val.(string)
	case "data":
		doc.Data = val.(bson.M)
	case "status":
		doc.Status = val.(Status)
	case "nextRunAt":
		doc.NextRunAt = val.(time.Time)
	case "failCount":
		doc.FailCount = val.(int)
	case "failReason":
		doc.FailReason = val.(string)
	case "repeatInterval":
		doc.RepeatInterval = val.(string)
	case "uniqueKey":
		doc.UniqueKey = val.(string)
	case "lockedAt":
		t := val.(time.Time)
		doc.LockedAt = &t
	case "claimedBy":
		doc.ClaimedBy = val.(string)
	case "lastHeartbeat":
		t := val.(time.Time)
		doc.LastHeartbeat = &t
	case "heartbeatInterval":
		doc.HeartbeatInterval = val.(time.Duration)
	case "createdAt":
		doc.CreatedAt = val.(time.Time)
	case "updatedAt":
		doc.UpdatedAt = val.(time.Time)
	default:
		panic(fmt.Sprintf("fakeStore: unsupported update field %q", key))
	}
}

func unsetJobField(doc *Job, key string) {
	switch key {
	case "lockedAt":
		doc.LockedAt = nil
	case "claimedBy":
		doc.ClaimedBy = ""
	case "lastHeartbeat":
		doc.LastHeartbeat = nil
	case "heartbeatInterval":
		doc.HeartbeatInterval = 0
	case "failReason":
		doc.FailReason = ""
	default:
		panic(fmt.Sprintf("fakeStore: unsupported unset field %q", key))
	}
}

// jobFieldValue resolves a filter key against the document, reporting whether
// the field is present in the BSON sense (omitempty fields are absent at
// their zero value).
func jobFieldValue(doc *Job, key string) (any, bool) {
	switch key {
	case "_id":
		return doc.ID, true
	case "name":
		return doc.Name, true
	case "status":
		return doc.Status, true
	case "nextRunAt":
		return doc.NextRunAt, true
	case "failCount":
		return doc.FailCount, true
	case "failReason":
		return doc.FailReason, doc.FailReason != ""
	case "repeatInterval":
		return doc.RepeatInterval, doc.RepeatInterval != ""
	case "uniqueKey":
		return doc.UniqueKey, doc.UniqueKey != ""
	case "lockedAt":
		if doc.LockedAt == nil {
			return nil, false
		}
		return *doc.LockedAt, true
	case "claimedBy":
		return doc.ClaimedBy, doc.ClaimedBy != ""
	case "lastHeartbeat":
		if doc.LastHeartbeat == nil {
			return nil, false
		}
		return *doc.LastHeartbeat, true
	case "heartbeatInterval":
		return doc.HeartbeatInterval, doc.HeartbeatInterval != 0
	case "createdAt":
		return doc.CreatedAt, true
	case "updatedAt":
		return doc.UpdatedAt, true
	default:
		panic(fmt.Sprintf("fakeStore: unsupported filter field %q", key))
	}
}

func matchesFilter(doc *Job, filter bson.M) bool {
	for key, want := range filter {
		if key == "$or" {
			if !matchesAny(doc, want) {
				return false
			}
			continue
		}

		got, present := jobFieldValue(doc, key)

		if cond, isCond := want.(bson.M); isCond {
			if !matchesCondition(got, present, cond) {
				return false
			}
			continue
		}
		if want == nil {
			// Only $unset fields exist in this model, so null means absent.
			if present {
				return false
			}
			continue
		}
		if !present || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func matchesAny(doc *Job, clauses any) bool {
	rv := reflect.ValueOf(clauses)
	for i := 0; i < rv.Len(); i++ {
		if matchesFilter(doc, rv.Index(i).Interface().(bson.M)) {
			return true
		}
	}
	return false
}

func matchesCondition(got any, present bool, cond bson.M) bool {
	for op, arg := range cond {
		switch op {
		case "$exists":
			if arg.(bool) != present {
				return false
			}
		case "$in":
			if !present || !valueInSlice(got, arg) {
				return false
			}
		case "$lte":
			cmp, ok := compareValues(got, arg)
			if !present || !ok || cmp > 0 {
				return false
			}
		case "$lt":
			cmp, ok := compareValues(got, arg)
			if !present || !ok || cmp >= 0 {
				return false
			}
		case "$gt":
			cmp, ok := compareValues(got, arg)
			if !present || !ok || cmp <= 0 {
				return false
			}
		default:
			panic(fmt.Sprintf("fakeStore: unsupported filter operator %q", op))
		}
	}
	return true
}

func valueInSlice(got, slice any) bool {
	rv := reflect.ValueOf(slice)
	for i := 0; i < rv.Len(); i++ {
		if valuesEqual(got, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func valuesEqual(got, want any) bool {
	switch w := want.(type) {
	case time.Time:
		g, ok := got.(time.Time)
		return ok && g.Equal(w)
	case Status:
		g, ok := got.(Status)
		return ok && g == w
	case string:
		g, ok := got.(string)
		return ok && g == w
	case primitive.ObjectID:
		g, ok := got.(primitive.ObjectID)
		return ok && g == w
	case int:
		g, ok := got.(int)
		return ok && g == w
	default:
		return reflect.DeepEqual(got, want)
	}
}

func compareValues(got, bound any) (int, bool) {
	switch b := bound.(type) {
	case time.Time:
		g, ok := got.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case g.Before(b):
			return -1, true
		case g.After(b):
			return 1, true
		default:
			return 0, true
		}
	case primitive.ObjectID:
		g, ok := got.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return bytes.Compare(g[:], b[:]), true
	case int:
		g, ok := got.(int)
		if !ok {
			return 0, false
		}
		return g - b, true
	default:
		return 0, false
	}
}

func sortDocs(docs []*Job, order bson.D) {
	if len(order) == 0 {
		return
	}
	key := order[0].Key
	dir := order[0].Value.(int)

	sort.SliceStable(docs, func(i, j int) bool {
		var cmp int
		switch key {
		case "nextRunAt":
			cmp, _ = compareValues(docs[i].NextRunAt, docs[j].NextRunAt)
		case "_id":
			cmp = bytes.Compare(docs[i].ID[:], docs[j].ID[:])
		default:
			panic(fmt.Sprintf("fakeStore: unsupported sort key %q", key))
		}
		if dir < 0 {
			return cmp > 0
		}
		return cmp < 0
	})
}

// fakeChangeStream is a test-driven ChangeStream. Tests push events with
// send and end the stream with fail; sending after the stream ended panics,
// so tests must sequence the two. closeCh observes teardown.
type fakeChangeStream struct {
	events  chan ChangeEvent
	closeCh chan struct{}

	mu  sync.Mutex
	cur ChangeEvent
	err error

	endOnce   sync.Once
	closeOnce sync.Once
}

func newFakeChangeStream() *fakeChangeStream {
	return &fakeChangeStream{
		events:  make(chan ChangeEvent, 16),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeChangeStream) send(ev ChangeEvent) {
	f.events <- ev
}

// fail ends the stream with err; Next returns false and Err reports it.
func (f *fakeChangeStream) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.endOnce.Do(func() { close(f.events) })
}

func (f *fakeChangeStream) Next(ctx context.Context) bool {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return false
		}
		f.mu.Lock()
		f.cur = ev
		f.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *fakeChangeStream) Event() ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func (f *fakeChangeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChangeStream) Close(context.Context) error {
	f.endOnce.Do(func() { close(f.events) })
	f.closeOnce.Do(func() { close(f.closeCh) })
	return nil
}
