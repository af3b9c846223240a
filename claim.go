package monque

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// claimNext atomically claims the oldest-eligible PENDING job for name. It
// returns nil when nothing is eligible. The conditional FindOneAndUpdate is
// the only serialization point between competing instances: of N concurrent
// claims for one record exactly one update matches the filter, the rest see
// the post-claim document fall out of theirs.
func (s *Scheduler) claimNext(ctx context.Context, name string) (*Job, error) {
	now := time.Now().UTC()

	filter := bson.M{
		"name":      name,
		"status":    StatusPending,
		"nextRunAt": bson.M{"$lte": now},
		// $unset leaves the field absent, operator writes may null it; accept
		// either as unclaimed.
		"$or": []bson.M{
			{"claimedBy": bson.M{"$exists": false}},
			{"claimedBy": nil},
		},
	}
	update := bson.M{"$set": bson.M{
		"status":            StatusProcessing,
		"claimedBy":         s.cfg.instanceID,
		"lockedAt":          now,
		"lastHeartbeat":     now,
		"heartbeatInterval": s.cfg.heartbeatInterval,
		"updatedAt":         now,
	}}
	opts := &UpdateOptions{
		Sort:        bson.D{{Key: "nextRunAt", Value: 1}},
		ReturnAfter: true,
	}

	job, err := s.store.FindOneAndUpdate(ctx, filter, update, opts)
	if err != nil {
		return nil, err
	}
	if job != nil {
		s.metrics.jobClaimed(ctx, job.Name)
	}
	return job, nil
}

// runDispatchCycle claims due jobs for every registered worker up to the free
// slots of each, bounded by the instance-wide cap when one is configured. One
// cycle runs at a time; the dispatch loop serializes invocations.
//
// The cycle aborts as soon as the scheduler leaves Running, including between
// the reservation and the claim, so shutdown never starts new handlers.
func (s *Scheduler) runDispatchCycle(ctx context.Context) {
	for _, w := range s.registry.snapshot() {
		for {
			if !s.isRunning() {
				return
			}
			if !w.tryReserve() {
				break // worker at capacity, move on
			}
			if !s.tryReserveInstanceSlot() {
				w.unreserve()
				return // instance-wide cap reached, no point trying other workers
			}

			job, err := s.claimNext(ctx, w.name)
			if err != nil {
				w.unreserve()
				s.releaseInstanceSlot()
				s.logger.WarnContext(ctx, "claim failed", "worker", w.name, "error", err)
				s.emit(EventJobError, JobErrorPayload{Err: err})
				return
			}
			if job == nil {
				w.unreserve()
				s.releaseInstanceSlot()
				break // nothing eligible for this worker
			}

			// The claim may have landed after Stop flipped the state; the
			// handler must not start, so put the job back.
			if !s.isRunning() {
				w.unreserve()
				s.releaseClaim(ctx, job)
				s.releaseInstanceSlot()
				return
			}

			w.activate(job)
			s.handlerWG.Add(1)
			go func(w *worker, job *Job) {
				defer s.handlerWG.Done()
				defer s.releaseInstanceSlot()
				s.runJob(s.handlerCtx, w, job)
			}(w, job)
		}
	}
}

// tryReserveInstanceSlot accounts one running job against the optional
// instance-wide concurrency cap.
func (s *Scheduler) tryReserveInstanceSlot() bool {
	if s.cfg.instanceConcurrency <= 0 {
		s.globalActive.Add(1)
		return true
	}
	for {
		cur := s.globalActive.Load()
		if cur >= int64(s.cfg.instanceConcurrency) {
			return false
		}
		if s.globalActive.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *Scheduler) releaseInstanceSlot() {
	s.globalActive.Add(-1)
}

// releaseClaim undoes a claim that must not execute, returning the job to
// PENDING with its lease cleared. Best effort: if the write fails the lease
// simply expires and stale recovery requeues the job.
func (s *Scheduler) releaseClaim(ctx context.Context, job *Job) {
	update := bson.M{
		"$set": bson.M{
			"status":    StatusPending,
			"updatedAt": time.Now().UTC(),
		},
		"$unset": leaseUnset(),
	}
	if _, err := s.store.UpdateOne(ctx, ownershipFilter(job.ID, s.cfg.instanceID), update); err != nil {
		s.logger.WarnContext(ctx, "failed to release claimed job, lease will expire",
			"job_id", job.ID.Hex(), "error", err)
	}
}
