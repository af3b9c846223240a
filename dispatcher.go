package monque

import (
	"context"
	"time"
)

const (
	// debounceWindow coalesces change-stream events into a single poll so a
	// bulk insert does not trigger a claim storm.
	debounceWindow = 100 * time.Millisecond

	maxReconnectAttempts = 3

	// streamCloseTimeout bounds the teardown handshake with the server.
	streamCloseTimeout = 5 * time.Second
)

// reconnectBaseDelay spaces change-stream reconnection attempts: 1s, 2s, 4s,
// then permanent fallback to polling. A variable so tests can shrink it.
var reconnectBaseDelay = time.Second

// runDispatchLoop serializes claim cycles. Pokes arrive from the poll ticker,
// the change-stream debounce and worker registration; the channel holds at
// most one so bursts collapse into a single cycle.
func (s *Scheduler) runDispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pokes:
			s.runDispatchCycle(ctx)
		}
	}
}

// requestDispatch schedules a claim cycle if one is not already pending.
func (s *Scheduler) requestDispatch() {
	select {
	case s.pokes <- struct{}{}:
	default:
	}
}

// runPollLoop triggers a claim cycle every pollInterval. Polling runs even
// while the change stream is healthy; it is the safety net that catches
// retry deadlines, jobs becoming due, and anything the stream missed.
func (s *Scheduler) runPollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.requestDispatch()
		}
	}
}

// runChangeStreamConsumer subscribes to the collection and turns relevant
// changes into dispatch pokes. Stores without change streams (standalone
// deployments) fail the initial subscribe; dispatch then runs on polling
// alone. Stream breakage mid-flight is retried with exponential backoff
// before giving up the same way.
func (s *Scheduler) runChangeStreamConsumer(ctx context.Context) {
	stream, err := s.store.Watch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.WarnContext(ctx, "change stream unavailable, dispatch falls back to polling", "error", err)
		s.emit(EventChangeStreamFallback, ChangeStreamFallbackPayload{Reason: err.Error()})
		return
	}

	s.logger.InfoContext(ctx, "change stream connected")
	s.emit(EventChangeStreamConnected, nil)

	for {
		err := s.consumeStream(ctx, stream)
		if ctx.Err() != nil {
			return
		}

		s.logger.WarnContext(ctx, "change stream broke", "error", err)
		s.emit(EventChangeStreamError, err)

		stream = s.reconnectStream(ctx)
		if stream == nil {
			if ctx.Err() == nil {
				s.logger.WarnContext(ctx, "change stream reconnection exhausted, dispatch falls back to polling")
				s.emit(EventChangeStreamFallback, ChangeStreamFallbackPayload{
					Reason: "reconnection exhausted",
				})
			}
			return
		}

		s.logger.InfoContext(ctx, "change stream reconnected")
		s.emit(EventChangeStreamConnected, nil)
	}
}

// consumeStream drains events until the stream breaks or ctx is cancelled,
// returning the stream's terminal error. The stream is always closed and a
// changestream:closed event emitted before returning.
func (s *Scheduler) consumeStream(ctx context.Context, stream ChangeStream) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), streamCloseTimeout)
		defer cancel()
		if err := stream.Close(closeCtx); err != nil {
			s.logger.WarnContext(ctx, "change stream close failed", "error", err)
		}
		s.emit(EventChangeStreamClosed, nil)
	}()

	for stream.Next(ctx) {
		s.handleChangeEvent(stream.Event())
	}
	return stream.Err()
}

// reconnectStream retries the subscription with 2^(attempt-1) seconds between
// attempts. It returns nil when the attempts are exhausted or shutdown
// cancels the wait.
func (s *Scheduler) reconnectStream(ctx context.Context) ChangeStream {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		delay := reconnectBaseDelay << (attempt - 1)
		s.logger.InfoContext(ctx, "reconnecting change stream",
			"attempt", attempt, "max_attempts", maxReconnectAttempts, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		stream, err := s.store.Watch(ctx)
		if err == nil {
			s.metrics.streamReconnected(ctx)
			return stream
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.WarnContext(ctx, "change stream reconnect failed",
			"attempt", attempt, "error", err)
		s.emit(EventChangeStreamError, err)
	}
	return nil
}

// handleChangeEvent marks a poll pending for changes that can make a job
// claimable: new inserts, and updates whose post-image is PENDING (retry
// backoffs landing, stale recovery, operator requeues).
func (s *Scheduler) handleChangeEvent(ev ChangeEvent) {
	if !s.isRunning() {
		return
	}

	switch ev.Operation {
	case "insert":
	case "update":
		if ev.FullDocument == nil || ev.FullDocument.Status != StatusPending {
			return
		}
	default:
		return
	}

	s.debouncePoll()
}

// debouncePoll arms a single timer that fires one dispatch poke after the
// debounce window. Events arriving while the timer is armed coalesce into
// that same poke.
func (s *Scheduler) debouncePoll() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounceTimer != nil {
		return
	}
	s.debounceTimer = time.AfterFunc(debounceWindow, func() {
		s.debounceMu.Lock()
		s.debounceTimer = nil
		s.debounceMu.Unlock()
		if s.isRunning() {
			s.requestDispatch()
		}
	})
}

// cancelDebounce stops a pending debounce timer during shutdown.
func (s *Scheduler) cancelDebounce() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
}
