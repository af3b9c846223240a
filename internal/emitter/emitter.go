// Package emitter provides a small in-process event bus with asynchronous,
// ordered delivery.
package emitter

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

const queueSize = 1024

type envelope struct {
	event   string
	payload any
}

// Emitter fans events out to registered listeners. All listeners run on a
// single dispatch goroutine, so listeners for one event fire in registration
// order and a slow listener never blocks the code emitting the event.
type Emitter struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[string][]func(payload any)
	closed    bool

	queue chan envelope
	done  chan struct{}
}

// New starts an emitter's dispatch goroutine. Callers must Close it to flush
// queued events.
func New(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		logger:    logger,
		listeners: make(map[string][]func(payload any)),
		queue:     make(chan envelope, queueSize),
		done:      make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// On registers fn for event. Listeners are never deregistered; the emitter
// lives as long as its owner.
func (e *Emitter) On(event string, fn func(payload any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], fn)
}

// Emit queues payload for asynchronous delivery. It never blocks: if the
// queue is full the event is dropped with a warning. Emit after Close is a
// no-op.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- envelope{event: event, payload: payload}:
	default:
		e.logger.Warn("event queue full, dropping event", "event", event)
	}
}

// Close stops accepting events and blocks until everything already queued has
// been delivered. It is idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.queue)
	<-e.done
}

func (e *Emitter) dispatch() {
	defer close(e.done)
	for env := range e.queue {
		e.mu.RLock()
		fns := e.listeners[env.event]
		e.mu.RUnlock()
		for _, fn := range fns {
			e.invoke(env.event, fn, env.payload)
		}
	}
}

// invoke isolates listener panics so one broken listener cannot take down the
// dispatch goroutine or its siblings.
func (e *Emitter) invoke(event string, fn func(payload any), payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked",
				"event", event,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn(payload)
}
