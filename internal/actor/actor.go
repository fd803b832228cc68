// Package actor generalizes meshage's one-goroutine-per-client loop
// (clientHandler/messageHandler) into a reusable primitive: a single
// goroutine that owns some mutable state and processes posted closures
// strictly in arrival order, per spec.md §5's "Events posted by thread X
// to actor A are delivered to A in posting order."
package actor

import "sync"

// Loop is a single-threaded event queue. Exactly one goroutine -- the one
// started by Run -- ever touches the state an actor closes over, so that
// state needs no locking of its own.
type Loop struct {
	events chan func()
	done   chan struct{}
	once   sync.Once
}

// NewLoop creates a Loop with the given event queue depth.
func NewLoop(queueDepth int) *Loop {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Loop{
		events: make(chan func(), queueDepth),
		done:   make(chan struct{}),
	}
}

// Run drives the loop until Stop is called. It is meant to be started in
// its own goroutine: `go loop.Run()`.
func (l *Loop) Run() {
	for {
		select {
		case fn := <-l.events:
			fn()
		case <-l.done:
			// drain anything already queued before exiting so posted
			// cleanup (e.g. "complete this message with connection_closed")
			// still runs.
			for {
				select {
				case fn := <-l.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the loop's goroutine. Post is safe to call
// from any goroutine. It returns false if the loop has already stopped
// and fn was dropped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Stop signals the loop to drain and exit. Safe to call more than once.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
