// Package event implements the single-consumer, per-actor event loop that
// every other layer in this module runs on: sessions, timers, and the
// sender/handler capabilities actors are built from.
package event

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// TimerId identifies a scheduled, not-yet-fired or not-yet-consumed timer
// within a single Session. Ids are only meaningful within the session that
// issued them.
type TimerId uint32

// SendEvent is the capability to hand an event of type M to whatever is
// consuming them, without knowing whether the consumer is a Session, a
// plain channel, or a test double.
type SendEvent[M any] interface {
	Send(event M) error
}

// Timer is the capability an actor uses to schedule and cancel delayed
// delivery of its own events. set/unset are the only suspension points an
// actor may use besides receiving its next event.
type Timer[M any] interface {
	Set(duration time.Duration, event M) (TimerId, error)
	Unset(id TimerId) error
}

// OnEvent is implemented by actor state. The handler may use timer to
// schedule follow-up events but must never block.
type OnEvent[M any] interface {
	OnEvent(event M, timer Timer[M]) error
}

// ErrChannelClosed is returned by Send when the owning Session has shut down.
var ErrChannelClosed = errors.New("event: channel closed")

// ErrTimerNotExists is returned by Unset for an id that was never issued, or
// whose timer already fired and was consumed.
var ErrTimerNotExists = errors.New("event: timer not exists")

// funcSender adapts a plain function into SendEvent.
type funcSender[M any] func(M) error

func (f funcSender[M]) Send(event M) error { return f(event) }

// Void discards every event sent to it, for callers that never need to
// observe the events they are handed.
type Void[M any] struct{}

// Send implements SendEvent by discarding event.
func (Void[M]) Send(M) error { return nil }

// inlineSender adapts OnEvent back into SendEvent by invoking the handler
// synchronously with the owning timer. This is the inverse of the blanket
// SendEvent -> OnEvent relationship below: it lets a handler be handed to
// code that expects a plain sender.
type inlineSender[S OnEvent[M], M any] struct {
	state S
	timer Timer[M]
}

// Inline wraps state and its timer so sending to it invokes OnEvent directly,
// bypassing the channel, for composing handlers synchronously.
func Inline[S OnEvent[M], M any](state S, timer Timer[M]) SendEvent[M] {
	return inlineSender[S, M]{state: state, timer: timer}
}

func (s inlineSender[S, M]) Send(event M) error {
	return s.state.OnEvent(event, s.timer)
}

// senderAsHandler is the blanket: any plain SendEvent[M] can stand in for an
// OnEvent[M] whose handler ignores the timer. This mirrors spec.md's
// "Blanket" paragraph: actors that only forward events need not implement
// the full handler interface.
type senderAsHandler[M any] struct {
	SendEvent[M]
}

// AsHandler adapts a SendEvent into an OnEvent that ignores its timer
// argument, for code paths that require a handler but only want forwarding.
func AsHandler[M any](s SendEvent[M]) OnEvent[M] {
	return senderAsHandler[M]{SendEvent: s}
}

func (s senderAsHandler[M]) OnEvent(event M, _ Timer[M]) error {
	return s.Send(event)
}

type sessionEventKind int

const (
	kindTimer sessionEventKind = iota
	kindOther
)

type sessionEvent[M any] struct {
	kind    sessionEventKind
	timerID TimerId
	event   M
}

// Session is a single-consumer event queue with a cloneable send capability.
// It owns the monotonic timer_id counter and the timer_id -> handle table
// that is the sole source of truth for whether a fired timer's event is
// still live: the receive loop drops any timer event whose id is not
// present in the table, which is how Unset races against an
// already-fired-but-unconsumed timer are made safe.
type Session[M any] struct {
	ch chan sessionEvent[M]

	mu      sync.Mutex
	nextID  TimerId
	timers  map[TimerId]*time.Timer
}

// NewSession constructs an empty, unstarted session. Its queue is buffered
// to 256 events and is not unbounded: Send, and a firing timer, block while
// the queue is full.
func NewSession[M any]() *Session[M] {
	return &Session[M]{
		ch:     make(chan sessionEvent[M], 256),
		timers: make(map[TimerId]*time.Timer),
	}
}

// Sender returns a cloneable capability that enqueues events for this
// session's Run loop to process.
func (s *Session[M]) Sender() SendEvent[M] {
	return sessionSender[M]{ch: s.ch}
}

type sessionSender[M any] struct {
	ch chan sessionEvent[M]
}

func (s sessionSender[M]) Send(event M) error {
	s.ch <- sessionEvent[M]{kind: kindOther, event: event}
	return nil
}

// Set schedules event for delivery after duration and returns the id needed
// to cancel it. Exactly one table entry exists per outstanding timer.
func (s *Session[M]) Set(duration time.Duration, event M) (TimerId, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	t := time.AfterFunc(duration, func() {
		s.ch <- sessionEvent[M]{kind: kindTimer, timerID: id, event: event}
	})

	s.mu.Lock()
	s.timers[id] = t
	s.mu.Unlock()
	return id, nil
}

// Unset cancels a pending timer. It is legal to call Unset on a timer that
// has already fired but whose event has not yet been consumed by Run; the
// table removal here races benignly with the loop's own lookup, and either
// side observing the entry missing is the correct outcome.
func (s *Session[M]) Unset(id TimerId) error {
	s.mu.Lock()
	t, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrTimerNotExists
	}
	t.Stop()
	return nil
}

// Run drains events and dispatches each to state.OnEvent until the session's
// channel is closed or the handler returns an error. Exactly one Run may be
// active per session.
func (s *Session[M]) Run(state OnEvent[M]) error {
	for raw := range s.ch {
		var (
			ev M
		)
		switch raw.kind {
		case kindTimer:
			s.mu.Lock()
			_, live := s.timers[raw.timerID]
			if live {
				delete(s.timers, raw.timerID)
			}
			s.mu.Unlock()
			if !live {
				// timer raced with Unset after it already fired; drop per
				// spec.md §4.1 "Timer contract".
				continue
			}
			ev = raw.event
		case kindOther:
			ev = raw.event
		default:
			return fmt.Errorf("event: unknown session event kind %d", raw.kind)
		}
		if err := state.OnEvent(ev, s); err != nil {
			return err
		}
	}
	return ErrChannelClosed
}

// Close stops accepting new events; Run returns ErrChannelClosed once
// drained.
func (s *Session[M]) Close() {
	close(s.ch)
}
