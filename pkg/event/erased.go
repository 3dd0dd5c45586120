package event

import (
	"sync"
	"time"
)

// ErasedTimer is Timer restricted to closures over a single state type S,
// letting the erased session schedule events of any shape without an
// enumerated union. Grounded on original_source/src/event.rs's `erasured`
// module (spec.md §4.1 "type-erased variant").
type ErasedTimer[S any] interface {
	Set(duration time.Duration, fn func(S, ErasedTimer[S]) error) (TimerId, error)
	Unset(id TimerId) error
}

type erasedEventKind int

const (
	erasedKindTimer erasedEventKind = iota
	erasedKindOther
)

type erasedEvent[S any] struct {
	kind    erasedEventKind
	timerID TimerId
	call    func(S, ErasedTimer[S]) error
}

// ErasedSender delivers opaque deferred calls to an ErasedSession, letting a
// new kind of message be introduced without touching a shared enum.
type ErasedSender[S any] struct {
	ch chan erasedEvent[S]
}

// Send enqueues fn to run against the session's state on its next turn.
func (e ErasedSender[S]) Send(fn func(S, ErasedTimer[S]) error) error {
	e.ch <- erasedEvent[S]{kind: erasedKindOther, call: fn}
	return nil
}

// ErasedSession is the closure-carrying counterpart to Session: instead of a
// fixed event union M, each queued item is a boxed call against the shared
// state S. Timer semantics (table-as-source-of-truth, race-free cancel) are
// identical to Session.
type ErasedSession[S any] struct {
	ch chan erasedEvent[S]

	mu     sync.Mutex
	nextID TimerId
	timers map[TimerId]*time.Timer
}

// NewErasedSession constructs an empty, unstarted erased session.
func NewErasedSession[S any]() *ErasedSession[S] {
	return &ErasedSession[S]{
		ch:     make(chan erasedEvent[S], 256),
		timers: make(map[TimerId]*time.Timer),
	}
}

// Sender returns a cloneable capability for submitting deferred calls.
func (e *ErasedSession[S]) Sender() ErasedSender[S] {
	return ErasedSender[S]{ch: e.ch}
}

// Set schedules fn to run after duration, against whatever state Run is
// driving at fire time.
func (e *ErasedSession[S]) Set(duration time.Duration, fn func(S, ErasedTimer[S]) error) (TimerId, error) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	t := time.AfterFunc(duration, func() {
		e.ch <- erasedEvent[S]{kind: erasedKindTimer, timerID: id, call: fn}
	})

	e.mu.Lock()
	e.timers[id] = t
	e.mu.Unlock()
	return id, nil
}

// Unset cancels a pending timer; see Session.Unset for the race contract.
func (e *ErasedSession[S]) Unset(id TimerId) error {
	e.mu.Lock()
	t, ok := e.timers[id]
	if ok {
		delete(e.timers, id)
	}
	e.mu.Unlock()
	if !ok {
		return ErrTimerNotExists
	}
	t.Stop()
	return nil
}

// Run drains deferred calls and invokes each against state until the
// session is closed or a call returns an error.
func (e *ErasedSession[S]) Run(state S) error {
	for raw := range e.ch {
		if raw.kind == erasedKindTimer {
			e.mu.Lock()
			_, live := e.timers[raw.timerID]
			if live {
				delete(e.timers, raw.timerID)
			}
			e.mu.Unlock()
			if !live {
				continue
			}
		}
		if err := raw.call(state, e); err != nil {
			return err
		}
	}
	return ErrChannelClosed
}

// Close stops accepting new deferred calls.
func (e *ErasedSession[S]) Close() {
	close(e.ch)
}
