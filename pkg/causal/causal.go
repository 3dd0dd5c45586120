package causal

import (
	"errors"
	"fmt"

	"github.com/jabolina/go-substrate/pkg/transport"
)

// ErrClockNotMonotonic is the fatal invariant violation raised when an
// UpdateOk installs a clock that is not strictly greater than the one it
// replaces (spec.md §4.5, §7).
var ErrClockNotMonotonic = errors.New("causal: clock update is not strictly greater than the prior clock")

// NetSender is the causal layer's only egress collaborator: dispatching a
// stamped envelope to a resolved destination over the net transport.
type NetSender[M any, C any] interface {
	Send(dest transport.Destination, msg Clocked[M, C]) error
}

type deferredSend[M any, C any] struct {
	dest transport.Destination
	msg  M
}

// Causal implements the Idle/Updating clock-update state machine sitting
// between an application (the mutex processor or the entropy store) and
// the net. It is itself not thread-safe: like every other actor in this
// module it is expected to be driven from a single event loop.
type Causal[M any, C Clock[C]] struct {
	clockService ClockService[C]
	net          NetSender[M, C]
	deliver      func(Clocked[M, C]) error

	current     C
	updating    bool
	pendingRecv []Clocked[M, C]
	pendingSend []deferredSend[M, C]
}

// New constructs a Causal layer and immediately begins the initial clock
// update (prev=remote=zero), per spec.md §4.5's "Initialization begins in
// the Updating state" paragraph.
func New[M any, C Clock[C]](clockService ClockService[C], net NetSender[M, C], deliver func(Clocked[M, C]) error, zero C) *Causal[M, C] {
	c := &Causal[M, C]{
		clockService: clockService,
		net:          net,
		deliver:      deliver,
		current:      zero,
		updating:     true,
	}
	clockService.Update(zero, zero, func(updated C) {
		// initialization cannot fail the strictly-greater check unless the
		// clock service itself is misconfigured to return the zero value.
		_ = c.onUpdateOk(updated)
	})
	return c
}

// Send stamps msg with the current clock and dispatches it immediately
// when idle; while a clock update is in flight the send is deferred until
// the update completes, so no egress message can carry a clock that
// predates information this processor has already received.
func (c *Causal[M, C]) Send(dest transport.Destination, msg M) error {
	if !c.updating {
		return c.net.Send(dest, Clocked[M, C]{Clock: c.current, Inner: msg})
	}
	c.pendingSend = append(c.pendingSend, deferredSend[M, C]{dest: dest, msg: msg})
	return nil
}

// Recv accounts for an inbound message's clock before the application may
// observe it. If idle, it immediately begins a clock update and holds the
// message; if already updating, the message joins the FIFO behind
// whichever update is in flight.
func (c *Causal[M, C]) Recv(remote C, msg M) error {
	held := Clocked[M, C]{Clock: remote, Inner: msg}
	if !c.updating {
		c.updating = true
		c.pendingRecv = append(c.pendingRecv, held)
		prev := c.current
		var updateErr error
		c.clockService.Update(prev, remote, func(updated C) {
			updateErr = c.onUpdateOk(updated)
		})
		return updateErr
	}
	c.pendingRecv = append(c.pendingRecv, held)
	return nil
}

func (c *Causal[M, C]) onUpdateOk(updated C) error {
	if !c.current.TotalLess(updated) {
		return fmt.Errorf("%w: current=%v updated=%v", ErrClockNotMonotonic, c.current, updated)
	}
	c.current = updated

	if len(c.pendingRecv) > 0 {
		head := c.pendingRecv[0]
		c.pendingRecv = c.pendingRecv[1:]
		prev := c.current
		var updateErr error
		c.clockService.Update(prev, head.Clock, func(updated C) {
			updateErr = c.onUpdateOk(updated)
		})
		if updateErr != nil {
			return updateErr
		}
		if err := c.deliver(head); err != nil {
			return err
		}
	} else {
		c.updating = false
	}

	return c.drainPendingSend()
}

func (c *Causal[M, C]) drainPendingSend() error {
	pending := c.pendingSend
	c.pendingSend = nil
	for _, d := range pending {
		if err := c.net.Send(d.dest, Clocked[M, C]{Clock: c.current, Inner: d.msg}); err != nil {
			return err
		}
	}
	return nil
}

// Current returns the processor's current local clock, used by callers
// that need to stamp state outside of a Send (e.g. recording latests[self]).
func (c *Causal[M, C]) Current() C {
	return c.current
}
