package lamportmutex

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jabolina/go-substrate/internal/logging"
	"github.com/jabolina/go-substrate/pkg/causal"
	"github.com/jabolina/go-substrate/pkg/transport"
)

// ErrConcurrentRequest is the fatal invariant violation raised when a
// local Request arrives while one is already outstanding (spec.md §7).
var ErrConcurrentRequest = errors.New("lamportmutex: concurrent local request")

// ErrReleaseWhileRequesting is raised by a local Release issued while the
// processor still has an outstanding Request.
var ErrReleaseWhileRequesting = errors.New("lamportmutex: release issued while requesting")

// CausalSender is the collaborator a Processor dispatches its wire
// messages through; satisfied by *causal.Causal[Message, C].
type CausalSender[C any] interface {
	Send(dest transport.Destination, msg Message) error
}

// Upcall is notified when this processor acquires the mutex.
type Upcall interface {
	RequestOk() error
}

// Processor is one node's view of the total-ordering mutual-exclusion
// protocol (spec.md §3 "Mutex protocol state", §4.6).
type Processor[C causal.Clock[C]] struct {
	id            uint8
	numProcessors int

	latests   []C
	requests  []PendingRequest[C]
	requesting bool

	causalNet CausalSender[C]
	upcall    Upcall
	log       logging.Logger
	addrOf    func(id uint8) transport.Destination
}

// NewProcessor constructs a processor for id among numProcessors peers,
// each starting with zero as its observed clock. addrOf resolves a
// processor id into the destination RequestOk replies are sent to; the
// base protocol always replies point-to-point to the requester.
func NewProcessor[C causal.Clock[C]](id uint8, numProcessors int, zero C, causalNet CausalSender[C], upcall Upcall, log logging.Logger, addrOf func(id uint8) transport.Destination) *Processor[C] {
	latests := make([]C, numProcessors)
	for i := range latests {
		latests[i] = zero
	}
	return &Processor[C]{
		id:            id,
		numProcessors: numProcessors,
		latests:       latests,
		causalNet:     causalNet,
		upcall:        upcall,
		log:           log,
		addrOf:        addrOf,
	}
}

// Request is the local acquire entrypoint. The actual insertion into
// `requests` happens when the All-addressed loopback delivery returns
// through OnRecv, not here.
func (p *Processor[C]) Request() error {
	if p.requesting {
		return ErrConcurrentRequest
	}
	p.requesting = true
	return p.causalNet.Send(transport.ToAll{}, Message{Kind: Request, Id: p.id})
}

// Release is the local release entrypoint.
func (p *Processor[C]) Release() error {
	if p.requesting {
		return ErrReleaseWhileRequesting
	}
	return p.causalNet.Send(transport.ToAll{}, Message{Kind: Release, Id: p.id})
}

// OnRecv handles an inbound Clocked message, delivered by the causal layer
// once it has accounted for the message's clock (spec.md §4.6 "Inbound
// handling").
func (p *Processor[C]) OnRecv(message causal.Clocked[Message, C]) error {
	if err := p.handleClocked(message); err != nil {
		return err
	}
	if p.requesting {
		return p.checkRequested()
	}
	return nil
}

func (p *Processor[C]) handleClocked(message causal.Clocked[Message, C]) error {
	id := message.Inner.Id
	if int(id) >= p.numProcessors {
		return fmt.Errorf("lamportmutex: message from out-of-range processor id %d", id)
	}
	if !p.latests[id].LessEqual(message.Clock) {
		p.log.Warnf("lamportmutex: out of order clock received from %d", id)
		return nil
	}
	p.latests[id] = message.Clock

	switch message.Inner.Kind {
	case Request:
		p.insertRequest(message.Clock, id)
		return p.causalNet.Send(p.addrOf(id), Message{Kind: RequestOk, Id: p.id})
	case RequestOk:
		return nil
	case Release:
		idx := -1
		for i, r := range p.requests {
			if r.Id == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
		removed := p.requests[idx]
		if !removed.Clock.TotalLess(message.Clock) {
			return fmt.Errorf("lamportmutex: release clock does not exceed its matching request clock for processor %d", id)
		}
		p.requests = append(p.requests[:idx], p.requests[idx+1:]...)
		return nil
	default:
		return fmt.Errorf("lamportmutex: unknown message kind %d", message.Inner.Kind)
	}
}

// insertRequest inserts (clock, id) into the sorted `requests` sequence,
// doing nothing if an identical entry is already present.
func (p *Processor[C]) insertRequest(clock C, id uint8) {
	i := sort.Search(len(p.requests), func(i int) bool {
		return !p.requests[i].Clock.TotalLess(clock)
	})
	if i < len(p.requests) && equalClock(p.requests[i].Clock, clock) && p.requests[i].Id == id {
		return
	}
	p.requests = append(p.requests, PendingRequest[C]{})
	copy(p.requests[i+1:], p.requests[i:])
	p.requests[i] = PendingRequest[C]{Clock: clock, Id: id}
}

func (p *Processor[C]) checkRequested() error {
	if len(p.requests) == 0 {
		return nil
	}
	head := p.requests[0]
	if head.Id != p.id {
		return nil
	}
	for _, observed := range p.latests {
		if !head.Clock.LessEqual(observed) {
			return nil
		}
	}
	p.requesting = false
	return p.upcall.RequestOk()
}

func equalClock[C causal.Clock[C]](a, b C) bool {
	return !a.TotalLess(b) && !b.TotalLess(a)
}
