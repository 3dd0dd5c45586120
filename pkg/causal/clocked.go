package causal

// Clocked pairs an application message with the clock it was stamped
// with at send time (spec.md §3 "Clocked<M>").
type Clocked[M any, C any] struct {
	Clock C
	Inner M
}

// ClockService performs the (possibly expensive, possibly asynchronous)
// computation of a new local clock given the previous local clock and a
// remote clock just observed. Grounded on spec.md §4.5's Lamport clock
// service paragraph.
type ClockService[C any] interface {
	// Update requests a new clock; the result is delivered asynchronously
	// via the reply callback passed to Update, not returned directly, so
	// that clock services backed by cryptography or an external call do
	// not block the causal layer's actor.
	Update(prev, remote C, reply func(updated C))
}

// LamportClockService computes counter = max(prev.counter,
// remote.counter) + 1, paired with the local processor id, synchronously.
// It is still invoked through the async ClockService contract so slower
// clock services (spec.md §8 scenario S7) are drop-in replacements.
type LamportClockService struct {
	Pid uint8
}

// Update implements ClockService for the Lamport clock.
func (s LamportClockService) Update(prev, remote Lamport, reply func(updated Lamport)) {
	counter := prev.Counter
	if remote.Counter > counter {
		counter = remote.Counter
	}
	reply(Lamport{Counter: counter + 1, Pid: s.Pid})
}
