// Package causal implements the clocked message envelope and the
// Idle/Updating state machine that holds egress and delivery across
// asynchronous clock updates. Grounded on
// original_source/src/lamport_mutex.rs's Causal/Lamport/Update/UpdateOk
// types (spec.md §4.5).
package causal

// Clock is a value from a partially-ordered type with a companion total
// order consistent with it (spec.md §3 "Clock C"). LessEqual captures
// happens-before; TotalLess is the tie-breaking total order used by the
// mutex protocol's `requests` ordering.
type Clock[C any] interface {
	LessEqual(other C) bool
	TotalLess(other C) bool
}

// Lamport is the default concrete clock: a (counter, processor id) pair
// ordered lexicographically, per spec.md §3.
type Lamport struct {
	Counter uint32
	Pid     uint8
}

// LessEqual is the partial order used for delivery and acquire checks;
// for Lamport clocks it coincides with the total order, so l <= other
// iff other is not strictly less than l.
func (l Lamport) LessEqual(other Lamport) bool {
	return !other.TotalLess(l)
}

// TotalLess is lexicographic comparison on (Counter, Pid).
func (l Lamport) TotalLess(other Lamport) bool {
	if l.Counter != other.Counter {
		return l.Counter < other.Counter
	}
	return l.Pid < other.Pid
}

// Zero is the clock every session starts below.
var Zero = Lamport{Counter: 0, Pid: 0}
