package lamportmutex

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/jabolina/go-substrate/internal/crypto"
	"github.com/jabolina/go-substrate/internal/logging"
	"github.com/jabolina/go-substrate/pkg/causal"
	"github.com/jabolina/go-substrate/pkg/transport"
	"github.com/jabolina/go-substrate/pkg/workerpool"
)

// Ordered is a signed ordering certificate: a statement by its issuer that,
// from its view, the pending request at (Clock, Id) occupies the head of
// the total order. After is a snapshot of the issuer's requests at
// signing time, left semantically opaque to verifiers per spec.md §9.
type Ordered[C any] struct {
	Clock C
	After []PendingRequest[C]
	Id    uint8
}

// SignedOrdered pairs an Ordered certificate with its issuer's signature.
type SignedOrdered[C any] struct {
	Ordered Ordered[C]
	Sig     crypto.Signature
}

// digest hashes the parts of Ordered that matter for verification: the
// clock and the claimed id. Encoding the clock requires a caller-supplied
// byte projection since C is opaque to this package.
func digest[C any](o Ordered[C], clockBytes func(C) []byte) [32]byte {
	h := sha256.New()
	h.Write(clockBytes(o.Clock))
	var idBuf [1]byte
	idBuf[0] = o.Id
	h.Write(idBuf[:])
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// LamportClockBytes projects a causal.Lamport clock into bytes for
// signing/verification, the concrete clockBytes used with the default
// clock.
func LamportClockBytes(c causal.Lamport) []byte {
	var buf [5]byte
	binary.BigEndian.PutUint32(buf[:4], c.Counter)
	buf[4] = c.Pid
	return buf[:]
}

// OrderedNet is the collaborator a ByzantineProcessor uses to send signed
// certificates point-to-point to a specific processor id.
type OrderedNet[C any] interface {
	SendOrdered(to uint8, ordered SignedOrdered[C]) error
}

// signState is the shared state of the worker pool signing is offloaded
// to: signing is assumed to be expensive enough to warrant moving off the actor's event loop
// (spec.md §4.6 "signed (offloaded to the worker pool)").
type signState struct {
	key *crypto.KeyPair
}

// signSink reports a signing failure; the actual certificate dispatch
// happens inside the work closure itself via the captured orderedNet
// collaborator; orderedNet's SendOrdered is goroutine-safe the same way the rest
// of this module's net collaborators are.
type signSink interface {
	Report(err error)
}

// ByzantineProcessor adds quorum-signed ordering certificates on top of
// the base Processor, tolerating up to numFaulty equivocating peers.
// Specialized to causal.Lamport because signing requires a concrete byte
// projection of the clock.
type ByzantineProcessor struct {
	inner *Processor[causal.Lamport]

	numFaulty   int
	lastOrdered causal.Lamport
	proof       map[uint8]SignedOrdered[causal.Lamport]

	orderedNet OrderedNet[causal.Lamport]
	pool       workerpool.Pool[signState, signSink]
	key        *crypto.KeyPair
	log        logging.Logger
}

// NewByzantineProcessor constructs the Byzantine-tolerant variant. addrOf
// for the embedded base Processor always broadcasts RequestOk replies to
// All, since Byzantine verifiers must observe every reply, per
// original_source/src/lamport_mutex.rs's verifiable::Processor
// (`|_| All` in handle_clocked's into_addr).
func NewByzantineProcessor(
	id uint8,
	numProcessors, numFaulty int,
	causalNet CausalSender[causal.Lamport],
	upcall Upcall,
	orderedNet OrderedNet[causal.Lamport],
	pool workerpool.Pool[signState, signSink],
	key *crypto.KeyPair,
	log logging.Logger,
) *ByzantineProcessor {
	inner := NewProcessor[causal.Lamport](id, numProcessors, causal.Lamport{}, causalNet, upcall, log, func(uint8) transport.Destination {
		return transport.ToAll{}
	})
	return &ByzantineProcessor{
		inner:       inner,
		numFaulty:   numFaulty,
		lastOrdered: causal.Lamport{},
		proof:       make(map[uint8]SignedOrdered[causal.Lamport]),
		orderedNet:  orderedNet,
		pool:        pool,
		key:         key,
		log:         log,
	}
}

// Request is the local acquire entrypoint, identical to the base protocol.
func (b *ByzantineProcessor) Request() error { return b.inner.Request() }

// Release is the local release entrypoint, identical to the base protocol.
func (b *ByzantineProcessor) Release() error { return b.inner.Release() }

// OnRecv handles an inbound protocol message, then re-evaluates which
// pending requests this processor can now certify and whether its own
// request has gathered a quorum of certificates.
func (b *ByzantineProcessor) OnRecv(message causal.Clocked[Message, causal.Lamport]) error {
	if err := b.inner.handleClocked(message); err != nil {
		return err
	}
	return b.checkRequested()
}

func (b *ByzantineProcessor) checkRequested() error {
	for _, pending := range b.inner.requests {
		if !b.lastOrdered.TotalLess(pending.Clock) {
			continue
		}
		dominated := true
		for _, observed := range b.inner.latests {
			if !pending.Clock.LessEqual(observed) {
				dominated = false
				break
			}
		}
		if !dominated {
			break
		}
		ordered := Ordered[causal.Lamport]{
			Clock: pending.Clock,
			After: append([]PendingRequest[causal.Lamport]{}, b.inner.requests...),
			Id:    b.inner.id,
		}
		target := pending.Id
		orderedNet := b.orderedNet
		if err := b.pool.Submit(func(state signState, sink signSink) error {
			d := digest(ordered, LamportClockBytes)
			sig, err := state.key.Sign(d)
			if err != nil {
				sink.Report(err)
				return fmt.Errorf("lamportmutex: sign ordering certificate: %w", err)
			}
			if err := orderedNet.SendOrdered(target, SignedOrdered[causal.Lamport]{Ordered: ordered, Sig: sig}); err != nil {
				sink.Report(err)
				return err
			}
			return nil
		}); err != nil {
			return err
		}
		b.lastOrdered = pending.Clock
	}

	if !b.inner.requesting {
		return nil
	}
	if len(b.inner.requests) == 0 {
		return nil
	}
	head := b.inner.requests[0]
	if head.Id != b.inner.id {
		return nil
	}
	matching := 0
	for _, cert := range b.proof {
		if equalClock(cert.Ordered.Clock, head.Clock) {
			matching++
		}
	}
	if matching > b.numFaulty {
		b.inner.requesting = false
		return b.inner.upcall.RequestOk()
	}
	return nil
}

// OnRecvOrdered absorbs a certificate from a peer, keeping only the one
// with the largest clock per issuer (spec.md §4.6).
func (b *ByzantineProcessor) OnRecvOrdered(from uint8, sig SignedOrdered[causal.Lamport], pub *ecdsa.PublicKey) error {
	if existing, ok := b.proof[from]; ok && !existing.Ordered.Clock.TotalLess(sig.Ordered.Clock) {
		return nil
	}
	d := digest(sig.Ordered, LamportClockBytes)
	if err := crypto.Verify(pub, d, sig.Sig); err != nil {
		b.log.Warnf("lamportmutex: dropping certificate from %d with invalid signature: %v", from, err)
		return nil
	}
	b.proof[from] = sig
	return b.checkRequested()
}
