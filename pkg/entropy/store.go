package entropy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jabolina/go-substrate/internal/logging"
	"github.com/jabolina/go-substrate/internal/metrics"
	"github.com/jabolina/go-substrate/pkg/event"
	"github.com/jabolina/go-substrate/pkg/transport"
	"github.com/jabolina/go-substrate/pkg/workerpool"
)

// ErrDuplicatePut is the fatal invariant violation raised by a Put for a
// chunk that already has an upload in flight (spec.md §7).
var ErrDuplicatePut = errors.New("entropy: duplicate put for in-flight chunk")

// ErrBadPutLength is returned synchronously, before the request even
// reaches the actor's event loop, for a payload that isn't exactly k*L
// bytes (spec.md §8 "Put where |buf| != k*L fails immediately").
var ErrBadPutLength = errors.New("entropy: put payload is not k*fragment_len bytes")

// PutResult answers a Put (PutOk per spec.md §6's application API table).
// Dispersal having been initiated does not imply durability across peers.
type PutResult struct {
	Chunk ChunkId
	Err   error
}

// GetResult answers a Get (GetOk). Buf is the reconstructed k*L payload.
type GetResult struct {
	Chunk ChunkId
	Buf   []byte
	Err   error
}

// EventKind distinguishes the variants of the entropy store actor's event
// sum type, dispatched through a single event.Session[Event] the way
// spec.md §4.1 describes every actor in this module running.
type EventKind int

const (
	EvtPut EventKind = iota
	EvtGet
	EvtRecvInvite
	EvtRecvInviteOk
	EvtRecvPull
	EvtRecvFragment
	EvtEncoderReady
	EvtEncoded
	EvtDecoded
	EvtRecovered
	EvtStoreOk
	EvtStoreFailed
	EvtLoadOk
	EvtLoadFailed
	EvtSweep
	evtInspectUploadPending
)

// Event is the entropy store's event type. At most one of the pointer
// fields is populated, selected by Kind (EvtSweep carries none) - the
// same tagged-union shape used by Message in message.go and by
// lamportmutex.Message.
type Event struct {
	Kind EventKind

	put          *putReq
	get          *getReq
	recvInvite   *recvInviteEvt
	recvInviteOk *recvInviteOkEvt
	recvPull     *recvPullEvt
	recvFragment *recvFragmentEvt
	encoderReady *encoderReadyEvt
	encoded      *encodedEvt
	decoded      *decodedEvt
	recovered    *recoveredEvt
	storeOk      *storeOkEvt
	storeFailed  *storeFailedEvt
	loadOk       *loadOkEvt
	loadFailed   *loadFailedEvt
	inspect      *inspectUploadPendingReq
}

// inspectUploadPendingReq lets a caller outside the event loop observe
// uploads[chunk]'s pending-index count without racing the actor's own
// goroutine; used by tests asserting on collision-discard behavior.
type inspectUploadPendingReq struct {
	chunk ChunkId
	reply chan<- int
}

type putReq struct {
	chunk ChunkId
	buf   []byte
	reply chan<- PutResult
}

type getReq struct {
	chunk ChunkId
	reply chan<- GetResult
}

type recvInviteEvt struct {
	msg  Invite
	from PeerId
}

type recvInviteOkEvt struct {
	msg  InviteOk
	from PeerId
}

type recvPullEvt struct {
	msg  Pull
	from PeerId
}

type recvFragmentEvt struct {
	tag     Tag
	from    PeerId
	payload []byte
}

type encoderReadyEvt struct {
	chunk ChunkId
	enc   Encoder
	reply chan<- PutResult
	err   error
}

type encodedEvt struct {
	chunk    ChunkId
	index    FragmentIndex
	peer     PeerId
	fragment []byte
	err      error
}

type decodedEvt struct {
	chunk    ChunkId
	decoder  Decoder
	needMore bool
	err      error
}

type recoveredEvt struct {
	chunk ChunkId
	buf   []byte
	err   error
}

type storeOkEvt struct {
	chunk ChunkId
	index FragmentIndex
}

type storeFailedEvt struct {
	chunk ChunkId
	index FragmentIndex
	err   error
}

type loadOkEvt struct {
	chunk     ChunkId
	index     FragmentIndex
	fragment  []byte
	requester PeerId
}

type loadFailedEvt struct {
	chunk ChunkId
	index FragmentIndex
	err   error
}

// uploadState is the origin-side record for one chunk this peer disperses
// (spec.md §3 "uploads").
type uploadState struct {
	encoder   Encoder
	pending   map[FragmentIndex]PeerId
	createdAt time.Time
}

// downloadState is the puller-side record for a chunk under reconstruction
// (spec.md §3 "downloads"). decoder is nil exactly when a codec worker is
// currently decoding; pending buffers fragments that arrived meanwhile.
type downloadState struct {
	decoder Decoder
	pending map[FragmentIndex][]byte
	decoded map[FragmentIndex]struct{}
	replies []chan<- GetResult
}

// PersistStatus is the lifecycle of one locally held fragment slot
// (spec.md §3 "persists").
type PersistStatus int

const (
	// StatusRecovering: this peer accepted an Invite and is waiting for
	// the origin to push the promised fragment bytes.
	StatusRecovering PersistStatus = iota
	// StatusStoring: fragment bytes are in hand and the fs write is in
	// flight.
	StatusStoring
	// StatusAvailable: the fragment is durably on disk and servable to
	// Pull requests.
	StatusAvailable
)

// persistState is one persisted (or promised) fragment slot. decoder is
// carried for structural fidelity with spec.md §3's
// "Recovering(decoder?)" shape; this implementation never needs to
// recombine fragments before storing one, so it is always nil here - see
// DESIGN.md.
type persistState struct {
	index   FragmentIndex
	status  PersistStatus
	decoder Decoder
}

// codecSink adapts codec worker completions onto the store's event
// channel, so store state is only ever mutated from within OnEvent, never
// from a codec task goroutine.
type codecSink struct {
	send event.SendEvent[Event]
}

func (s codecSink) encoderReady(chunk ChunkId, enc Encoder, reply chan<- PutResult, err error) {
	_ = s.send.Send(Event{Kind: EvtEncoderReady, encoderReady: &encoderReadyEvt{chunk: chunk, enc: enc, reply: reply, err: err}})
}

func (s codecSink) encoded(chunk ChunkId, index FragmentIndex, peer PeerId, fragment []byte, err error) {
	_ = s.send.Send(Event{Kind: EvtEncoded, encoded: &encodedEvt{chunk: chunk, index: index, peer: peer, fragment: fragment, err: err}})
}

func (s codecSink) decoded(chunk ChunkId, decoder Decoder, needMore bool, err error) {
	_ = s.send.Send(Event{Kind: EvtDecoded, decoded: &decodedEvt{chunk: chunk, decoder: decoder, needMore: needMore, err: err}})
}

func (s codecSink) recovered(chunk ChunkId, buf []byte, err error) {
	_ = s.send.Send(Event{Kind: EvtRecovered, recovered: &recoveredEvt{chunk: chunk, buf: buf, err: err}})
}

// fsSink adapts FsSink onto the store's event channel, so store state is
// only ever mutated from within OnEvent, never from an fs task goroutine.
type fsSink struct {
	send event.SendEvent[Event]
}

func (s fsSink) StoreOk(chunk ChunkId, index FragmentIndex) {
	_ = s.send.Send(Event{Kind: EvtStoreOk, storeOk: &storeOkEvt{chunk: chunk, index: index}})
}

func (s fsSink) StoreFailed(chunk ChunkId, index FragmentIndex, err error) {
	_ = s.send.Send(Event{Kind: EvtStoreFailed, storeFailed: &storeFailedEvt{chunk: chunk, index: index, err: err}})
}

func (s fsSink) LoadOk(chunk ChunkId, index FragmentIndex, fragment []byte, requester PeerId) {
	_ = s.send.Send(Event{Kind: EvtLoadOk, loadOk: &loadOkEvt{chunk: chunk, index: index, fragment: fragment, requester: requester}})
}

func (s fsSink) LoadFailed(chunk ChunkId, index FragmentIndex, err error) {
	_ = s.send.Send(Event{Kind: EvtLoadFailed, loadFailed: &loadFailedEvt{chunk: chunk, index: index, err: err}})
}

// Store is one peer's view of the entropy chunk store (spec.md §4.7): it
// disperses chunks it originates as coded fragments across the N peers
// closest to the chunk id, serves Pull requests for fragments it has
// persisted, and reconstructs chunks it is retrieving by feeding arriving
// fragments to a decoder.
type Store struct {
	self    PeerId
	k       int
	fragLen int
	n       int

	uploads   map[ChunkId]*uploadState
	downloads map[ChunkId]*downloadState
	persists  map[ChunkId]*persistState

	codec CodecFactory
	fs    *Fs
	net   Net
	blob  BlobTransfer

	codecPool workerpool.Pool[CodecFactory, codecSink]
	codecExec *workerpool.Executor[CodecFactory, codecSink]
	sender    event.SendEvent[Event]

	addrOf func(PeerId) transport.Destination

	uploadTTL     time.Duration
	sweepInterval time.Duration
	indexPolicy   func() FragmentIndex
	metrics       *metrics.Registry
	log           logging.Logger
}

// Config bundles Store's fixed parameters, following the teacher's
// constructor-injection convention (spec.md §2 "Configuration").
type Config struct {
	Self          PeerId
	K             int
	FragmentLen   int
	N             int
	UploadTTL     time.Duration
	SweepInterval time.Duration

	// IndexPolicy resolves spec.md §9's open question on invite index
	// allocation: by default, each invitee proposes a random 32-bit
	// index and the origin discards late duplicates on collision (see
	// DESIGN.md). Tests may override it for deterministic assignment.
	IndexPolicy func() FragmentIndex
}

// NewStore constructs a store bound to sender, the SendEvent capability of
// the event.Session[Event] it will be driven by. Callers are expected to
// run `session.Run(store)` on its own goroutine and call Bootstrap once to
// arm the upload-cleanup sweep.
func NewStore(cfg Config, codec CodecFactory, fs *Fs, net Net, blob BlobTransfer, addrOf func(PeerId) transport.Destination, reg *metrics.Registry, log logging.Logger, sender event.SendEvent[Event]) *Store {
	if cfg.UploadTTL == 0 {
		cfg.UploadTTL = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.IndexPolicy == nil {
		cfg.IndexPolicy = func() FragmentIndex { return FragmentIndex(rand.Uint32()) }
	}
	codecPool, codecExec := workerpool.NewPool[CodecFactory, codecSink](codec, reg)
	return &Store{
		self:          cfg.Self,
		k:             cfg.K,
		fragLen:       cfg.FragmentLen,
		n:             cfg.N,
		uploads:       make(map[ChunkId]*uploadState),
		downloads:     make(map[ChunkId]*downloadState),
		persists:      make(map[ChunkId]*persistState),
		codec:         codec,
		fs:            fs,
		net:           net,
		blob:          blob,
		codecPool:     codecPool,
		codecExec:     codecExec,
		sender:        sender,
		addrOf:        addrOf,
		uploadTTL:     cfg.UploadTTL,
		sweepInterval: cfg.SweepInterval,
		indexPolicy:   cfg.IndexPolicy,
		metrics:       reg,
		log:           log,
	}
}

// RunCodec drains the codec worker pool until ctx is done, delivering
// encode/decode/recover completions back as events on this store's own
// session (spec.md §4.2 "results are delivered back as events").
func (s *Store) RunCodec(ctx context.Context) error {
	return s.codecExec.Run(ctx, s.CodecSinkFor)
}

// Bootstrap arms the upload-cleanup sweep timer. Call once after the
// owning session starts Run.
func (s *Store) Bootstrap() error {
	return s.sender.Send(Event{Kind: EvtSweep})
}

// CodecSinkFor is passed as the sinkFor callback to a codec Executor.Run
// sharing this store's event channel.
func (s *Store) CodecSinkFor() codecSink {
	return codecSink{send: s.sender}
}

// FsSinkFor is passed as the sinkFor callback to Fs.RunStores/RunLoads.
func (s *Store) FsSinkFor() FsSink {
	return fsSink{send: s.sender}
}

// Put is the application-facing dispersal entrypoint (spec.md §6). The
// length check is synchronous so a malformed call fails before it ever
// reaches the actor's single-threaded loop.
func (s *Store) Put(chunk ChunkId, buf []byte, reply chan<- PutResult) error {
	if len(buf) != s.k*s.fragLen {
		return ErrBadPutLength
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return s.sender.Send(Event{Kind: EvtPut, put: &putReq{chunk: chunk, buf: cp, reply: reply}})
}

// Get is the application-facing reconstruction entrypoint.
func (s *Store) Get(chunk ChunkId, reply chan<- GetResult) error {
	return s.sender.Send(Event{Kind: EvtGet, get: &getReq{chunk: chunk, reply: reply}})
}

// RecvInvite feeds an inbound wire Invite into the actor.
func (s *Store) RecvInvite(msg Invite, from PeerId) error {
	return s.sender.Send(Event{Kind: EvtRecvInvite, recvInvite: &recvInviteEvt{msg: msg, from: from}})
}

// RecvInviteOk feeds an inbound wire InviteOk into the actor.
func (s *Store) RecvInviteOk(msg InviteOk, from PeerId) error {
	return s.sender.Send(Event{Kind: EvtRecvInviteOk, recvInviteOk: &recvInviteOkEvt{msg: msg, from: from}})
}

// RecvPull feeds an inbound wire Pull into the actor.
func (s *Store) RecvPull(msg Pull, from PeerId) error {
	return s.sender.Send(Event{Kind: EvtRecvPull, recvPull: &recvPullEvt{msg: msg, from: from}})
}

// RecvFragment feeds a blob-transfer completion (spec.md §6's
// RecvBlob(tag, bytes)) into the actor; which side of the protocol it
// belongs to (a puller's decoder feed, or an invitee's persist) is
// resolved from whichever state, if any, matches tag.Chunk.
func (s *Store) RecvFragment(tag Tag, from PeerId, payload []byte) error {
	return s.sender.Send(Event{Kind: EvtRecvFragment, recvFragment: &recvFragmentEvt{tag: tag, from: from, payload: payload}})
}

// OnEvent implements event.OnEvent[Event].
func (s *Store) OnEvent(ev Event, timer event.Timer[Event]) error {
	switch ev.Kind {
	case EvtPut:
		return s.onPut(ev.put)
	case EvtGet:
		return s.onGet(ev.get)
	case EvtRecvInvite:
		return s.onRecvInvite(ev.recvInvite)
	case EvtRecvInviteOk:
		return s.onRecvInviteOk(ev.recvInviteOk)
	case EvtRecvPull:
		return s.onRecvPull(ev.recvPull)
	case EvtRecvFragment:
		return s.onRecvFragment(ev.recvFragment)
	case EvtEncoderReady:
		return s.onEncoderReady(ev.encoderReady)
	case EvtEncoded:
		return s.onEncoded(ev.encoded)
	case EvtDecoded:
		return s.onDecoded(ev.decoded)
	case EvtRecovered:
		return s.onRecovered(ev.recovered)
	case EvtStoreOk:
		return s.onStoreOk(ev.storeOk)
	case EvtStoreFailed:
		return s.onStoreFailed(ev.storeFailed)
	case EvtLoadOk:
		return s.onLoadOk(ev.loadOk)
	case EvtLoadFailed:
		return s.onLoadFailed(ev.loadFailed)
	case EvtSweep:
		return s.onSweep(timer)
	case evtInspectUploadPending:
		return s.onInspectUploadPending(ev.inspect)
	default:
		return fmt.Errorf("entropy: unknown event kind %d", ev.Kind)
	}
}

func (s *Store) onPut(req *putReq) error {
	if _, exists := s.uploads[req.chunk]; exists {
		return fmt.Errorf("%w: %x", ErrDuplicatePut, req.chunk)
	}
	chunk, reply := req.chunk, req.reply
	buf := req.buf
	sink := s.CodecSinkFor()
	return s.codecPool.Submit(func(codec CodecFactory, _ codecSink) error {
		enc, err := codec.NewEncoder(buf)
		sink.encoderReady(chunk, enc, reply, err)
		return nil
	})
}

func (s *Store) onEncoderReady(ev *encoderReadyEvt) error {
	if ev.err != nil {
		if ev.reply != nil {
			ev.reply <- PutResult{Chunk: ev.chunk, Err: ev.err}
		}
		return nil
	}
	s.uploads[ev.chunk] = &uploadState{
		encoder:   ev.enc,
		pending:   make(map[FragmentIndex]PeerId),
		createdAt: time.Now(),
	}
	if s.metrics != nil {
		s.metrics.UploadsInFlight.Inc()
	}
	if err := s.net.Send(transport.ToClosest{Key: [32]byte(ev.chunk), N: s.n}, Message{
		Kind:   KindInvite,
		Invite: &Invite{Chunk: ev.chunk, Origin: s.self},
	}); err != nil {
		return err
	}
	if ev.reply != nil {
		ev.reply <- PutResult{Chunk: ev.chunk}
	}
	return nil
}

func (s *Store) onRecvInvite(ev *recvInviteEvt) error {
	if ev.msg.Origin == s.self {
		return nil
	}
	index := s.indexPolicy()
	s.persists[ev.msg.Chunk] = &persistState{index: index, status: StatusRecovering}
	return s.net.Send(s.addrOf(ev.msg.Origin), Message{
		Kind: KindInviteOk,
		InviteOk: &InviteOk{
			Chunk: ev.msg.Chunk,
			Index: index,
			Proof: nil,
			Self:  s.self,
		},
	})
}

func (s *Store) onRecvInviteOk(ev *recvInviteOkEvt) error {
	up, ok := s.uploads[ev.msg.Chunk]
	if !ok {
		s.log.Warnf("entropy: InviteOk for unknown upload %x, dropping", ev.msg.Chunk)
		return nil
	}
	if existing, taken := up.pending[ev.msg.Index]; taken && existing != ev.msg.Self {
		s.log.Warnf("entropy: index %d for chunk %x already promised, dropping late duplicate from %x", ev.msg.Index, ev.msg.Chunk, ev.msg.Self)
		return nil
	}
	up.pending[ev.msg.Index] = ev.msg.Self
	chunk, index, peer := ev.msg.Chunk, ev.msg.Index, ev.msg.Self
	enc := up.encoder
	sink := s.CodecSinkFor()
	return s.codecPool.Submit(func(_ CodecFactory, _ codecSink) error {
		fragment, err := enc.Encode(index)
		sink.encoded(chunk, index, peer, fragment, err)
		return nil
	})
}

func (s *Store) onEncoded(ev *encodedEvt) error {
	up, ok := s.uploads[ev.chunk]
	if !ok {
		return nil
	}
	if ev.err != nil {
		s.log.Warnf("entropy: encode index %d for chunk %x failed: %v", ev.index, ev.chunk, ev.err)
		return nil
	}
	if promised, still := up.pending[ev.index]; !still || promised != ev.peer {
		// the record no longer stands: the upload this encode was submitted
		// for expired and the chunk was put again after the encode started.
		return nil
	}
	return s.blob.Transfer(ev.peer, Tag{Chunk: ev.chunk, Index: ev.index}, ev.fragment)
}

func (s *Store) onGet(req *getReq) error {
	if ds, exists := s.downloads[req.chunk]; exists {
		ds.replies = append(ds.replies, req.reply)
		return nil
	}
	dec, err := s.codec.NewDecoder(s.k*s.fragLen, s.fragLen)
	if err != nil {
		req.reply <- GetResult{Chunk: req.chunk, Err: err}
		return nil
	}
	ds := &downloadState{decoder: dec, pending: make(map[FragmentIndex][]byte), decoded: make(map[FragmentIndex]struct{})}
	ds.replies = append(ds.replies, req.reply)
	s.downloads[req.chunk] = ds
	if s.metrics != nil {
		s.metrics.DownloadsInFlight.Inc()
	}
	return s.net.Send(transport.ToClosest{Key: [32]byte(req.chunk), N: s.n}, Message{
		Kind: KindPull,
		Pull: &Pull{Chunk: req.chunk, Origin: s.self},
	})
}

func (s *Store) onRecvPull(ev *recvPullEvt) error {
	if ev.msg.Origin == s.self {
		return nil
	}
	ps, ok := s.persists[ev.msg.Chunk]
	if !ok || ps.status != StatusAvailable {
		return nil
	}
	return s.fs.Load(ev.msg.Chunk, ps.index, false, ev.from)
}

func (s *Store) onRecvFragment(ev *recvFragmentEvt) error {
	chunk, index, fragment := ev.tag.Chunk, ev.tag.Index, ev.payload

	if ds, exists := s.downloads[chunk]; exists {
		return s.feedDecoder(ds, chunk, index, fragment)
	}
	if ps, exists := s.persists[chunk]; exists && ps.status == StatusRecovering && ps.index == index {
		ps.status = StatusStoring
		return s.fs.Store(chunk, index, fragment)
	}
	s.log.Warnf("entropy: unmatched fragment for chunk %x index %d, dropping", chunk, index)
	return nil
}

func (s *Store) feedDecoder(ds *downloadState, chunk ChunkId, index FragmentIndex, fragment []byte) error {
	if _, already := ds.decoded[index]; already {
		return nil
	}
	ds.decoded[index] = struct{}{}
	if ds.decoder == nil {
		ds.pending[index] = fragment
		return nil
	}
	dec := ds.decoder
	ds.decoder = nil
	sink := s.CodecSinkFor()
	return s.codecPool.Submit(func(_ CodecFactory, _ codecSink) error {
		needMore, err := dec.Decode(index, fragment)
		sink.decoded(chunk, dec, needMore, err)
		return nil
	})
}

func (s *Store) onDecoded(ev *decodedEvt) error {
	ds, ok := s.downloads[ev.chunk]
	if !ok {
		return nil
	}
	if ev.err != nil {
		s.log.Warnf("entropy: decode for chunk %x failed: %v", ev.chunk, ev.err)
		return nil
	}
	if !ev.needMore {
		dec := ev.decoder
		sink := s.CodecSinkFor()
		return s.codecPool.Submit(func(_ CodecFactory, _ codecSink) error {
			buf, err := dec.Recover()
			sink.recovered(ev.chunk, buf, err)
			return nil
		})
	}
	ds.decoder = ev.decoder
	if len(ds.pending) == 0 {
		return nil
	}
	var nextIndex FragmentIndex
	for idx := range ds.pending {
		nextIndex = idx
		break
	}
	nextFragment := ds.pending[nextIndex]
	delete(ds.pending, nextIndex)
	// nextIndex was already recorded in ds.decoded when it was buffered, so
	// it is submitted directly rather than through feedDecoder.
	dec := ds.decoder
	ds.decoder = nil
	chunk := ev.chunk
	sink := s.CodecSinkFor()
	return s.codecPool.Submit(func(_ CodecFactory, _ codecSink) error {
		needMore, err := dec.Decode(nextIndex, nextFragment)
		sink.decoded(chunk, dec, needMore, err)
		return nil
	})
}

func (s *Store) onRecovered(ev *recoveredEvt) error {
	ds, ok := s.downloads[ev.chunk]
	if !ok {
		s.log.Warnf("entropy: recover completion for unknown download %x, dropping", ev.chunk)
		return nil
	}
	delete(s.downloads, ev.chunk)
	if s.metrics != nil {
		s.metrics.DownloadsInFlight.Dec()
	}
	for _, reply := range ds.replies {
		reply <- GetResult{Chunk: ev.chunk, Buf: ev.buf, Err: ev.err}
	}
	return nil
}

func (s *Store) onStoreOk(ev *storeOkEvt) error {
	ps, ok := s.persists[ev.chunk]
	if !ok || ps.index != ev.index {
		return nil
	}
	ps.status = StatusAvailable
	if s.metrics != nil {
		s.metrics.FragmentsPersisted.Inc()
	}
	return nil
}

func (s *Store) onStoreFailed(ev *storeFailedEvt) error {
	ps, ok := s.persists[ev.chunk]
	if !ok || ps.index != ev.index {
		return nil
	}
	delete(s.persists, ev.chunk)
	s.log.Warnf("entropy: persisting chunk %x index %d failed, dropping slot: %v", ev.chunk, ev.index, ev.err)
	return nil
}

func (s *Store) onLoadOk(ev *loadOkEvt) error {
	return s.blob.Transfer(ev.requester, Tag{Chunk: ev.chunk, Index: ev.index}, ev.fragment)
}

func (s *Store) onLoadFailed(ev *loadFailedEvt) error {
	s.log.Warnf("entropy: load chunk %x index %d failed: %v", ev.chunk, ev.index, ev.err)
	return nil
}

func (s *Store) onSweep(timer event.Timer[Event]) error {
	now := time.Now()
	for chunk, up := range s.uploads {
		if now.Sub(up.createdAt) > s.uploadTTL {
			delete(s.uploads, chunk)
			if s.metrics != nil {
				s.metrics.UploadsInFlight.Dec()
			}
			s.log.Warnf("entropy: expiring upload %x after %s with no terminal reply", chunk, s.uploadTTL)
		}
	}
	_, err := timer.Set(s.sweepInterval, Event{Kind: EvtSweep})
	return err
}

func (s *Store) onInspectUploadPending(req *inspectUploadPendingReq) error {
	n := 0
	if up, ok := s.uploads[req.chunk]; ok {
		n = len(up.pending)
	}
	req.reply <- n
	return nil
}

// uploadPendingCount reports the number of fragment indices an in-flight
// upload has assigned, routed through the event loop so callers on other
// goroutines (tests) never read Store state directly. Returns 0 if there is
// no upload tracked for chunk.
func (s *Store) uploadPendingCount(chunk ChunkId) (int, error) {
	reply := make(chan int, 1)
	if err := s.sender.Send(Event{Kind: evtInspectUploadPending, inspect: &inspectUploadPendingReq{chunk: chunk, reply: reply}}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-time.After(2 * time.Second):
		return 0, fmt.Errorf("entropy: timed out inspecting upload %x", chunk)
	}
}
