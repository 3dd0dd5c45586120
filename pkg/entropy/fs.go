package entropy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jabolina/go-substrate/internal/logging"
	"github.com/jabolina/go-substrate/pkg/workerpool"
)

// FsSink receives the completions of the persistence service's store and
// load task pools (spec.md §4.7 "Persistence service"). requester carries
// whatever correlation data the submitter captured at Load time (who
// asked for the fragment); it is opaque to Fs itself.
type FsSink interface {
	StoreOk(chunk ChunkId, index FragmentIndex)
	StoreFailed(chunk ChunkId, index FragmentIndex, err error)
	LoadOk(chunk ChunkId, index FragmentIndex, fragment []byte, requester PeerId)
	LoadFailed(chunk ChunkId, index FragmentIndex, err error)
}

type fsState struct {
	root string
}

// Fs is the single-writer persistence session: two independent unbounded
// task pools, one for stores and one for loads, so a slow load never
// blocks a store and vice versa.
type Fs struct {
	storeSpawn workerpool.Spawn[fsState, FsSink]
	store      *workerpool.Executor[fsState, FsSink]

	loadSpawn workerpool.Spawn[fsState, FsSink]
	load      *workerpool.Executor[fsState, FsSink]

	log logging.Logger
}

// NewFs constructs the persistence session rooted at dir. RunStores and
// RunLoads must each be called, each in its own goroutine, to start
// draining submissions.
func NewFs(dir string, log logging.Logger) *Fs {
	state := fsState{root: dir}
	storeSpawn, storeExec := workerpool.NewPool[fsState, FsSink](state, nil)
	loadSpawn, loadExec := workerpool.NewPool[fsState, FsSink](state, nil)
	return &Fs{
		storeSpawn: storeSpawn,
		store:      storeExec,
		loadSpawn:  loadSpawn,
		load:       loadExec,
		log:        log,
	}
}

// RunStores drains the store pool until ctx is done, reporting
// completions to sinkFor's sink.
func (f *Fs) RunStores(ctx context.Context, sinkFor func() FsSink) error {
	return f.store.Run(ctx, sinkFor)
}

// RunLoads drains the load pool until ctx is done.
func (f *Fs) RunLoads(ctx context.Context, sinkFor func() FsSink) error {
	return f.load.Run(ctx, sinkFor)
}

func chunkDir(root string, chunk ChunkId) string {
	return filepath.Join(root, chunk.Hex())
}

func fragmentPath(root string, chunk ChunkId, index FragmentIndex) string {
	return filepath.Join(chunkDir(root, chunk), strconv.FormatUint(uint64(index), 10))
}

// Store persists fragment under <chunkhex>/<index>, atomically: written to
// a temp file in the chunk directory, then renamed into place. Failures are
// I/O-layer, not protocol-invariant violations (spec.md §7): they are
// reported to the sink and the closure always returns nil, so one peer's
// disk error never trips the pool's join-and-terminate semantics and stalls
// every later Store/Load for that peer.
func (f *Fs) Store(chunk ChunkId, index FragmentIndex, fragment []byte) error {
	return f.storeSpawn.Submit(func(state fsState, sink FsSink) error {
		dir := chunkDir(state.root, chunk)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			sink.StoreFailed(chunk, index, fmt.Errorf("entropy: create chunk directory: %w", err))
			return nil
		}
		dest := fragmentPath(state.root, chunk, index)
		tmp := dest + ".tmp"
		if err := os.WriteFile(tmp, fragment, 0o644); err != nil {
			sink.StoreFailed(chunk, index, fmt.Errorf("entropy: write fragment: %w", err))
			return nil
		}
		if err := os.Rename(tmp, dest); err != nil {
			sink.StoreFailed(chunk, index, fmt.Errorf("entropy: rename fragment into place: %w", err))
			return nil
		}
		sink.StoreOk(chunk, index)
		return nil
	})
}

// Load reads a persisted fragment. If take is set, the whole chunk
// directory is removed after a successful read, reclaiming the slot.
// requester is opaque correlation data returned unchanged on LoadOk, used
// by callers that need to route the result back to whoever asked. As with
// Store, every error path reports through the sink and returns nil.
func (f *Fs) Load(chunk ChunkId, index FragmentIndex, take bool, requester PeerId) error {
	return f.loadSpawn.Submit(func(state fsState, sink FsSink) error {
		path := fragmentPath(state.root, chunk, index)
		fragment, err := os.ReadFile(path)
		if err != nil {
			sink.LoadFailed(chunk, index, fmt.Errorf("entropy: read fragment: %w", err))
			return nil
		}
		if take {
			if err := os.RemoveAll(chunkDir(state.root, chunk)); err != nil {
				f.log.Warnf("entropy: remove chunk directory for %x after take-load: %v", chunk, err)
			}
		}
		sink.LoadOk(chunk, index, fragment, requester)
		return nil
	})
}

// Close stops accepting new submissions on both pools.
func (f *Fs) Close() {
	f.store.Close()
	f.load.Close()
}
