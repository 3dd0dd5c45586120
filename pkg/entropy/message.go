package entropy

import "github.com/jabolina/go-substrate/pkg/transport"

// PeerId is the opaque 32-byte overlay identifier (spec.md §3), the same
// type transport.Destination's ToClosest resolves against.
type PeerId = transport.PeerId

// Message is the entropy protocol's wire sum type, multiplexed on its own
// port the same way the mutex protocol's Message is (spec.md §6).
type Message struct {
	Kind MessageKind

	Invite       *Invite
	InviteOk     *InviteOk
	Pull         *Pull
	SendFragment *SendFragment
}

// MessageKind distinguishes the wire variants above.
type MessageKind int

const (
	KindInvite MessageKind = iota
	KindInviteOk
	KindPull
	KindSendFragment
)

// Invite is multicast by an upload's origin to the peers closest to the
// chunk id, asking them to take a fragment slot.
type Invite struct {
	Chunk  ChunkId
	Origin PeerId
}

// InviteOk is the direct reply to an Invite, proposing the index the
// recipient will fill.
type InviteOk struct {
	Chunk ChunkId
	Index FragmentIndex
	Proof Proof
	Self  PeerId
}

// Pull is multicast by a puller to the peers closest to the chunk id,
// asking for a persisted fragment.
type Pull struct {
	Chunk  ChunkId
	Origin PeerId
}

// SendFragment tags the blob-transfer payload that follows: either a
// freshly encoded fragment pushed to an invitee, or a persisted fragment
// answering a Pull.
type SendFragment struct {
	Chunk ChunkId
	Index FragmentIndex
}
