package entropy

import "github.com/jabolina/go-substrate/pkg/transport"

// Net is the collaborator the store dispatches its wire messages
// through. addrOf resolves a PeerId into the concrete transport address a
// point-to-point reply (InviteOk) is sent to; multicasts to the N peers
// closest to a chunk id go through transport.ToClosest directly.
type Net interface {
	Send(dest transport.Destination, msg Message) error
}

// Tag identifies one blob-transfer stream, scoped to a (sender, receiver)
// pair the same way spec.md §6 describes.
type Tag struct {
	Chunk ChunkId
	Index FragmentIndex
}

// BlobTransfer is the external collaborator for large fragment payloads,
// distinct from the message-level control channel (spec.md §6 "Blob
// transfer sub-protocol"). Delivery is reliable and in order per
// (sender, receiver, tag) stream.
type BlobTransfer interface {
	// Transfer pushes bytes to peer, tagged, eventually surfacing as a
	// RecvBlob event at the recipient.
	Transfer(peer PeerId, tag Tag, bytes []byte) error
}
