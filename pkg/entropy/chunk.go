// Package entropy implements the erasure-coded peer-to-peer chunk store:
// dispersal of a chunk as coded fragments across the peers closest to its
// id, and reconstruction on retrieval. Grounded on spec.md §4.7 and the
// teacher's storage/state-machine split in pkg/mcast/types.
package entropy

import "encoding/hex"

// ChunkId is the 32-byte content identifier a chunk is addressed by, also
// used as the routing key for the closest-peers overlay.
type ChunkId [32]byte

// Hex renders the chunk id the way the persistence layer names its
// on-disk directories.
func (c ChunkId) Hex() string {
	return hex.EncodeToString(c[:])
}

// FragmentIndex identifies one of a chunk's dispersed coded fragments.
type FragmentIndex uint32

// Proof is a placeholder for a future attestation that a peer holds the
// slot it claims; the design leaves its contents unspecified (spec.md §1
// Non-goals: "cryptographic integrity of fragments").
type Proof []byte
