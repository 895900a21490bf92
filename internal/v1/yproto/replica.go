package yproto

import (
	"crypto/sha256"
	"fmt"
)

// EmptyStateVector is the lib0 encoding of a state vector with zero clients.
// Sent in the server's step-1 on connect; the client answers with its full
// document state, which the relay can apply without interpreting it.
var EmptyStateVector = []byte{0x00}

// EmptyUpdate is the canonical Yjs encoding of an update carrying zero
// structs and an empty delete set. Sent as a step-2 answer when the relay
// holds no state yet, so clients can complete their sync barrier.
var EmptyUpdate = []byte{0x00, 0x00}

// Replica holds the relay's view of a document: an ordered log of opaque
// update blobs. Because updates commute on CRDT clients, replaying the whole
// log answers any state-vector query correctly, just not minimally.
//
// Byte-identical updates are applied once. Clients re-send their full state
// on every reconnect, and without deduplication the log would grow by one
// full-document update per reconnect.
//
// Replica is not safe for concurrent use; the owning document serializes
// access under its own lock.
type Replica struct {
	updates [][]byte
	seen    map[[sha256.Size]byte]struct{}
}

func NewReplica() *Replica {
	return &Replica{seen: make(map[[sha256.Size]byte]struct{})}
}

// ApplyUpdate appends an update to the log. It reports whether the update
// was new; duplicates are ignored and must not be re-broadcast.
func (r *Replica) ApplyUpdate(update []byte) bool {
	if len(update) == 0 {
		return false
	}
	sum := sha256.Sum256(update)
	if _, dup := r.seen[sum]; dup {
		return false
	}
	r.seen[sum] = struct{}{}
	cp := make([]byte, len(update))
	copy(cp, update)
	r.updates = append(r.updates, cp)
	return true
}

// Updates returns the update log in application order. The slice is shared;
// callers must not mutate the blobs.
func (r *Replica) Updates() [][]byte {
	out := make([][]byte, len(r.updates))
	copy(out, r.updates)
	return out
}

// Len reports the number of applied updates.
func (r *Replica) Len() int {
	return len(r.updates)
}

// EncodeSnapshot serializes the full replica state for persistence:
// varUint update count followed by each update length-prefixed. Encoding the
// same log always yields the same bytes.
func (r *Replica) EncodeSnapshot() []byte {
	enc := NewEncoder()
	enc.WriteVarUint(uint64(len(r.updates)))
	for _, u := range r.updates {
		enc.WriteVarBytes(u)
	}
	return enc.Bytes()
}

// LoadSnapshot replays a persisted snapshot into the replica. It is called
// on a fresh replica before any client connects.
func (r *Replica) LoadSnapshot(snapshot []byte) error {
	dec := NewDecoder(snapshot)
	n, err := dec.ReadVarUint()
	if err != nil {
		return fmt.Errorf("decode snapshot header: %w", err)
	}
	for i := uint64(0); i < n; i++ {
		u, err := dec.ReadVarBytes()
		if err != nil {
			return fmt.Errorf("decode snapshot update %d: %w", i, err)
		}
		r.ApplyUpdate(u)
	}
	return nil
}

// AnswerStep1 produces the frames answering a client's state-vector query.
// Opaque updates cannot be diffed against the client's vector, so the relay
// replays its whole log; redundant updates are a no-op on CRDT clients. An
// empty log is answered with the empty update so the client still observes a
// completed step-2.
func (r *Replica) AnswerStep1(stateVector []byte) [][]byte {
	_ = stateVector
	if len(r.updates) == 0 {
		return [][]byte{EncodeSyncStep2(EmptyUpdate)}
	}
	frames := make([][]byte, 0, len(r.updates))
	frames = append(frames, EncodeSyncStep2(r.updates[0]))
	for _, u := range r.updates[1:] {
		frames = append(frames, EncodeSyncUpdate(u))
	}
	return frames
}

// Destroy drops the log. The replica must not be used afterwards.
func (r *Replica) Destroy() {
	r.updates = nil
	r.seen = nil
}
