package yproto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var nullState = []byte("null")

// AwarenessChange lists the client-ids affected by an applied update, split
// the way the protocol reports them to observers.
type AwarenessChange struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Any reports whether the change touched at least one client.
func (c AwarenessChange) Any() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) > 0
}

// All returns the union of added, updated, and removed ids, the id set an
// outbound awareness frame must encode.
func (c AwarenessChange) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Removed...)
	return out
}

// Awareness tracks ephemeral per-client presence state keyed by the 32-bit
// awareness client-id each editor instance picks for itself. Entries carry a
// logical clock so stale updates from slow paths are rejected, and removal
// bumps the clock so a removed id cannot be resurrected by a late rebroadcast.
//
// Not safe for concurrent use; serialized by the owning document's lock.
type Awareness struct {
	states map[uint64]json.RawMessage
	clocks map[uint64]uint64
}

func NewAwareness() *Awareness {
	return &Awareness{
		states: make(map[uint64]json.RawMessage),
		clocks: make(map[uint64]uint64),
	}
}

// Clients returns the ids that currently have live state.
func (a *Awareness) Clients() []uint64 {
	out := make([]uint64, 0, len(a.states))
	for id := range a.states {
		out = append(out, id)
	}
	return out
}

// Apply decodes an awareness update blob and merges each entry under the
// protocol's clock rules: an entry wins if its clock is newer, or if it is a
// removal at the same clock as the live entry.
func (a *Awareness) Apply(update []byte) (AwarenessChange, error) {
	dec := NewDecoder(update)
	n, err := dec.ReadVarUint()
	if err != nil {
		return AwarenessChange{}, fmt.Errorf("decode awareness header: %w", err)
	}
	var change AwarenessChange
	for i := uint64(0); i < n; i++ {
		id, err := dec.ReadVarUint()
		if err != nil {
			return change, fmt.Errorf("decode awareness client id: %w", err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return change, fmt.Errorf("decode awareness clock: %w", err)
		}
		raw, err := dec.ReadVarBytes()
		if err != nil {
			return change, fmt.Errorf("decode awareness state: %w", err)
		}
		isNull := bytes.Equal(raw, nullState)

		prevClock := a.clocks[id]
		_, live := a.states[id]
		if !(clock > prevClock || (clock == prevClock && isNull && live)) {
			continue // stale
		}

		a.clocks[id] = clock
		switch {
		case isNull && live:
			delete(a.states, id)
			change.Removed = append(change.Removed, id)
		case isNull:
			// Removal for an id we never saw live; remember the clock only.
		case !live:
			a.states[id] = append(json.RawMessage(nil), raw...)
			change.Added = append(change.Added, id)
		default:
			a.states[id] = append(json.RawMessage(nil), raw...)
			change.Updated = append(change.Updated, id)
		}
	}
	return change, nil
}

// Encode serializes the current state of the given ids as an awareness
// update blob. Ids without live state encode as null at their last clock.
func (a *Awareness) Encode(ids []uint64) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(uint64(len(ids)))
	for _, id := range ids {
		enc.WriteVarUint(id)
		enc.WriteVarUint(a.clocks[id])
		if state, ok := a.states[id]; ok {
			enc.WriteVarBytes(state)
		} else {
			enc.WriteVarBytes(nullState)
		}
	}
	return enc.Bytes()
}

// Remove withdraws the given ids, bumping each clock so the removal
// supersedes the last live state. It returns the removal encoded as an
// update blob for broadcast, or nil when no id had live state.
func (a *Awareness) Remove(ids []uint64) []byte {
	removed := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, live := a.states[id]; !live {
			continue
		}
		delete(a.states, id)
		a.clocks[id]++
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return nil
	}
	return a.Encode(removed)
}

// Destroy drops all state.
func (a *Awareness) Destroy() {
	a.states = nil
	a.clocks = nil
}
