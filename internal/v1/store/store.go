// Package store provides the embedded persistence layer: CRDT document
// snapshots and room metadata in a single bbolt file, with an in-memory
// implementation of the same contract for tests.
//
// Two buckets: "docs" maps composite document names to raw snapshot bytes,
// "rooms" maps room ids to JSON-encoded metadata. A missing key is a normal
// condition, not an error.
package store

import (
	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

// Store is the persistence contract shared by the document engine and the
// room registry. Implementations must tolerate concurrent callers.
type Store interface {
	// LoadDoc returns the persisted snapshot for a document, with ok=false
	// when none exists.
	LoadDoc(name string) (data []byte, ok bool, err error)

	// PersistDoc overwrites the snapshot for a document.
	PersistDoc(name string, data []byte) error

	// LoadAllRooms returns every persisted room, used to warm the registry
	// at startup.
	LoadAllRooms() ([]types.Room, error)

	// SaveRoom upserts a room's metadata.
	SaveRoom(room types.Room) error

	// DeleteRoom removes a room's metadata. Deleting an absent room is not
	// an error.
	DeleteRoom(id types.RoomIdType) error

	// Close releases the underlying database. Idempotent.
	Close() error
}
