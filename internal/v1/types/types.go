package types

import "time"

// --- Core Domain Types ---

// RoomIdType represents a unique identifier for a shared-editing room.
type RoomIdType string

// UserIdType represents a unique identifier for a participant.
type UserIdType string

// DisplayNameType represents the human-readable name for a participant.
type DisplayNameType string

// Permission defines what a participant may do on the control channel.
type Permission string

const (
	PermissionReadWrite Permission = "read-write"
	PermissionReadOnly  Permission = "read-only"
)

// Valid reports whether p is one of the defined permission levels.
func (p Permission) Valid() bool {
	return p == PermissionReadWrite || p == PermissionReadOnly
}

// Room is the authoritative metadata for a shared-editing room. It is
// created over REST, persisted on creation, and reloaded on startup. The
// token authorizes both the room's documents and its control channel; it is
// compared in constant time and never logged.
type Room struct {
	ID                RoomIdType   `json:"id"`
	Token             string       `json:"token"`
	Name              string       `json:"name"`
	CreatedAt         time.Time    `json:"createdAt"`
	HostUserID        UserIdType   `json:"hostUserId,omitempty"`
	RequireApproval   bool         `json:"requireApproval,omitempty"`
	DefaultPermission Permission   `json:"defaultPermission,omitempty"`
	Participants      []UserIdType `json:"participants,omitempty"`
}

// EffectiveDefaultPermission resolves the room's default for participants
// that have not been granted anything explicitly.
func (r Room) EffectiveDefaultPermission() Permission {
	if r.DefaultPermission.Valid() {
		return r.DefaultPermission
	}
	return PermissionReadWrite
}

// --- Shared Interfaces ---

// RoomLookup is the view of the registry the connection gateway needs:
// resolve a room id and check its token without reaching into the map.
type RoomLookup interface {
	Lookup(id RoomIdType) (Room, bool)
	CheckToken(id RoomIdType, token string) bool
}
