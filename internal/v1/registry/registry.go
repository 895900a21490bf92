// Package registry owns the authoritative map of rooms: creation, lookup,
// deletion, and token authentication. It is populated from the persistence
// store at startup and exposes the REST surface for room lifecycle.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mewski/obsidian-live-share/internal/v1/logging"
	"github.com/Mewski/obsidian-live-share/internal/v1/metrics"
	"github.com/Mewski/obsidian-live-share/internal/v1/store"
	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

const (
	maxNameLength       = 100
	maxHostUserIDLength = 128
	tokenBytes          = 32 // base64url-encodes to 43 chars, above the 24 minimum
)

var (
	// ErrNotFound is returned when a room id is unknown.
	ErrNotFound = errors.New("room not found")
	// ErrTokenMismatch is returned when a presented token fails the
	// constant-time comparison against the room's token.
	ErrTokenMismatch = errors.New("room token mismatch")
)

// validationError marks input problems so the REST layer can map them to 400.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

// IsValidationError reports whether err came from input validation.
func IsValidationError(err error) bool {
	var ve *validationError
	return errors.As(err, &ve)
}

// Registry is the in-memory room map backed by the persistence store.
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rooms map[types.RoomIdType]types.Room
	store store.Store
}

// New loads every persisted room into a fresh registry.
func New(s store.Store) (*Registry, error) {
	rooms, err := s.LoadAllRooms()
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}

	r := &Registry{
		rooms: make(map[types.RoomIdType]types.Room, len(rooms)),
		store: s,
	}
	for _, room := range rooms {
		r.rooms[room.ID] = room
	}
	metrics.RegisteredRooms.Set(float64(len(r.rooms)))

	logging.Info(context.Background(), "Room registry loaded", zap.Int("rooms", len(rooms)))
	return r, nil
}

// CreateParams is the validated input for room creation.
type CreateParams struct {
	Name              string
	HostUserID        types.UserIdType
	RequireApproval   bool
	DefaultPermission types.Permission
	Participants      []types.UserIdType
}

// Create mints a room with a fresh id and token, persists it, and registers
// it. Validation failures satisfy IsValidationError.
func (r *Registry) Create(params CreateParams) (types.Room, error) {
	if err := validateName(params.Name); err != nil {
		return types.Room{}, err
	}
	if err := validateHostUserID(string(params.HostUserID)); err != nil {
		return types.Room{}, err
	}
	if params.DefaultPermission != "" && !params.DefaultPermission.Valid() {
		return types.Room{}, &validationError{msg: "defaultPermission must be read-write or read-only"}
	}

	token, err := generateToken()
	if err != nil {
		return types.Room{}, fmt.Errorf("generate room token: %w", err)
	}

	room := types.Room{
		ID:                types.RoomIdType(uuid.NewString()),
		Token:             token,
		Name:              params.Name,
		CreatedAt:         time.Now().UTC(),
		HostUserID:        params.HostUserID,
		RequireApproval:   params.RequireApproval,
		DefaultPermission: params.DefaultPermission,
		Participants:      params.Participants,
	}

	if err := r.store.SaveRoom(room); err != nil {
		return types.Room{}, fmt.Errorf("persist room: %w", err)
	}

	r.mu.Lock()
	r.rooms[room.ID] = room
	metrics.RegisteredRooms.Set(float64(len(r.rooms)))
	r.mu.Unlock()

	logging.Info(context.Background(), "Room created",
		zap.String("roomId", string(room.ID)),
		zap.String("name", room.Name))
	return room, nil
}

// Lookup returns the room with the given id.
func (r *Registry) Lookup(id types.RoomIdType) (types.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return room, ok
}

// CheckToken compares the presented token against the room's token in
// constant time. Unknown rooms fail the check.
func (r *Registry) CheckToken(id types.RoomIdType, token string) bool {
	room, ok := r.Lookup(id)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(room.Token), []byte(token)) == 1
}

// Delete removes a room after authenticating the caller's token.
func (r *Registry) Delete(id types.RoomIdType, token string) error {
	if _, ok := r.Lookup(id); !ok {
		return ErrNotFound
	}
	if !r.CheckToken(id, token) {
		return ErrTokenMismatch
	}

	if err := r.store.DeleteRoom(id); err != nil {
		return fmt.Errorf("delete room from store: %w", err)
	}

	r.mu.Lock()
	delete(r.rooms, id)
	metrics.RegisteredRooms.Set(float64(len(r.rooms)))
	r.mu.Unlock()

	logging.Info(context.Background(), "Room deleted", zap.String("roomId", string(id)))
	return nil
}

// Count reports the number of registered rooms, used by the health probe.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// generateToken returns a fresh room token from a cryptographically strong
// random source.
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// validateName rejects empty, over-length, and control-character names.
func validateName(name string) error {
	if name == "" {
		return &validationError{msg: "name is required"}
	}
	if len(name) > maxNameLength {
		return &validationError{msg: fmt.Sprintf("name must be at most %d bytes", maxNameLength)}
	}
	if containsControlBytes(name) {
		return &validationError{msg: "name must not contain control characters"}
	}
	return nil
}

// validateHostUserID rejects over-length and control-character identities.
// Empty is allowed; rooms created without auth have no pinned host.
func validateHostUserID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > maxHostUserIDLength {
		return &validationError{msg: fmt.Sprintf("hostUserId must be at most %d bytes", maxHostUserIDLength)}
	}
	if containsControlBytes(id) {
		return &validationError{msg: "hostUserId must not contain control characters"}
	}
	return nil
}

func containsControlBytes(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}
