package store

import (
	"sync"

	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

// MemStore implements Store in memory. Tests use it to run engines and the
// registry without touching disk; it honors the same contract, including
// idempotent Close.
type MemStore struct {
	mu    sync.RWMutex
	docs  map[string][]byte
	rooms map[types.RoomIdType]types.Room
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs:  make(map[string][]byte),
		rooms: make(map[types.RoomIdType]types.Room),
	}
}

func (s *MemStore) LoadDoc(name string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (s *MemStore) PersistDoc(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) LoadAllRooms() ([]types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]types.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (s *MemStore) SaveRoom(room types.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	return nil
}

func (s *MemStore) DeleteRoom(id types.RoomIdType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, id)
	return nil
}

func (s *MemStore) Close() error {
	return nil
}

// DocCount reports the number of persisted documents, for test assertions.
func (s *MemStore) DocCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
