package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

var (
	bucketDocs  = []byte("docs")
	bucketRooms = []byte("rooms")
)

// BoltStore persists documents and rooms in one bbolt file. Writes are
// serialized by bbolt's single-writer transaction model; reads run
// concurrently against a consistent snapshot.
type BoltStore struct {
	db        *bolt.DB
	closeOnce sync.Once
}

// OpenBolt opens (creating if necessary) the database file under dataDir.
func OpenBolt(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "relay.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDocs, bucketRooms} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) LoadDoc(name string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocs).Get([]byte(name))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load doc %q: %w", name, err)
	}
	return data, data != nil, nil
}

func (s *BoltStore) PersistDoc(name string, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocs).Put([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("persist doc %q: %w", name, err)
	}
	return nil
}

func (s *BoltStore) LoadAllRooms() ([]types.Room, error) {
	var rooms []types.Room
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var room types.Room
			if err := json.Unmarshal(v, &room); err != nil {
				return fmt.Errorf("decode room %q: %w", k, err)
			}
			rooms = append(rooms, room)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *BoltStore) SaveRoom(room types.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room %q: %w", room.ID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).Put([]byte(room.ID), data)
	})
	if err != nil {
		return fmt.Errorf("save room %q: %w", room.ID, err)
	}
	return nil
}

func (s *BoltStore) DeleteRoom(id types.RoomIdType) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete room %q: %w", id, err)
	}
	return nil
}

// Close shuts the database down exactly once; later calls are no-ops.
func (s *BoltStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}
