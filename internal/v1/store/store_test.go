package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

// openStores returns both implementations so the contract tests cover each.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	boltStore, err := OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = boltStore.Close() })

	return map[string]Store{
		"bolt":   boltStore,
		"memory": NewMemStore(),
	}
}

func TestDocRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PersistDoc("room1:notes.md", []byte("snapshot")))

			data, ok, err := s.LoadDoc("room1:notes.md")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("snapshot"), data)
		})
	}
}

func TestLoadDocMissingIsNotAnError(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			data, ok, err := s.LoadDoc("never-written")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, data)
		})
	}
}

func TestPersistDocOverwrites(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PersistDoc("doc", []byte("v1")))
			require.NoError(t, s.PersistDoc("doc", []byte("v2")))

			data, ok, err := s.LoadDoc("doc")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("v2"), data)
		})
	}
}

func TestRoomCRUD(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			room := types.Room{
				ID:                "room-abc-123",
				Token:             "secret-token-value-long-enough",
				Name:              "demo",
				CreatedAt:         time.Now().UTC().Truncate(time.Second),
				RequireApproval:   true,
				DefaultPermission: types.PermissionReadOnly,
			}
			require.NoError(t, s.SaveRoom(room))

			rooms, err := s.LoadAllRooms()
			require.NoError(t, err)
			require.Len(t, rooms, 1)
			assert.Equal(t, room.ID, rooms[0].ID)
			assert.Equal(t, room.Token, rooms[0].Token)
			assert.True(t, rooms[0].RequireApproval)
			assert.Equal(t, types.PermissionReadOnly, rooms[0].DefaultPermission)

			require.NoError(t, s.DeleteRoom(room.ID))
			rooms, err = s.LoadAllRooms()
			require.NoError(t, err)
			assert.Empty(t, rooms)
		})
	}
}

func TestDeleteRoomAbsentIsIdempotent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, s.DeleteRoom("no-such-room"))
		})
	}
}

func TestBoltCloseIsIdempotent(t *testing.T) {
	s, err := OpenBolt(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestBoltSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenBolt(dir)
	require.NoError(t, err)
	require.NoError(t, s.PersistDoc("room1:x", []byte("persisted")))
	require.NoError(t, s.SaveRoom(types.Room{ID: "r1", Token: "t", Name: "n", CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s2, err := OpenBolt(dir)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	data, ok, err := s2.LoadDoc("room1:x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("persisted"), data)

	rooms, err := s2.LoadAllRooms()
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}
