package yproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicaApplyUpdate(t *testing.T) {
	r := NewReplica()

	assert.True(t, r.ApplyUpdate([]byte("update-1")))
	assert.True(t, r.ApplyUpdate([]byte("update-2")))
	assert.Equal(t, 2, r.Len())
}

func TestReplicaDeduplicatesIdenticalUpdates(t *testing.T) {
	r := NewReplica()

	assert.True(t, r.ApplyUpdate([]byte("same")))
	assert.False(t, r.ApplyUpdate([]byte("same")))
	assert.Equal(t, 1, r.Len())
}

func TestReplicaIgnoresEmptyUpdate(t *testing.T) {
	r := NewReplica()
	assert.False(t, r.ApplyUpdate(nil))
	assert.Equal(t, 0, r.Len())
}

func TestReplicaSnapshotRoundTrip(t *testing.T) {
	r := NewReplica()
	r.ApplyUpdate([]byte("alpha"))
	r.ApplyUpdate([]byte("beta"))
	snapshot := r.EncodeSnapshot()

	fresh := NewReplica()
	require.NoError(t, fresh.LoadSnapshot(snapshot))

	// A freshly loaded replica reaches byte-equal state.
	assert.Equal(t, snapshot, fresh.EncodeSnapshot())
	assert.Equal(t, r.Updates(), fresh.Updates())
}

func TestReplicaSnapshotRejectsTruncated(t *testing.T) {
	r := NewReplica()
	r.ApplyUpdate([]byte("alpha"))
	snapshot := r.EncodeSnapshot()

	fresh := NewReplica()
	err := fresh.LoadSnapshot(snapshot[:len(snapshot)-2])
	assert.Error(t, err)
}

func TestAnswerStep1EmptyLog(t *testing.T) {
	r := NewReplica()
	frames := r.AnswerStep1(EmptyStateVector)

	require.Len(t, frames, 1)
	typ, body, err := DecodeMessageType(frames[0])
	require.NoError(t, err)
	assert.Equal(t, MessageSync, typ)

	msg, err := DecodeSyncMessage(body)
	require.NoError(t, err)
	assert.Equal(t, SyncStep2, msg.Type)
	assert.Equal(t, EmptyUpdate, msg.Body)
}

func TestAnswerStep1ReplaysLog(t *testing.T) {
	r := NewReplica()
	r.ApplyUpdate([]byte("first"))
	r.ApplyUpdate([]byte("second"))

	frames := r.AnswerStep1(EmptyStateVector)
	require.Len(t, frames, 2)

	// First frame is a step-2 (completes the handshake), rest are updates.
	_, body, err := DecodeMessageType(frames[0])
	require.NoError(t, err)
	msg, err := DecodeSyncMessage(body)
	require.NoError(t, err)
	assert.Equal(t, SyncStep2, msg.Type)
	assert.Equal(t, []byte("first"), msg.Body)

	_, body, err = DecodeMessageType(frames[1])
	require.NoError(t, err)
	msg, err = DecodeSyncMessage(body)
	require.NoError(t, err)
	assert.Equal(t, SyncUpdate, msg.Type)
	assert.Equal(t, []byte("second"), msg.Body)
}

func TestReplicaConvergence(t *testing.T) {
	// Two replicas fed the same updates in the same order hold equal state.
	a, b := NewReplica(), NewReplica()
	for _, u := range [][]byte{[]byte("u1"), []byte("u2"), []byte("u3")} {
		a.ApplyUpdate(u)
		b.ApplyUpdate(u)
	}
	assert.Equal(t, a.EncodeSnapshot(), b.EncodeSnapshot())
}
