package docsync

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Mewski/obsidian-live-share/internal/v1/store"
	"github.com/Mewski/obsidian-live-share/internal/v1/yproto"
)

// mockConn is an in-memory wsConnection. Frames pushed into inbound come out
// of ReadMessage; binary writes are recorded for assertions.
type mockConn struct {
	inbound chan []byte

	mu     sync.Mutex
	writes [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.inbound:
		return websocket.BinaryMessage, data, nil
	case <-m.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.BinaryMessage {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, append([]byte(nil), data...))
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }
func (m *mockConn) SetReadLimit(limit int64)           {}

func (m *mockConn) snapshotWrites() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *mockConn) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// countingStore wraps MemStore and counts LoadDoc calls.
type countingStore struct {
	*store.MemStore
	loads atomic.Int64
}

func (s *countingStore) LoadDoc(name string) ([]byte, bool, error) {
	s.loads.Add(1)
	return s.MemStore.LoadDoc(name)
}

func awarenessUpdate(id, clock uint64, state string) []byte {
	enc := yproto.NewEncoder()
	enc.WriteVarUint(1)
	enc.WriteVarUint(id)
	enc.WriteVarUint(clock)
	enc.WriteVarString(state)
	return enc.Bytes()
}

func waitWrites(t *testing.T, conn *mockConn, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return conn.writeCount() >= n },
		time.Second, 5*time.Millisecond, "expected %d writes", n)
	return conn.snapshotWrites()
}

func TestConnectSendsStep1Handshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(store.NewMemStore())
	conn := newMockConn()
	hub.Connect(conn, "vault/notes.md")

	writes := waitWrites(t, conn, 1)
	assert.Equal(t, yproto.EncodeSyncStep1(yproto.EmptyStateVector), writes[0])

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
	hub.Shutdown()
}

func TestUpdateRelaysToPeersButNotSender(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(store.NewMemStore())
	connA := newMockConn()
	connB := newMockConn()
	hub.Connect(connA, "doc")
	hub.Connect(connB, "doc")
	waitWrites(t, connA, 1)
	waitWrites(t, connB, 1)

	update := []byte{0x01, 0x02, 0x03, 0x04}
	connA.inbound <- yproto.EncodeSyncUpdate(update)

	writes := waitWrites(t, connB, 2)
	assert.Equal(t, yproto.EncodeSyncUpdate(update), writes[1])

	// The sender must not see its own update echoed back.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, connA.writeCount())

	hub.Shutdown()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDuplicateUpdateAppliedOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(store.NewMemStore())
	connA := newMockConn()
	connB := newMockConn()
	hub.Connect(connA, "doc")
	hub.Connect(connB, "doc")
	waitWrites(t, connB, 1)

	update := []byte{0xAA, 0xBB}
	connA.inbound <- yproto.EncodeSyncUpdate(update)
	connA.inbound <- yproto.EncodeSyncUpdate(update)

	waitWrites(t, connB, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, connB.writeCount(), "duplicate update must not be re-broadcast")

	hub.Shutdown()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStep1OnEmptyDocumentAnswersEmptyUpdate(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(store.NewMemStore())
	conn := newMockConn()
	hub.Connect(conn, "doc")
	waitWrites(t, conn, 1)

	conn.inbound <- yproto.EncodeSyncStep1(yproto.EmptyStateVector)

	writes := waitWrites(t, conn, 2)
	assert.Equal(t, yproto.EncodeSyncStep2(yproto.EmptyUpdate), writes[1])

	hub.Shutdown()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLateJoinerReceivesFullReplay(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(store.NewMemStore())
	connA := newMockConn()
	hub.Connect(connA, "doc")
	waitWrites(t, connA, 1)

	first := []byte{0x01, 0x01}
	second := []byte{0x02, 0x02}
	connA.inbound <- yproto.EncodeSyncUpdate(first)
	connA.inbound <- yproto.EncodeSyncUpdate(second)

	connB := newMockConn()
	hub.Connect(connB, "doc")
	waitWrites(t, connB, 1)
	connB.inbound <- yproto.EncodeSyncStep1(yproto.EmptyStateVector)

	writes := waitWrites(t, connB, 3)
	assert.Equal(t, yproto.EncodeSyncStep2(first), writes[1])
	assert.Equal(t, yproto.EncodeSyncUpdate(second), writes[2])

	hub.Shutdown()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentConnectsLoadSnapshotOnce(t *testing.T) {
	st := &countingStore{MemStore: store.NewMemStore()}
	hub := NewHub(st)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.getOrCreate("doc")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), st.loads.Load())
	assert.Equal(t, 1, hub.DocCount())
	hub.Shutdown()
}

func TestAwarenessRelayAndSnapshotOnConnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(store.NewMemStore())
	connA := newMockConn()
	connB := newMockConn()
	hub.Connect(connA, "doc")
	hub.Connect(connB, "doc")
	waitWrites(t, connB, 1)

	stateFrame := yproto.EncodeAwareness(awarenessUpdate(7, 1, `{"cursor":{"line":3}}`))
	connA.inbound <- stateFrame

	writes := waitWrites(t, connB, 2)
	assert.Equal(t, stateFrame, writes[1])

	// Awareness fans out to every socket, so the origin hears its own
	// state back and can confirm the relay saw it.
	writes = waitWrites(t, connA, 2)
	assert.Equal(t, stateFrame, writes[1])

	// A later connect receives the live awareness table after step-1.
	connC := newMockConn()
	hub.Connect(connC, "doc")
	writes = waitWrites(t, connC, 2)
	assert.Equal(t, yproto.EncodeSyncStep1(yproto.EmptyStateVector), writes[0])

	typ, body, err := yproto.DecodeMessageType(writes[1])
	require.NoError(t, err)
	assert.Equal(t, uint64(yproto.MessageAwareness), typ)
	update, err := yproto.NewDecoder(body).ReadVarBytes()
	require.NoError(t, err)

	aw := yproto.NewAwareness()
	change, err := aw.Apply(update)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, change.Added)

	hub.Shutdown()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectWithdrawsAwarenessState(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(store.NewMemStore())
	connA := newMockConn()
	connB := newMockConn()
	hub.Connect(connA, "doc")
	hub.Connect(connB, "doc")
	waitWrites(t, connB, 1)

	connA.inbound <- yproto.EncodeAwareness(awarenessUpdate(7, 1, `{"user":"ada"}`))
	waitWrites(t, connB, 2)

	_ = connA.Close()

	writes := waitWrites(t, connB, 3)
	typ, body, err := yproto.DecodeMessageType(writes[2])
	require.NoError(t, err)
	assert.Equal(t, uint64(yproto.MessageAwareness), typ)
	update, err := yproto.NewDecoder(body).ReadVarBytes()
	require.NoError(t, err)

	dec := yproto.NewDecoder(update)
	count, err := dec.ReadVarUint()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
	id, err := dec.ReadVarUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	clock, err := dec.ReadVarUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), clock, "removal must supersede the live clock")
	state, err := dec.ReadVarString()
	require.NoError(t, err)
	assert.Equal(t, "null", state)

	hub.Shutdown()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPersistDebounceWritesSnapshot(t *testing.T) {
	st := store.NewMemStore()
	hub := NewHub(st)
	hub.persistDebounce = 20 * time.Millisecond

	doc := hub.getOrCreate("doc")
	doc.handleSync(nil, yproto.EncodeSyncUpdate([]byte{0x05, 0x06})[1:])

	require.Eventually(t, func() bool { return st.DocCount() == 1 }, time.Second, 5*time.Millisecond)

	snapshot, found, err := st.LoadDoc("doc")
	require.NoError(t, err)
	require.True(t, found)

	restored := yproto.NewReplica()
	require.NoError(t, restored.LoadSnapshot(snapshot))
	assert.Equal(t, [][]byte{{0x05, 0x06}}, restored.Updates())
	hub.Shutdown()
}

func TestIdleGraceDestroysDocument(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := store.NewMemStore()
	hub := NewHub(st)
	hub.idleGrace = 20 * time.Millisecond

	conn := newMockConn()
	hub.Connect(conn, "doc")
	waitWrites(t, conn, 1)
	conn.inbound <- yproto.EncodeSyncUpdate([]byte{0x09})

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.DocCount() == 0 }, time.Second, 5*time.Millisecond)

	// Unsaved state was flushed during teardown.
	require.Eventually(t, func() bool { return st.DocCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestConnectAfterIdleReapGetsFreshDocument(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(store.NewMemStore())
	stale := hub.getOrCreate("doc")

	// The grace timer fires while a connect sits between lookup and
	// attach; the reaper wins and retires the still-empty document.
	hub.reapIdle("doc")

	require.False(t, stale.attach(newClient(newMockConn(), stale)),
		"a retired document must refuse new sockets")

	// The public connect path retries the lookup and lands on a fresh
	// document instead of the destroyed one.
	conn := newMockConn()
	hub.Connect(conn, "doc")
	waitWrites(t, conn, 1)

	fresh := hub.getOrCreate("doc")
	require.NotSame(t, stale, fresh)

	conn.inbound <- yproto.EncodeSyncUpdate([]byte{0x21, 0x22})
	require.Eventually(t, func() bool { return fresh.replica.Len() == 1 }, time.Second, 5*time.Millisecond)

	hub.Shutdown()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentSendersRelayInApplyOrder(t *testing.T) {
	hub := NewHub(store.NewMemStore())
	doc := hub.getOrCreate("doc")

	receiver := newClient(newMockConn(), doc)
	require.True(t, doc.attach(receiver))
	<-receiver.send // step-1 handshake

	senderA := &Client{}
	senderB := &Client{}

	var wg sync.WaitGroup
	send := func(c *Client, base byte) {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			doc.handleSync(c, yproto.EncodeSyncUpdate([]byte{base, byte(i)})[1:])
		}
	}
	wg.Add(2)
	go send(senderA, 0xA0)
	go send(senderB, 0xB0)
	wg.Wait()

	var relayed [][]byte
	for len(receiver.send) > 0 {
		msg, err := yproto.DecodeSyncMessage((<-receiver.send)[1:])
		require.NoError(t, err)
		relayed = append(relayed, msg.Body)
	}
	assert.Equal(t, doc.replica.Updates(), relayed,
		"peers must observe updates in the order they were applied")

	hub.Shutdown()
}

func TestReconnectWithinGraceCancelsCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(store.NewMemStore())
	hub.idleGrace = 50 * time.Millisecond

	conn := newMockConn()
	hub.Connect(conn, "doc")
	waitWrites(t, conn, 1)
	conn.inbound <- yproto.EncodeSyncUpdate([]byte{0x09})
	require.Eventually(t, func() bool {
		doc := hub.getOrCreate("doc")
		return doc.replica.Len() == 1
	}, time.Second, 5*time.Millisecond)
	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)

	// Reconnect before the grace timer fires; the in-memory log survives.
	conn2 := newMockConn()
	hub.Connect(conn2, "doc")
	waitWrites(t, conn2, 1)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hub.DocCount())

	conn2.inbound <- yproto.EncodeSyncStep1(yproto.EmptyStateVector)
	writes := waitWrites(t, conn2, 2)
	assert.Equal(t, yproto.EncodeSyncStep2([]byte{0x09}), writes[1])

	hub.Shutdown()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownFlushesAndClosesClients(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := store.NewMemStore()
	hub := NewHub(st)

	conn := newMockConn()
	hub.Connect(conn, "doc")
	waitWrites(t, conn, 1)
	conn.inbound <- yproto.EncodeSyncUpdate([]byte{0x0A, 0x0B})
	require.Eventually(t, func() bool {
		return hub.getOrCreate("doc").replica.Len() == 1
	}, time.Second, 5*time.Millisecond)

	hub.Shutdown()

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, st.DocCount(), "shutdown must persist unsaved state")
}

func TestSnapshotReloadedFromStore(t *testing.T) {
	st := store.NewMemStore()

	first := NewHub(st)
	doc := first.getOrCreate("doc")
	doc.handleSync(nil, yproto.EncodeSyncUpdate([]byte{0x11, 0x12})[1:])
	first.Shutdown()

	second := NewHub(st)
	restored := second.getOrCreate("doc")
	assert.Equal(t, 1, restored.replica.Len())
	assert.Equal(t, [][]byte{{0x11, 0x12}}, restored.replica.Updates())
	second.Shutdown()
}

func TestMalformedFramesDropped(t *testing.T) {
	hub := NewHub(store.NewMemStore())
	doc := hub.getOrCreate("doc")

	doc.handleFrame(nil, []byte{})
	doc.handleFrame(nil, []byte{0x63})
	doc.handleFrame(nil, []byte{byte(yproto.MessageSync)})
	doc.handleFrame(nil, []byte{byte(yproto.MessageAwareness), 0x05, 0x01})

	assert.Equal(t, 0, doc.replica.Len())
	hub.Shutdown()
}
