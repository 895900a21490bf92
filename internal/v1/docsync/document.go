package docsync

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Mewski/obsidian-live-share/internal/v1/logging"
	"github.com/Mewski/obsidian-live-share/internal/v1/metrics"
	"github.com/Mewski/obsidian-live-share/internal/v1/store"
	"github.com/Mewski/obsidian-live-share/internal/v1/yproto"
)

// Document is the in-memory authority for one document name: the update
// log, the awareness table, and the set of attached sockets. The document
// lock covers all of them plus the persistence flags. Fanouts go through
// buffered per-client queues and never block, so holding the lock across
// an enqueue is safe.
type Document struct {
	name  string
	hub   *Hub
	store store.Store

	mu        sync.Mutex
	replica   *yproto.Replica
	awareness *yproto.Awareness
	clients   map[*Client]struct{}

	// awarenessIDs maps each socket to the awareness client-ids it has
	// introduced, so a disconnect withdraws exactly those.
	awarenessIDs map[*Client]map[uint64]struct{}

	dirty        bool
	persistTimer *time.Timer

	// retired is set by the hub's idle reaper once the document is being
	// torn down; a socket that lost the race must look the name up again.
	retired bool
}

func newDocument(name string, hub *Hub, st store.Store) *Document {
	return &Document{
		name:         name,
		hub:          hub,
		store:        st,
		replica:      yproto.NewReplica(),
		awareness:    yproto.NewAwareness(),
		clients:      make(map[*Client]struct{}),
		awarenessIDs: make(map[*Client]map[uint64]struct{}),
	}
}

func (d *Document) ctx() context.Context {
	return logging.WithDocName(context.Background(), d.name)
}

// attach registers a socket and runs the server side of the handshake:
// a step-1 asking for the client's state, followed by the current awareness
// snapshot when anyone else is present. It reports false when the document
// lost the race with the idle reaper; the caller must look the name up
// again and will get a fresh document.
func (d *Document) attach(c *Client) bool {
	d.mu.Lock()
	if d.retired {
		d.mu.Unlock()
		return false
	}
	d.clients[c] = struct{}{}
	d.awarenessIDs[c] = make(map[uint64]struct{})

	handshake := [][]byte{yproto.EncodeSyncStep1(yproto.EmptyStateVector)}
	if ids := d.awareness.Clients(); len(ids) > 0 {
		handshake = append(handshake, yproto.EncodeAwareness(d.awareness.Encode(ids)))
	}
	d.mu.Unlock()

	for _, frame := range handshake {
		c.enqueue(frame)
	}
	return true
}

// handleFrame dispatches one inbound channel frame. Malformed and unknown
// frames are dropped; the channel carries no error replies.
func (d *Document) handleFrame(c *Client, frame []byte) {
	start := time.Now()
	defer func() {
		metrics.FrameProcessingDuration.WithLabelValues("sync").Observe(time.Since(start).Seconds())
	}()

	typ, body, err := yproto.DecodeMessageType(frame)
	if err != nil {
		logging.Debug(d.ctx(), "Dropping undecodable sync frame", zap.Error(err))
		return
	}

	switch typ {
	case yproto.MessageSync:
		d.handleSync(c, body)
	case yproto.MessageAwareness:
		d.handleAwareness(c, body, frame)
	case yproto.MessageFileOp:
		// Opaque file-operation payloads ride the binary channel untouched.
		d.broadcast(c, frame)
		metrics.RelayedFrames.WithLabelValues("sync", "file-op").Inc()
	default:
		logging.Debug(d.ctx(), "Dropping unknown sync frame type", zap.Uint64("type", typ))
	}
}

func (d *Document) handleSync(c *Client, body []byte) {
	msg, err := yproto.DecodeSyncMessage(body)
	if err != nil {
		logging.Debug(d.ctx(), "Dropping malformed sync message", zap.Error(err))
		return
	}

	switch msg.Type {
	case yproto.SyncStep1:
		d.mu.Lock()
		answer := d.replica.AnswerStep1(msg.Body)
		d.mu.Unlock()
		for _, f := range answer {
			c.enqueue(f)
		}

	case yproto.SyncStep2, yproto.SyncUpdate:
		d.mu.Lock()
		applied := d.replica.ApplyUpdate(msg.Body)
		if applied {
			d.markDirtyLocked()
			// Fanout stays inside the critical section that applied the
			// update, so every peer sees updates in log order even with
			// concurrent senders. enqueue never blocks.
			frame := yproto.EncodeSyncUpdate(msg.Body)
			for peer := range d.clients {
				if peer != c {
					peer.enqueue(frame)
				}
			}
		}
		d.mu.Unlock()
		if applied {
			metrics.RelayedFrames.WithLabelValues("sync", "update").Inc()
		}

	default:
		logging.Debug(d.ctx(), "Dropping unknown sync subtype", zap.Uint64("subtype", msg.Type))
	}
}

func (d *Document) handleAwareness(c *Client, body []byte, frame []byte) {
	dec := yproto.NewDecoder(body)
	update, err := dec.ReadVarBytes()
	if err != nil {
		logging.Debug(d.ctx(), "Dropping malformed awareness frame", zap.Error(err))
		return
	}

	d.mu.Lock()
	change, err := d.awareness.Apply(update)
	if err != nil {
		d.mu.Unlock()
		logging.Debug(d.ctx(), "Dropping undecodable awareness update", zap.Error(err))
		return
	}
	if ids, ok := d.awarenessIDs[c]; ok {
		for _, id := range change.Added {
			ids[id] = struct{}{}
		}
		for _, id := range change.Updated {
			ids[id] = struct{}{}
		}
		for _, id := range change.Removed {
			delete(ids, id)
		}
	}
	if change.Any() {
		// Awareness goes to every socket, the origin included; clients
		// drop entries for their own id.
		for peer := range d.clients {
			peer.enqueue(frame)
		}
	}
	d.mu.Unlock()

	if change.Any() {
		metrics.RelayedFrames.WithLabelValues("sync", "awareness").Inc()
	}
}

// broadcast relays a frame to every attached socket except the sender.
func (d *Document) broadcast(sender *Client, frame []byte) {
	d.mu.Lock()
	targets := make([]*Client, 0, len(d.clients))
	for peer := range d.clients {
		if peer != sender {
			targets = append(targets, peer)
		}
	}
	d.mu.Unlock()

	for _, peer := range targets {
		peer.enqueue(frame)
	}
}

// handleDisconnect detaches a socket, withdraws its awareness entries, and
// hands the document to the hub's idle reaper when it was the last one.
func (d *Document) handleDisconnect(c *Client) {
	d.mu.Lock()
	if _, ok := d.clients[c]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.clients, c)
	metrics.SyncConnections.Dec()

	var removal []byte
	if ids := d.awarenessIDs[c]; len(ids) > 0 {
		flat := make([]uint64, 0, len(ids))
		for id := range ids {
			flat = append(flat, id)
		}
		removal = d.awareness.Remove(flat)
	}
	delete(d.awarenessIDs, c)

	targets := make([]*Client, 0, len(d.clients))
	for peer := range d.clients {
		targets = append(targets, peer)
	}
	empty := len(d.clients) == 0
	d.mu.Unlock()

	c.shutdown(websocket.CloseNormalClosure, "")

	if removal != nil {
		frame := yproto.EncodeAwareness(removal)
		for _, peer := range targets {
			peer.enqueue(frame)
		}
	}

	logging.Info(d.ctx(), "Sync client disconnected")

	if empty {
		d.hub.scheduleIdleCleanup(d.name)
	}
}

// markDirtyLocked flags unsaved state and arms the persistence debounce.
// Caller holds the document lock.
func (d *Document) markDirtyLocked() {
	d.dirty = true
	if d.persistTimer == nil {
		d.persistTimer = time.AfterFunc(d.hub.persistDebounce, d.persistDebounced)
	}
}

func (d *Document) persistDebounced() {
	d.mu.Lock()
	d.persistTimer = nil
	if !d.dirty {
		d.mu.Unlock()
		return
	}
	d.dirty = false
	snapshot := d.replica.EncodeSnapshot()
	d.mu.Unlock()

	d.persistSnapshot(snapshot)
}

// flush persists synchronously when there is unsaved state. Only shutdown
// and idle teardown call it.
func (d *Document) flush() {
	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return
	}
	d.dirty = false
	if d.persistTimer != nil {
		d.persistTimer.Stop()
		d.persistTimer = nil
	}
	snapshot := d.replica.EncodeSnapshot()
	d.mu.Unlock()

	d.persistSnapshot(snapshot)
}

func (d *Document) persistSnapshot(snapshot []byte) {
	if err := d.store.PersistDoc(d.name, snapshot); err != nil {
		metrics.PersistOps.WithLabelValues("error").Inc()
		logging.Error(d.ctx(), "Failed to persist document", zap.Error(err))
		return
	}
	metrics.PersistOps.WithLabelValues("ok").Inc()
	logging.Debug(d.ctx(), "Persisted document snapshot", zap.Int("bytes", len(snapshot)))
}

// clientCount reports attached sockets.
func (d *Document) clientCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// tryRetire marks the document as refusing further attaches, but only while
// it is still empty. The hub's reaper calls it while holding the hub lock.
func (d *Document) tryRetire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) > 0 {
		return false
	}
	d.retired = true
	return true
}

// destroy flushes unsaved state and drops all protocol state. The hub has
// already unlinked the document; no client may be attached.
func (d *Document) destroy() {
	d.flush()
	d.mu.Lock()
	d.replica.Destroy()
	d.awareness.Destroy()
	d.mu.Unlock()
}

// closeAll shuts every socket down with the given close code.
func (d *Document) closeAll(code int, reason string) {
	d.mu.Lock()
	clients := make([]*Client, 0, len(d.clients))
	for peer := range d.clients {
		clients = append(clients, peer)
	}
	d.mu.Unlock()

	for _, peer := range clients {
		peer.shutdown(code, reason)
	}
}
