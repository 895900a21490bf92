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

const (
	// persistDebounce batches bursts of updates into one store write.
	persistDebounce = 5 * time.Second

	// idleGrace keeps an empty document in memory long enough for a
	// reconnecting editor to pick it back up without a store round trip.
	idleGrace = 30 * time.Second
)

// Hub owns the live documents. Each document name maps to at most one
// Document regardless of how many rooms reference it; loading from the
// store happens at most once even under concurrent first connects.
type Hub struct {
	store store.Store

	// Overridable in tests; production uses the package defaults.
	persistDebounce time.Duration
	idleGrace       time.Duration

	mu      sync.Mutex
	docs    map[string]*Document
	loading map[string]chan struct{}

	// cleanups holds the idle-grace timer per empty document; a reconnect
	// cancels it.
	cleanups map[string]*time.Timer
}

func NewHub(st store.Store) *Hub {
	return &Hub{
		store:           st,
		persistDebounce: persistDebounce,
		idleGrace:       idleGrace,
		docs:            make(map[string]*Document),
		loading:         make(map[string]chan struct{}),
		cleanups:        make(map[string]*time.Timer),
	}
}

// Connect attaches an upgraded socket to the named document, loading it
// from the store on first use, and starts the client pumps.
func (h *Hub) Connect(conn wsConnection, docName string) {
	var client *Client
	for {
		doc := h.getOrCreate(docName)
		client = newClient(conn, doc)
		if doc.attach(client) {
			break
		}
		// The idle reaper retired this document between lookup and
		// attach; the next lookup builds a fresh one.
	}
	metrics.SyncConnections.Inc()

	logging.Info(logging.WithDocName(context.Background(), docName), "Sync client connected")

	go client.writePump()
	go client.readPump()
}

// getOrCreate returns the live document for name, loading its snapshot
// from the store exactly once. Concurrent callers for the same name wait
// for the loader instead of racing it.
func (h *Hub) getOrCreate(name string) *Document {
	for {
		h.mu.Lock()
		if timer, ok := h.cleanups[name]; ok {
			timer.Stop()
			delete(h.cleanups, name)
		}
		if doc, ok := h.docs[name]; ok {
			h.mu.Unlock()
			return doc
		}
		if ch, ok := h.loading[name]; ok {
			h.mu.Unlock()
			<-ch
			continue
		}
		ch := make(chan struct{})
		h.loading[name] = ch
		h.mu.Unlock()

		doc := newDocument(name, h, h.store)
		snapshot, found, err := h.store.LoadDoc(name)
		if err != nil {
			logging.Error(doc.ctx(), "Failed to load document snapshot, starting empty", zap.Error(err))
		} else if found {
			if err := doc.replica.LoadSnapshot(snapshot); err != nil {
				logging.Error(doc.ctx(), "Corrupt document snapshot, starting empty", zap.Error(err))
				doc.replica = yproto.NewReplica()
			}
		}

		h.mu.Lock()
		h.docs[name] = doc
		delete(h.loading, name)
		close(ch)
		h.mu.Unlock()

		metrics.ActiveDocuments.Inc()
		logging.Info(doc.ctx(), "Document opened",
			zap.Bool("fromSnapshot", found), zap.Int("updates", doc.replica.Len()))
		return doc
	}
}

// scheduleIdleCleanup arms the grace timer for a now-empty document. If a
// client reconnects before it fires, getOrCreate cancels it.
func (h *Hub) scheduleIdleCleanup(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.docs[name]; !ok {
		return
	}
	if timer, ok := h.cleanups[name]; ok {
		timer.Stop()
	}
	h.cleanups[name] = time.AfterFunc(h.idleGrace, func() { h.reapIdle(name) })
}

func (h *Hub) reapIdle(name string) {
	h.mu.Lock()
	delete(h.cleanups, name)
	doc, ok := h.docs[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	if !doc.tryRetire() {
		// A connect claimed the document before the timer ran; it stays.
		h.mu.Unlock()
		return
	}
	delete(h.docs, name)
	// Destroy before releasing the hub lock so a racing connect cannot
	// load a pre-flush snapshot for the replacement document.
	doc.destroy()
	h.mu.Unlock()

	metrics.ActiveDocuments.Dec()
	logging.Info(doc.ctx(), "Idle document destroyed")
}

// DocCount reports the number of live documents.
func (h *Hub) DocCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs)
}

// ConnectionCount reports open sync sockets across documents.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	docs := make([]*Document, 0, len(h.docs))
	for _, doc := range h.docs {
		docs = append(docs, doc)
	}
	h.mu.Unlock()

	total := 0
	for _, doc := range docs {
		total += doc.clientCount()
	}
	return total
}

// Shutdown flushes every document to the store and closes all sockets with
// a normal close frame. Pending debounce timers are cancelled; the final
// persist is awaited, not fire-and-forget.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	for name, timer := range h.cleanups {
		timer.Stop()
		delete(h.cleanups, name)
	}
	docs := make([]*Document, 0, len(h.docs))
	for _, doc := range h.docs {
		docs = append(docs, doc)
	}
	h.docs = make(map[string]*Document)
	h.mu.Unlock()

	for _, doc := range docs {
		doc.flush()
		doc.closeAll(websocket.CloseNormalClosure, "server shutting down")
		metrics.ActiveDocuments.Dec()
	}
}
