package control

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Mewski/obsidian-live-share/internal/v1/logging"
	"github.com/Mewski/obsidian-live-share/internal/v1/metrics"
	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

// Hub owns the live control rooms. Rooms are created lazily on first
// connect and dropped as soon as their last socket leaves; there is no
// grace period because control state is ephemeral.
type Hub struct {
	mu    sync.Mutex
	rooms map[types.RoomIdType]*Room
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[types.RoomIdType]*Room),
	}
}

// Connect attaches an upgraded socket to the room described by meta and
// starts its pumps. The caller has already authenticated the connection.
func (h *Hub) Connect(conn wsConnection, meta types.Room) {
	h.mu.Lock()
	room, ok := h.rooms[meta.ID]
	if !ok {
		room = newRoom(meta, h.dropRoom)
		h.rooms[meta.ID] = room
		metrics.ActiveControlRooms.Inc()
	}
	h.mu.Unlock()

	client := newClient(conn, room, meta)
	room.addClient(client)
	metrics.ControlConnections.Inc()

	logging.Info(context.Background(), "Control client connected",
		zap.String("roomId", string(meta.ID)))

	go client.writePump()
	go client.readPump()
}

func (h *Hub) dropRoom(id types.RoomIdType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[id]; ok {
		delete(h.rooms, id)
		metrics.ActiveControlRooms.Dec()
		logging.Info(context.Background(), "Control room dropped",
			zap.String("roomId", string(id)))
	}
}

// RoomCount reports the number of live control rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// ConnectionCount reports the number of open control sockets across rooms.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, room := range h.rooms {
		room.mu.Lock()
		total += len(room.clients)
		room.mu.Unlock()
	}
	return total
}

// Shutdown closes every control socket with a normal close frame.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	for _, room := range rooms {
		room.closeAll(websocket.CloseNormalClosure, "server shutting down")
	}
}
