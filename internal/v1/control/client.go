// Package control implements the per-room JSON control channel: presence,
// file operations, host-mediated approval, kick, summon, and focus routing.
// All control state is ephemeral; nothing in this package touches the store.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Mewski/obsidian-live-share/internal/v1/logging"
	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

// maxFrameSize caps inbound control frames at 1 MiB; larger frames
// terminate the connection.
const maxFrameSize = 1 << 20

const writeWait = 10 * time.Second

// wsConnection is the subset of *websocket.Conn the control client needs.
// Tests substitute mock implementations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
}

// roomer is the view of the room a client routes into, mockable in tests.
type roomer interface {
	route(c *Client, raw []byte)
	handleDisconnect(c *Client)
}

// Client is one socket on a room's control channel. Identity fields start
// empty and are filled by the first join-request or presence-update; host
// status, once granted, is never demoted.
type Client struct {
	conn wsConnection
	send chan []byte
	room roomer

	mu          sync.RWMutex
	userID      types.UserIdType
	displayName types.DisplayNameType
	identified  bool
	isHost      bool
	approved    bool
	permission  types.Permission

	closeOnce sync.Once
	closed    bool
	closeMsg  []byte
}

func newClient(conn wsConnection, room roomer, meta types.Room) *Client {
	return &Client{
		conn:       conn,
		send:       make(chan []byte, 64),
		room:       room,
		approved:   !meta.RequireApproval,
		permission: meta.EffectiveDefaultPermission(),
	}
}

func (c *Client) UserID() types.UserIdType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) IsHost() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isHost
}

func (c *Client) Approved() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.approved
}

func (c *Client) Permission() types.Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// readPump reads control frames until the socket errors, routing each into
// the room. It owns disconnect cleanup.
func (c *Client) readPump() {
	defer func() {
		c.room.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.room.route(c, data)
	}
}

// writePump drains the send queue, then delivers the close frame.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}

	c.mu.RLock()
	closeMsg := c.closeMsg
	c.mu.RUnlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
}

// enqueue hands a frame to the write pump without blocking; a full queue
// means the peer is too slow and the frame is dropped.
func (c *Client) enqueue(message []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		// A kicked socket can linger in the room until its read pump
		// notices the close; late frames for it are dropped.
		return
	}
	select {
	case c.send <- message:
	default:
		logging.Warn(context.Background(), "Control client send queue full, dropping frame",
			zap.String("userId", string(c.userID)))
	}
}

// shutdown closes the client with the given close code after the queue
// drains. Safe to call more than once, and safe against concurrent enqueues.
func (c *Client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}
