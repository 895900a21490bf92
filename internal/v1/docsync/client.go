// Package docsync implements the binary document channel: Yjs sync framing,
// awareness presence, and per-document fanout backed by the persistence
// store. One Document exists per document name across all rooms that
// reference it.
package docsync

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mewski/obsidian-live-share/internal/v1/logging"
)

// maxFrameSize caps inbound sync frames at 10 MiB. A full-document step-2
// for a large vault page fits well under this; anything larger terminates
// the connection.
const maxFrameSize = 10 << 20

const writeWait = 10 * time.Second

// wsConnection is the subset of *websocket.Conn the sync client needs.
// Tests substitute mock implementations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
}

// document is the view of the owning document a client routes into.
type document interface {
	handleFrame(c *Client, frame []byte)
	handleDisconnect(c *Client)
}

// Client is one socket attached to a document. The sync channel is pure
// byte plumbing; all protocol state lives on the Document.
type Client struct {
	conn wsConnection
	send chan []byte
	doc  document

	closeOnce sync.Once
	closeMu   sync.Mutex
	closed    bool
	closeMsg  []byte
}

func newClient(conn wsConnection, doc document) *Client {
	return &Client{
		conn: conn,
		// Step-1 answers replay the whole update log as individual frames,
		// so the queue is deeper than the control channel's.
		send: make(chan []byte, 256),
		doc:  doc,
	}
}

// readPump reads binary frames until the socket errors. It owns disconnect
// cleanup.
func (c *Client) readPump() {
	defer func() {
		c.doc.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		c.doc.handleFrame(c, data)
	}
}

// writePump drains the send queue, then delivers the close frame.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
			return
		}
	}

	c.closeMu.Lock()
	closeMsg := c.closeMsg
	c.closeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
}

// enqueue hands a frame to the write pump without blocking. Dropping a sync
// frame desynchronizes the peer, but a peer slow enough to fill the queue
// will resync from scratch on its next step-1 anyway.
func (c *Client) enqueue(frame []byte) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		logging.Warn(context.Background(), "Sync client send queue full, dropping frame")
	}
}

// shutdown closes the client with the given close code after the queue
// drains. Safe to call more than once, and safe against concurrent enqueues.
func (c *Client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		c.closed = true
		close(c.send)
		c.closeMu.Unlock()
	})
}
