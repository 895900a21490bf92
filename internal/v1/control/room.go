package control

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Mewski/obsidian-live-share/internal/v1/logging"
	"github.com/Mewski/obsidian-live-share/internal/v1/metrics"
	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

// Room routes control messages between the sockets of one shared-editing
// session. It tracks which socket is the host and which guests are waiting
// on an approval decision.
//
// Concurrency: the room mutex guards the client set and approval map.
// Outbound sends go through buffered per-client queues and never block, so
// holding the lock across a fanout is safe.
type Room struct {
	id   types.RoomIdType
	meta types.Room

	mu               sync.Mutex
	clients          map[*Client]struct{}
	pendingApprovals map[types.UserIdType]*Client

	onEmpty func(types.RoomIdType)
}

func newRoom(meta types.Room, onEmpty func(types.RoomIdType)) *Room {
	return &Room{
		id:               meta.ID,
		meta:             meta,
		clients:          make(map[*Client]struct{}),
		pendingApprovals: make(map[types.UserIdType]*Client),
		onEmpty:          onEmpty,
	}
}

func (r *Room) addClient(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = struct{}{}
}

// route dispatches one inbound frame. Unknown types, malformed bodies, and
// unauthorized commands are dropped without a reply; the sender learns
// nothing about why.
func (r *Room) route(c *Client, raw []byte) {
	start := time.Now()
	defer func() {
		metrics.FrameProcessingDuration.WithLabelValues("control").Observe(time.Since(start).Seconds())
	}()

	msg, ok := parseMessage(raw)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Type {
	case msgJoinRequest:
		r.handleJoinRequest(c, msg)

	case msgJoinResponse:
		r.handleJoinResponse(c, msg)

	case msgKick:
		r.handleKick(c, msg)

	case msgPresenceUpdate:
		r.handlePresenceUpdate(c, msg, raw)

	case msgFileOp:
		r.handleFileOp(c, raw)

	case msgSummon:
		r.handleSummon(c, msg, raw)

	case msgFollowUpdate, msgSessionEnd, msgFocusRequest:
		if c.Approved() {
			r.broadcastLocked(c, raw)
		}

	default:
		// Not an allowed inbound type.
	}
}

// handleJoinRequest records the guest's identity and either auto-approves
// or parks the socket in the approval queue and notifies the host.
func (r *Room) handleJoinRequest(c *Client, msg controlMessage) {
	c.mu.Lock()
	c.userID = msg.UserID
	c.displayName = types.DisplayNameType(msg.DisplayName)
	c.mu.Unlock()

	// A returning pinned host never waits on its own approval queue.
	if r.meta.HostUserID != "" && msg.UserID == r.meta.HostUserID {
		c.mu.Lock()
		c.identified = true
		c.isHost = true
		c.approved = true
		c.mu.Unlock()
		c.enqueue(mustJSON(joinResponse{Type: msgJoinResponse, Approved: true, Permission: c.Permission()}))
		return
	}

	if r.meta.RequireApproval {
		c.mu.Lock()
		c.approved = false
		c.mu.Unlock()

		r.pendingApprovals[msg.UserID] = c
		if host := r.hostLocked(); host != nil {
			host.enqueue(mustJSON(joinRequestForward{
				Type:        msgJoinRequest,
				UserID:      msg.UserID,
				DisplayName: msg.DisplayName,
				AvatarURL:   msg.AvatarURL,
			}))
		}
		return
	}

	c.mu.Lock()
	c.approved = true
	c.mu.Unlock()
	c.enqueue(mustJSON(joinResponse{Type: msgJoinResponse, Approved: true, Permission: c.Permission()}))
}

// handleJoinResponse applies a host's decision to a waiting guest.
// Non-host senders cause no state change and no outbound messages.
func (r *Room) handleJoinResponse(c *Client, msg controlMessage) {
	if !c.IsHost() {
		return
	}

	target, ok := r.pendingApprovals[msg.UserID]
	if !ok {
		return
	}
	delete(r.pendingApprovals, msg.UserID)

	approved := msg.Approved != nil && *msg.Approved
	target.mu.Lock()
	target.approved = approved
	if msg.Permission.Valid() {
		target.permission = msg.Permission
	}
	permission := target.permission
	target.mu.Unlock()

	target.enqueue(mustJSON(joinResponse{Type: msgJoinResponse, Approved: approved, Permission: permission}))
}

// handleKick closes every socket announcing the target user-id. Host only.
func (r *Room) handleKick(c *Client, msg controlMessage) {
	if !c.IsHost() || msg.UserID == "" {
		return
	}

	// Every socket announcing the id goes, the sender's own included.
	for peer := range r.clients {
		if peer.UserID() != msg.UserID {
			continue
		}
		peer.enqueue(mustJSON(kickedNotice{Type: msgKicked}))
		peer.shutdown(websocket.ClosePolicyViolation, "kicked by host")
	}
}

// handlePresenceUpdate records identity, resolves host-ness on the first
// identified update, and relays to approved peers.
func (r *Room) handlePresenceUpdate(c *Client, msg controlMessage, raw []byte) {
	if msg.UserID != "" {
		c.mu.Lock()
		if !c.identified {
			c.identified = true
			if r.meta.HostUserID != "" {
				c.isHost = msg.UserID == r.meta.HostUserID
			} else {
				// Rooms created without auth pin no host; the first
				// participant to identify takes the role.
				c.isHost = !r.hasHostLocked(c)
			}
			if c.isHost {
				c.approved = true
			}
		}
		c.userID = msg.UserID
		c.displayName = types.DisplayNameType(msg.DisplayName)
		c.mu.Unlock()
	}

	if c.Approved() {
		r.broadcastLocked(c, raw)
	}
}

// handleFileOp relays an opaque file operation. Read-only senders and
// unapproved guests are dropped silently.
func (r *Room) handleFileOp(c *Client, raw []byte) {
	if c.Permission() == types.PermissionReadOnly || !c.Approved() {
		return
	}
	r.broadcastLocked(c, raw)
}

// handleSummon routes a summon either to one user's sockets or to everyone.
func (r *Room) handleSummon(c *Client, msg controlMessage, raw []byte) {
	if !c.Approved() {
		return
	}

	if msg.TargetUserID != "" && msg.TargetUserID != summonAll {
		for peer := range r.clients {
			if peer != c && peer.UserID() == msg.TargetUserID {
				peer.enqueue(raw)
				metrics.RelayedFrames.WithLabelValues("control", msgSummon).Inc()
			}
		}
		return
	}
	r.broadcastLocked(c, raw)
}

// broadcastLocked relays raw bytes to every approved socket except the
// sender. Caller holds the room lock.
func (r *Room) broadcastLocked(sender *Client, raw []byte) {
	for peer := range r.clients {
		if peer == sender || !peer.Approved() {
			continue
		}
		peer.enqueue(raw)
	}
	metrics.RelayedFrames.WithLabelValues("control", "broadcast").Inc()
}

// hostLocked returns the current host socket, if any. Caller holds the lock.
func (r *Room) hostLocked() *Client {
	for peer := range r.clients {
		if peer.IsHost() {
			return peer
		}
	}
	return nil
}

// hasHostLocked reports whether any socket other than exclude already holds
// the host role. Caller holds the lock; exclude's own mutex is held by the
// caller, so it must not be re-inspected here.
func (r *Room) hasHostLocked(exclude *Client) bool {
	for peer := range r.clients {
		if peer != exclude && peer.IsHost() {
			return true
		}
	}
	return false
}

// handleDisconnect removes a socket, announces the departure, and withdraws
// any pending approval it held.
func (r *Room) handleDisconnect(c *Client) {
	r.mu.Lock()

	if _, ok := r.clients[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c)
	metrics.ControlConnections.Dec()

	userID := c.UserID()
	if userID != "" {
		delete(r.pendingApprovals, userID)
		leave := mustJSON(presenceLeave{Type: msgPresenceLeave, UserID: userID})
		for peer := range r.clients {
			if peer.Approved() {
				peer.enqueue(leave)
			}
		}
	}

	empty := len(r.clients) == 0
	r.mu.Unlock()

	c.shutdown(websocket.CloseNormalClosure, "")

	logging.Info(context.Background(), "Control client disconnected",
		zap.String("roomId", string(r.id)),
		zap.String("userId", string(userID)))

	if empty && r.onEmpty != nil {
		r.onEmpty(r.id)
	}
}

// closeAll shuts every socket down with the given close code.
func (r *Room) closeAll(code int, reason string) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for peer := range r.clients {
		clients = append(clients, peer)
	}
	r.mu.Unlock()

	for _, peer := range clients {
		peer.shutdown(code, reason)
	}
}
