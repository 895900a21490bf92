// Package gateway authenticates WebSocket upgrades and hands the resulting
// sockets to the sync or control engine. Every check happens before the
// upgrade completes; a raw socket never reaches an engine unauthenticated.
package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Mewski/obsidian-live-share/internal/v1/auth"
	"github.com/Mewski/obsidian-live-share/internal/v1/control"
	"github.com/Mewski/obsidian-live-share/internal/v1/docsync"
	"github.com/Mewski/obsidian-live-share/internal/v1/logging"
	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

// Gateway terminates the two WebSocket routes. It owns no room or document
// state of its own; it resolves rooms through the registry and defers all
// protocol work to the engines.
type Gateway struct {
	rooms           types.RoomLookup
	verifier        auth.TokenVerifier
	syncHub         *docsync.Hub
	controlHub      *control.Hub
	requireIdentity bool
	upgrader        websocket.Upgrader
}

// New builds a Gateway. allowedOrigin follows the CORS_ORIGIN convention:
// "*" admits every origin, anything else must match the Origin header
// exactly. Requests without an Origin header (non-browser clients) are
// always admitted.
func New(rooms types.RoomLookup, verifier auth.TokenVerifier, syncHub *docsync.Hub, controlHub *control.Hub, requireIdentity bool, allowedOrigin string) *Gateway {
	return &Gateway{
		rooms:           rooms,
		verifier:        verifier,
		syncHub:         syncHub,
		controlHub:      controlHub,
		requireIdentity: requireIdentity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// RegisterRoutes mounts the WebSocket endpoints on the router.
func (g *Gateway) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/*doc", g.handleSync)
	router.GET("/control/:roomId", g.handleControl)
}

// handleSync serves GET /ws/<docName>?token=…[&jwt=…]. The document name is
// the full path remainder; its room is the substring before the first ':'.
func (g *Gateway) handleSync(c *gin.Context) {
	docName := strings.TrimPrefix(c.Param("doc"), "/")
	if docName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing document name"})
		return
	}

	roomID := docName
	if i := strings.IndexByte(docName, ':'); i >= 0 {
		roomID = docName[:i]
	}

	if _, ok := g.authenticate(c, types.RoomIdType(roomID)); !ok {
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its error response.
		logging.Warn(c.Request.Context(), "Sync upgrade failed", zap.Error(err))
		return
	}

	g.syncHub.Connect(conn, docName)
}

// handleControl serves GET /control/<roomId>?token=…[&jwt=…].
func (g *Gateway) handleControl(c *gin.Context) {
	roomID := types.RoomIdType(c.Param("roomId"))

	room, ok := g.authenticate(c, roomID)
	if !ok {
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "Control upgrade failed", zap.Error(err))
		return
	}

	g.controlHub.Connect(conn, room)
}

// authenticate runs the pre-upgrade checks shared by both routes: room
// existence, room token, and the identity token when the deployment
// requires one. It writes the rejection response itself and returns the
// resolved room when the caller may proceed to the upgrade.
func (g *Gateway) authenticate(c *gin.Context, roomID types.RoomIdType) (types.Room, bool) {
	room, ok := g.rooms.Lookup(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return types.Room{}, false
	}

	if !g.rooms.CheckToken(roomID, c.Query("token")) {
		logging.Warn(logging.WithRoomID(c.Request.Context(), string(roomID)),
			"Rejected connection with bad room token",
			zap.String("token", logging.RedactToken(c.Query("token"))))
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid token"})
		return types.Room{}, false
	}

	if g.requireIdentity {
		claims, err := g.verifier.Verify(c.Query("jwt"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Identity required"})
			return types.Room{}, false
		}
		logging.Info(logging.WithRoomID(c.Request.Context(), string(roomID)),
			"Identified connection", zap.String("username", claims.Username))
	}

	return room, true
}
