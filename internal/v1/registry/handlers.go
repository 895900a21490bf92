package registry

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

// createRoomRequest is the body of POST /rooms.
type createRoomRequest struct {
	Name              string             `json:"name"`
	HostUserID        types.UserIdType   `json:"hostUserId"`
	RequireApproval   bool               `json:"requireApproval"`
	DefaultPermission types.Permission   `json:"defaultPermission"`
	Participants      []types.UserIdType `json:"participants"`
}

// joinRoomRequest is the body of POST /rooms/:id/join.
type joinRoomRequest struct {
	Token string `json:"token"`
}

// RegisterRoutes attaches the room lifecycle endpoints to a router group.
// Rate limiting is applied by the caller on the whole group.
func (r *Registry) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("", r.handleCreate)
	group.POST("/:id/join", r.handleJoin)
	group.GET("/:id", r.handleGet)
	group.DELETE("/:id", r.handleDelete)
}

// handleCreate implements POST /rooms. The response is the only place the
// room token ever leaves the server.
func (r *Registry) handleCreate(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	room, err := r.Create(CreateParams{
		Name:              req.Name,
		HostUserID:        req.HostUserID,
		RequireApproval:   req.RequireApproval,
		DefaultPermission: req.DefaultPermission,
		Participants:      req.Participants,
	})
	if err != nil {
		if IsValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":    room.ID,
		"token": room.Token,
		"name":  room.Name,
	})
}

// handleJoin implements POST /rooms/:id/join: authenticate the token and
// hand back the sync endpoint.
func (r *Registry) handleJoin(c *gin.Context) {
	id := types.RoomIdType(c.Param("id"))

	room, ok := r.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	if !r.CheckToken(id, req.Token) {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":    room.ID,
		"name":  room.Name,
		"wsUrl": "/ws/" + string(room.ID),
	})
}

// handleGet implements GET /rooms/:id. Public metadata only; no token.
func (r *Registry) handleGet(c *gin.Context) {
	room, ok := r.Lookup(types.RoomIdType(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name":      room.Name,
		"createdAt": room.CreatedAt,
	})
}

// handleDelete implements DELETE /rooms/:id with Bearer auth.
func (r *Registry) handleDelete(c *gin.Context) {
	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	switch err := r.Delete(types.RoomIdType(c.Param("id")), token); err {
	case nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case ErrNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case ErrTokenMismatch:
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid token"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete room"})
	}
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}
