// Package health exposes the liveness endpoint used by process monitors
// and the plugin's server-reachability probe.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RoomCounter reports registered rooms; the registry implements it.
type RoomCounter interface {
	Count() int
}

// ConnectionCounter reports open sockets; both engine hubs implement it.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handler answers GET /healthz with process uptime and load counters.
type Handler struct {
	started time.Time
	rooms   RoomCounter
	engines []ConnectionCounter
}

func NewHandler(rooms RoomCounter, engines ...ConnectionCounter) *Handler {
	return &Handler{
		started: time.Now(),
		rooms:   rooms,
		engines: engines,
	}
}

// RegisterRoutes mounts the endpoint on the router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/healthz", h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	connections := 0
	for _, engine := range h.engines {
		connections += engine.ConnectionCount()
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"uptime":      time.Since(h.started).Round(time.Second).String(),
		"rooms":       h.rooms.Count(),
		"connections": connections,
	})
}
