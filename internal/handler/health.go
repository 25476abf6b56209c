package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/ws"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db  Pinger
	hub *ws.Hub
}

func NewHealthHandler(db Pinger, hub *ws.Hub) *HealthHandler {
	return &HealthHandler{db: db, hub: hub}
}

type healthResponse struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	Connections   int    `json:"connections"`
	Rooms         int    `json:"rooms"`
	Subscriptions int64  `json:"subscriptions"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok"}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			logger.Errorf("health: database ping: %v", err)
			resp.Status = "degraded"
			resp.Database = "unavailable"
		}
	}
	if h.hub != nil {
		resp.Connections = h.hub.ConnectionCount()
		resp.Rooms, resp.Subscriptions = h.hub.Registry().Stats()
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
