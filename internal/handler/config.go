package handler

import (
	"net/http"

	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/service"
)

// ConfigHandler exposes the limits a client needs to behave well.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

type clientConfig struct {
	MaxContentLength int          `json:"max_content_length"`
	MaxPageSize      int          `json:"max_page_size"`
	WSMaxMessageSize int          `json:"ws_max_message_size"`
	SendMessage      *policyLimit `json:"send_message_limit,omitempty"`
}

type policyLimit struct {
	PermitLimit   int `json:"permit_limit"`
	WindowSeconds int `json:"window_seconds"`
}

func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	out := clientConfig{
		MaxContentLength: service.MaxContentLength,
		MaxPageSize:      service.MaxPageSize,
		WSMaxMessageSize: h.cfg.WS.MaxMessageSize,
	}
	if rl := h.cfg.RateLimiting; rl.RealtimeEnabled {
		out.SendMessage = &policyLimit{PermitLimit: rl.SendMessage.PermitLimit, WindowSeconds: rl.SendMessage.WindowSeconds}
	}
	writeJSON(w, http.StatusOK, out)
}
