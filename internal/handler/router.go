package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatrelay/internal/metrics"
	"github.com/chatrelay/internal/middleware"
)

// Routes collects everything NewRouter mounts.
type Routes struct {
	Auth          middleware.TokenAuthenticator
	RateLimit     *middleware.RateLimit
	CORSOrigins   []string
	MetricsSecret string
	// TrustedProxies are the peers allowed to set the client address.
	TrustedProxies middleware.TrustedProxies

	Health   *HealthHandler
	Config   *ConfigHandler
	Users    *UserHandler
	Chats    *ChatHandler
	Messages *MessageHandler
	WS       *WSHandler
}

func NewRouter(rt Routes) http.Handler {
	if rt.RateLimit == nil {
		rt.RateLimit = middleware.NewRateLimit(nil, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP(rt.TrustedProxies))
	r.Use(chimw.RequestID)
	r.Use(middleware.RecoverJSON)
	// Compression breaks the websocket upgrade: the wrapped writer is not a Hijacker.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	if rt.Health != nil {
		r.Get("/health", rt.Health.Health)
	}
	r.With(middleware.InternalOnly(rt.MetricsSecret)).Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(rt.RateLimit.Global)
		if rt.Config != nil {
			r.Get("/api/config", rt.Config.GetClientConfig)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(rt.Auth))
			r.Use(rt.RateLimit.PerUser)

			if rt.Users != nil {
				r.Get("/api/users/me", rt.Users.GetProfile)
			}
			if rt.Chats != nil {
				r.Get("/api/chats", rt.Chats.ListChats)
				r.Post("/api/chats/private", rt.Chats.CreatePrivateChat)
				r.Post("/api/chats/group", rt.Chats.CreateGroupChat)
				r.Post("/api/chats/{chatId}/members", rt.Chats.AddMember)
				r.Delete("/api/chats/{chatId}/members/{userName}", rt.Chats.RemoveMember)
				r.Post("/api/chats/{chatId}/leave", rt.Chats.LeaveChat)
				r.Get("/api/chats/{chatId}/users", rt.Chats.GetChatUsers)
			}
			if rt.Messages != nil {
				r.Get("/api/chats/{chatId}/messages", rt.Messages.GetMessages)
				r.Post("/api/chats/{chatId}/messages", rt.Messages.SendMessage)
			}
		})

		if rt.WS != nil {
			// The upgrade is authenticated but not counted against the per-user HTTP policy.
			r.With(middleware.Auth(rt.Auth)).Get("/ws", rt.WS.ServeWS)
		}
	})
	return r
}
