package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-chat/internal/config"
	"github.com/zhouzirui/z-chat/internal/handler/auth"
	"github.com/zhouzirui/z-chat/internal/handler/chat"
	"github.com/zhouzirui/z-chat/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/z-chat/internal/middleware"
	chatService "github.com/zhouzirui/z-chat/internal/service/chat"
	"github.com/zhouzirui/z-chat/internal/service/token"
	"github.com/zhouzirui/z-chat/pkg/utils"
)

// NewRouter wires HTTP and WebSocket routes to core services.
func NewRouter(chatSvc *chatService.Service, issuer *token.Issuer, hub *ws.Hub, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(corsOrigins))

	authHandler := auth.New(chatSvc, issuer)
	chatHandler := chat.New(chatSvc, hub)
	wsHandler := ws.New(chatSvc, authHandler, hub)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route(config.APIPrefix, func(api chi.Router) {
		authHandler.RegisterRoutes(api)

		// WebSocket 通过 query 参数传递 token，不走 Bearer 中间件
		wsHandler.RegisterRoutes(api)

		api.Group(func(protected chi.Router) {
			protected.Use(authHandler.RequireUser)
			chatHandler.RegisterRoutes(protected)
		})
	})

	return r
}
