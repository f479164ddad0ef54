package handler

import (
	"net/http"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/chat-community/backend/internal/handler/chat"
	"github.com/zhouzirui/chat-community/backend/internal/handler/feed"
	middlewarePkg "github.com/zhouzirui/chat-community/backend/internal/middleware"
	chatService "github.com/zhouzirui/chat-community/backend/internal/service/chat"
	"github.com/zhouzirui/chat-community/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services. subscriber may be nil, in
// which case the live feeds are not mounted.
func NewRouter(chatSvc *chatService.Service, subscriber message.Subscriber) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(chatSvc)

	var feedHandler *feed.Handler
	if subscriber != nil {
		feedHandler = feed.New(chatSvc, subscriber)
	}

	mount := func(router chi.Router) {
		router.Get("/health", handleHealth)
		chatHandler.RegisterRoutes(router)
		if feedHandler != nil {
			feedHandler.RegisterRoutes(router)
		}
	}

	mount(r)
	r.Route("/api", func(api chi.Router) {
		mount(api)
	})

	return r
}

// handleHealth 存活探针
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
