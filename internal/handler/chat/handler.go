package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-community/backend/internal/model/chat"
	"github.com/zhouzirui/chat-community/backend/internal/service/ai"
	chatService "github.com/zhouzirui/chat-community/backend/internal/service/chat"
	"github.com/zhouzirui/chat-community/backend/pkg/utils"
)

const maxBodyBytes = 64 << 10

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/messages", h.handleListMessages)
	r.Post("/messages", h.handleCreateMessage)
}

// handleListMessages 按时间升序返回消息，可选 since 过滤
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	since, err := ParseSince(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid ISO8601 timestamp")
		return
	}

	messages := h.chatSvc.List(r.Context(), since)
	utils.RespondJSON(w, http.StatusOK, messages)
}

// handleCreateMessage 保存用户消息并同步生成 AI 回复
func (h *Handler) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var payload chat.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Synthesis outlives the client connection; its own timeout bounds it.
	ctx := context.WithoutCancel(r.Context())

	res, err := h.chatSvc.Submit(ctx, payload)
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusCreated, res.Message)
	case errors.Is(err, chat.ErrInvalidMessage):
		utils.RespondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ai.ErrUpstreamUnavailable):
		log.Error().Err(err).Str("component", "chat").Str("message_id", res.Message.ID).Msg("failed to reach generation backend")
		utils.RespondError(w, http.StatusBadGateway, "Failed to reach Ollama backend")
	default:
		log.Error().Err(err).Str("component", "chat").Msg("submit failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

// ParseSince reads the optional since query parameter.
func ParseSince(r *http.Request) (*time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, nil
	}
	since, err := utils.ParseISO8601(raw)
	if err != nil {
		return nil, err
	}
	return &since, nil
}
