package feed

import (
	"net/http"

	"github.com/rs/zerolog/log"

	chatHandler "github.com/zhouzirui/chat-community/backend/internal/handler/chat"
	"github.com/zhouzirui/chat-community/backend/internal/model/chat"
	"github.com/zhouzirui/chat-community/backend/pkg/utils"
)

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s sseSink) Send(msg chat.Message) error {
	return utils.SendSSEEvent(s.w, s.flusher, "message", msg)
}

func (s sseSink) Ping() error {
	return utils.SendSSEComment(s.w, s.flusher, "heartbeat")
}

// handleSSE 以 Server-Sent Events 推送消息及其实时更新
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	since, err := chatHandler.ParseSince(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid ISO8601 timestamp")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Debug().Str("component", "feed").Str("remote", r.RemoteAddr).Msg("sse watcher connected")
	if err := h.watch(r.Context(), since, sseSink{w: w, flusher: flusher}); err != nil {
		log.Debug().Err(err).Str("component", "feed").Msg("sse watcher ended")
	}
}
