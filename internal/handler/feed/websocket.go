package feed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	chatHandler "github.com/zhouzirui/chat-community/backend/internal/handler/chat"
	"github.com/zhouzirui/chat-community/backend/internal/model/chat"
	"github.com/zhouzirui/chat-community/backend/pkg/utils"
)

const writeWait = 10 * time.Second

type outgoingMessage struct {
	Type      string       `json:"type"`
	Data      chat.Message `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Send(msg chat.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(outgoingMessage{
		Type:      "message",
		Data:      msg,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s wsSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleWebSocket 通过 WebSocket 推送消息及其实时更新
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	since, err := chatHandler.ParseSince(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid ISO8601 timestamp")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "feed").Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	g, ctx := errgroup.WithContext(r.Context())

	// Inbound frames are ignored; reading keeps control frames flowing and
	// notices when the peer goes away.
	g.Go(func() error {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		defer conn.Close()
		return h.watch(ctx, since, wsSink{conn: conn})
	})

	if err := g.Wait(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug().Err(err).Str("component", "feed").Msg("websocket watcher ended")
	}
}
