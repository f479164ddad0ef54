package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-community/backend/internal/model/chat"
	chatService "github.com/zhouzirui/chat-community/backend/internal/service/chat"
)

const (
	defaultHeartbeat = 15 * time.Second
	maxTracked       = 4096
)

// sink is one connected watcher.
type sink interface {
	Send(msg chat.Message) error
	Ping() error
}

// Handler streams the message history and its live changes to watchers.
type Handler struct {
	chatSvc    *chatService.Service
	subscriber message.Subscriber
	heartbeat  time.Duration
	upgrader   websocket.Upgrader
}

// New creates a feed handler reading change events from subscriber.
func New(chatSvc *chatService.Service, subscriber message.Subscriber) *Handler {
	return &Handler{
		chatSvc:    chatSvc,
		subscriber: subscriber,
		heartbeat:  defaultHeartbeat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the SSE and websocket feeds.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/messages/stream", h.handleSSE)
	r.Get("/ws", h.handleWebSocket)
}

// watch sends every stored message newer than since, then each change event,
// until ctx ends or the sink fails. Subscribing happens before the backlog is
// read so no change falls between the two.
func (h *Handler) watch(ctx context.Context, since *time.Time, out sink) error {
	events, err := h.subscriber.Subscribe(ctx, chatService.TopicMessages)
	if err != nil {
		return errors.Wrap(err, "subscribe to message feed")
	}

	backlog, version := h.chatSvc.Snapshot(ctx, since)
	seen := newCursor(version)
	for _, msg := range backlog {
		if err := out.Send(msg); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := out.Ping(); err != nil {
				return err
			}
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			msg, version, err := decodeEvent(evt)
			evt.Ack()
			if err != nil {
				log.Warn().Err(err).Str("component", "feed").Msg("dropping undecodable change event")
				continue
			}
			if !seen.advance(msg.ID, version) {
				continue
			}
			if len(seen.latest) > maxTracked {
				seen.retain(h.chatSvc.Store().Query(nil))
			}
			if err := out.Send(msg); err != nil {
				return err
			}
		}
	}
}

func decodeEvent(evt *message.Message) (chat.Message, uint64, error) {
	var msg chat.Message
	if err := json.Unmarshal(evt.Payload, &msg); err != nil {
		return chat.Message{}, 0, errors.Wrap(err, "decode change event")
	}
	version, ok := chatService.EventVersion(evt)
	if !ok {
		return chat.Message{}, 0, errors.Errorf("change event %s has no version", evt.UUID)
	}
	return msg, version, nil
}

// cursor remembers the newest store version delivered per message so stale or
// duplicate events are skipped; the pub/sub does not order deliveries.
// Events at or below base are already part of the backlog.
type cursor struct {
	base   uint64
	latest map[string]uint64
}

func newCursor(base uint64) *cursor {
	return &cursor{base: base, latest: make(map[string]uint64)}
}

func (c *cursor) advance(id string, version uint64) bool {
	if version <= c.base {
		return false
	}
	if prev, ok := c.latest[id]; ok && version <= prev {
		return false
	}
	c.latest[id] = version
	return true
}

// retain forgets messages no longer held by the store.
func (c *cursor) retain(live []chat.Message) {
	keep := make(map[string]uint64, len(live))
	for _, msg := range live {
		if prev, ok := c.latest[msg.ID]; ok {
			keep[msg.ID] = prev
		}
	}
	c.latest = keep
}
