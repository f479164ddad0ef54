package feed

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chat-community/backend/internal/model/chat"
	chatService "github.com/zhouzirui/chat-community/backend/internal/service/chat"
)

// capturePublisher keeps the raw change events in publish order.
type capturePublisher struct {
	events []*message.Message
}

func (p *capturePublisher) Publish(_ string, msgs ...*message.Message) error {
	p.events = append(p.events, msgs...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func TestCursorDropsOlderVersionWithSameTimestamp(t *testing.T) {
	pub := &capturePublisher{}
	store := chatService.NewStore(10, chatService.WithPublisher(pub))

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	placeholder := store.Add(chat.NewPlaceholder("Ollama", "...", at))
	store.Upsert(placeholder.WithContent("Hel", at, false))
	store.Upsert(placeholder.WithContent("Hello", at, false))
	require.Len(t, pub.events, 3)

	seen := newCursor(0)
	var delivered []string
	// Delivery order differs from publish order.
	for _, evt := range []*message.Message{pub.events[0], pub.events[2], pub.events[1]} {
		msg, version, err := decodeEvent(evt)
		require.NoError(t, err)
		if seen.advance(msg.ID, version) {
			delivered = append(delivered, msg.Content)
		}
	}
	assert.Equal(t, []string{"...", "Hello"}, delivered)
}

func TestCursorSkipsEventsCoveredByBacklog(t *testing.T) {
	pub := &capturePublisher{}
	store := chatService.NewStore(10, chatService.WithPublisher(pub))

	msg := store.Add(chat.NewUserMessage("alice", "hi", time.Now()))
	_, version := store.Snapshot(nil)
	store.Upsert(msg.WithContent("hi again", time.Now(), true))

	seen := newCursor(version)
	first, v1, err := decodeEvent(pub.events[0])
	require.NoError(t, err)
	assert.False(t, seen.advance(first.ID, v1))

	second, v2, err := decodeEvent(pub.events[1])
	require.NoError(t, err)
	assert.True(t, seen.advance(second.ID, v2))
	assert.False(t, seen.advance(second.ID, v2))
}

func TestDecodeEventRequiresVersion(t *testing.T) {
	_, _, err := decodeEvent(message.NewMessage("x", []byte(`{"id":"a"}`)))
	assert.Error(t, err)
}

func TestCursorRetainForgetsEvicted(t *testing.T) {
	seen := newCursor(0)
	seen.advance("a", 1)
	seen.advance("b", 2)

	seen.retain([]chat.Message{{ID: "b"}})
	assert.Equal(t, map[string]uint64{"b": 2}, seen.latest)
}
