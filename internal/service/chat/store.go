package chat

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-community/backend/internal/model/chat"
)

const (
	// DefaultLimit is the history capacity used when none is configured.
	DefaultLimit = 500

	// TopicMessages carries every added or updated message as JSON.
	TopicMessages = "message.updated"

	// MetadataVersion holds the store version a change event was written at.
	MetadataVersion = "version"
)

// Store is a capacity-bounded message history addressed by message ID.
// Entries live in a ring buffer; once full, appending overwrites the oldest.
type Store struct {
	mu    sync.RWMutex
	items []chat.Message
	head  int
	size  int
	// version counts writes; each Add/Upsert gets the next value.
	version uint64

	publisher message.Publisher
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithPublisher publishes every Add/Upsert result on TopicMessages.
func WithPublisher(p message.Publisher) StoreOption {
	return func(s *Store) {
		s.publisher = p
	}
}

// NewStore creates an empty store holding at most limit messages.
func NewStore(limit int, opts ...StoreOption) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s := &Store{items: make([]chat.Message, limit)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limit reports the store capacity.
func (s *Store) Limit() int {
	return len(s.items)
}

// Len reports how many messages are retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Add appends msg, evicting the oldest entry when the store is full.
func (s *Store) Add(msg chat.Message) chat.Message {
	s.mu.Lock()
	s.appendLocked(msg)
	s.version++
	version := s.version
	s.mu.Unlock()

	s.publish(msg, version)
	return msg
}

// Upsert replaces the entry sharing msg.ID in place, or appends msg when absent.
func (s *Store) Upsert(msg chat.Message) chat.Message {
	s.mu.Lock()
	if idx, ok := s.indexLocked(msg.ID); ok {
		s.items[idx] = msg
	} else {
		s.appendLocked(msg)
	}
	s.version++
	version := s.version
	s.mu.Unlock()

	s.publish(msg, version)
	return msg
}

// Query returns a copy of the retained messages in store order. With a non-nil
// since only messages stamped strictly after it are included.
func (s *Store) Query(since *time.Time) []chat.Message {
	out, _ := s.Snapshot(since)
	return out
}

// Snapshot is Query plus the store version the copy reflects. Change events
// at or below that version are already contained in the copy.
func (s *Store) Snapshot(since *time.Time) ([]chat.Message, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Message, 0, s.size)
	for i := 0; i < s.size; i++ {
		msg := s.items[s.slot(i)]
		if since != nil && !msg.Timestamp.After(*since) {
			continue
		}
		out = append(out, msg)
	}
	return out, s.version
}

func (s *Store) appendLocked(msg chat.Message) {
	if s.size == len(s.items) {
		s.items[s.head] = msg
		s.head = (s.head + 1) % len(s.items)
		return
	}
	s.items[s.slot(s.size)] = msg
	s.size++
}

func (s *Store) indexLocked(id string) (int, bool) {
	for i := 0; i < s.size; i++ {
		idx := s.slot(i)
		if s.items[idx].ID == id {
			return idx, true
		}
	}
	return 0, false
}

// slot maps a logical position (0 = oldest) onto the backing array.
func (s *Store) slot(i int) int {
	return (s.head + i) % len(s.items)
}

func (s *Store) publish(msg chat.Message, version uint64) {
	if s.publisher == nil {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("component", "store").Str("message_id", msg.ID).Msg("failed to encode change event")
		return
	}

	evt := message.NewMessage(msg.ID, payload)
	evt.Metadata.Set(MetadataVersion, strconv.FormatUint(version, 10))
	if err := s.publisher.Publish(TopicMessages, evt); err != nil {
		log.Warn().Err(err).Str("component", "store").Str("message_id", msg.ID).Msg("failed to publish change event")
	}
}

// EventVersion reads the store version carried by a change event.
func EventVersion(evt *message.Message) (uint64, bool) {
	v, err := strconv.ParseUint(evt.Metadata.Get(MetadataVersion), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Seed adds the welcome message when the store starts out empty.
func Seed(s *Store, now time.Time) {
	if s.Len() > 0 {
		return
	}
	s.Add(chat.NewUserMessage("System", "Welcome to ChatCommunity backend!", now))
}
