package chat

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-community/backend/internal/model/chat"
)

// Replier produces the responder's answer to the current history.
type Replier interface {
	SynthesizeReply(ctx context.Context) (chat.Message, error)
}

// SubmitResult reports the two independent outcomes of a submission: the
// committed user message and, when synthesis succeeded, the finished reply.
type SubmitResult struct {
	Message chat.Message
	Reply   *chat.Message
}

// Service coordinates user submissions against the shared store.
type Service struct {
	store   *Store
	replier Replier
	now     func() time.Time
}

// NewService wires the store with the reply producer. replier may be nil, in
// which case messages are stored without triggering a reply.
func NewService(store *Store, replier Replier) *Service {
	return &Service{
		store:   store,
		replier: replier,
		now:     time.Now,
	}
}

// Store exposes the underlying message store.
func (s *Service) Store() *Store {
	return s.store
}

// Submit validates and commits a user message, then runs reply synthesis.
// When synthesis fails the user message stays committed; the returned result
// still carries it alongside the error.
func (s *Service) Submit(ctx context.Context, req chat.SubmitRequest) (SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return SubmitResult{}, err
	}

	msg := s.store.Add(chat.NewUserMessage(req.Author, req.Content, s.now()))
	result := SubmitResult{Message: msg}

	if s.replier == nil {
		return result, nil
	}

	reply, err := s.replier.SynthesizeReply(ctx)
	if err != nil {
		log.Error().Err(err).Str("component", "chat").Str("message_id", msg.ID).Msg("reply synthesis failed")
		return result, errors.Wrap(err, "synthesize reply")
	}
	result.Reply = &reply
	return result, nil
}

// List returns messages newer than since (all when nil), oldest first.
func (s *Service) List(ctx context.Context, since *time.Time) []chat.Message {
	messages, _ := s.Snapshot(ctx, since)
	return messages
}

// Snapshot is List plus the store version the result reflects.
func (s *Service) Snapshot(_ context.Context, since *time.Time) ([]chat.Message, uint64) {
	messages, version := s.store.Snapshot(since)
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, version
}
