package ai

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-community/backend/internal/config"
	"github.com/zhouzirui/chat-community/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chat-community/backend/internal/service/chat"
)

// ErrUpstreamUnavailable reports that the generation endpoint could not be
// reached, answered with a failure status, or timed out.
var ErrUpstreamUnavailable = errors.New("upstream generation endpoint unavailable")

// errGenerationStalled cancels a generation that produced nothing for a whole timeout window.
var errGenerationStalled = errors.New("generation stalled")

const (
	DefaultHistoryLimit = 20
	DefaultAuthor       = "Ollama"
	DefaultPlaceholder  = "正在生成..."
	DefaultTimeout      = 120 * time.Second
)

// Options tunes prompt construction and the placeholder reply.
type Options struct {
	HistoryLimit int
	SystemPrompt string
	Author       string
	Placeholder  string
	// Timeout bounds each wait on the generation endpoint: connecting, the
	// first chunk and every gap between chunks. It is not a cap on the reply.
	Timeout time.Duration
}

// OptionsFromConfig maps the AI configuration onto synthesizer options.
func OptionsFromConfig(cfg config.AIConfig) Options {
	return Options{
		HistoryLimit: cfg.HistoryLimit,
		SystemPrompt: cfg.SystemPrompt,
		Author:       cfg.Author,
		Placeholder:  cfg.Placeholder,
		Timeout:      cfg.Timeout,
	}
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.Author == "" {
		o.Author = DefaultAuthor
	}
	if o.Placeholder == "" {
		o.Placeholder = DefaultPlaceholder
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Synthesizer turns the current history into one streamed responder message.
type Synthesizer struct {
	store     *chatservice.Store
	generator model.BaseChatModel
	opts      Options
	now       func() time.Time
}

// SynthesizerOption customises a Synthesizer.
type SynthesizerOption func(*Synthesizer)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) SynthesizerOption {
	return func(s *Synthesizer) {
		s.now = now
	}
}

// NewSynthesizer creates a Synthesizer writing replies into store.
func NewSynthesizer(store *chatservice.Store, generator model.BaseChatModel, opts Options, extra ...SynthesizerOption) *Synthesizer {
	s := &Synthesizer{
		store:     store,
		generator: generator,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
	for _, opt := range extra {
		opt(s)
	}
	return s
}

// Author returns the display name replies are posted under.
func (s *Synthesizer) Author() string {
	return s.opts.Author
}

// BuildTurns converts the most recent history entries into a role-tagged
// conversation, preceded by the system prompt when one is configured.
func (s *Synthesizer) BuildTurns(history []chat.Message) []*schema.Message {
	if len(history) > s.opts.HistoryLimit {
		history = history[len(history)-s.opts.HistoryLimit:]
	}

	turns := make([]*schema.Message, 0, len(history)+1)
	if s.opts.SystemPrompt != "" {
		turns = append(turns, schema.SystemMessage(s.opts.SystemPrompt))
	}
	for _, msg := range history {
		if msg.Author == s.opts.Author {
			turns = append(turns, schema.AssistantMessage(msg.Content, nil))
		} else {
			turns = append(turns, schema.UserMessage(msg.Content))
		}
	}
	return turns
}

// SynthesizeReply posts a placeholder reply, streams the generation into it
// and finalizes it. On upstream failure the placeholder keeps whatever state
// it last reached and the returned error wraps ErrUpstreamUnavailable.
func (s *Synthesizer) SynthesizeReply(ctx context.Context) (chat.Message, error) {
	turns := s.BuildTurns(s.store.Query(nil))

	placeholder := s.store.Add(chat.NewPlaceholder(s.opts.Author, s.opts.Placeholder, s.now()))
	logger := log.With().Str("component", "synthesizer").Str("message_id", placeholder.ID).Logger()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(s.opts.Timeout, func() { cancel(errGenerationStalled) })
	defer idle.Stop()

	stream, err := s.generator.Stream(ctx, turns)
	if err != nil {
		return placeholder, s.upstreamError(ctx, err)
	}
	defer stream.Close()

	current := placeholder
	var content strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Error().Err(err).Int("received", content.Len()).Msg("generation stream aborted")
			return current, s.upstreamError(ctx, err)
		}
		idle.Reset(s.opts.Timeout)
		if chunk == nil || chunk.Content == "" {
			continue
		}

		content.WriteString(chunk.Content)
		current = s.store.Upsert(current.WithContent(content.String(), s.stamp(current), IsDone(chunk)))
	}

	final := strings.TrimSpace(content.String())
	if final == "" {
		final = placeholder.Content
	}
	current = s.store.Upsert(current.WithContent(final, s.stamp(current), true))

	logger.Info().Int("length", len(final)).Msg("reply finalized")
	return current, nil
}

// stamp returns the current time, never earlier than prev's timestamp.
func (s *Synthesizer) stamp(prev chat.Message) time.Time {
	now := s.now().UTC()
	if now.Before(prev.Timestamp) {
		return prev.Timestamp
	}
	return now
}

// upstreamError marks err as an upstream failure, naming the stall when the
// idle watchdog is what cancelled the generation.
func (s *Synthesizer) upstreamError(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errGenerationStalled) {
		return errors.Wrapf(ErrUpstreamUnavailable, "no output within %s: %v", s.opts.Timeout, err)
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	return errors.Wrap(ErrUpstreamUnavailable, err.Error())
}
