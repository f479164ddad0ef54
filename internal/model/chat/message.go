package chat

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	MaxAuthorLength  = 64
	MaxContentLength = 2000
)

// ErrInvalidMessage marks a submission that failed field validation.
var ErrInvalidMessage = errors.New("invalid message")

// Message is one entry of the shared chat history. Values are treated as
// immutable; use the With* helpers to derive an updated copy.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Complete  bool      `json:"complete"`
}

// NewUserMessage builds a finished message sent by a human author.
func NewUserMessage(author, content string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Author:    author,
		Content:   content,
		Timestamp: now.UTC(),
		Complete:  true,
	}
}

// NewPlaceholder builds the in-progress reply shown while the responder is generating.
func NewPlaceholder(author, text string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Author:    author,
		Content:   text,
		Timestamp: now.UTC(),
		Complete:  false,
	}
}

// WithContent returns a copy carrying new content, timestamp and completion state.
func (m Message) WithContent(content string, at time.Time, complete bool) Message {
	m.Content = content
	m.Timestamp = at.UTC()
	m.Complete = complete
	return m
}

// SubmitRequest is the payload accepted when a client posts a message.
type SubmitRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// Validate enforces the author/content length bounds.
func (r SubmitRequest) Validate() error {
	if err := checkLength("author", r.Author, MaxAuthorLength); err != nil {
		return err
	}
	return checkLength("content", r.Content, MaxContentLength)
}

func checkLength(field, value string, max int) error {
	n := utf8.RuneCountInString(value)
	if n < 1 || n > max {
		return errors.Wrap(ErrInvalidMessage, fmt.Sprintf("%s must be between 1 and %d characters", field, max))
	}
	return nil
}
