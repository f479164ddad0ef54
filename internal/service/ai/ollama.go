package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxChunkLine = 1 << 20

// OllamaChatModel talks to the Ollama /api/chat endpoint.
type OllamaChatModel struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaChatModel creates a client for the Ollama server at baseURL.
// A nil client falls back to http.DefaultClient. Callers bound waits through
// the request context.
func NewOllamaChatModel(baseURL, modelName string, client *http.Client) *OllamaChatModel {
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaChatModel{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  client,
	}
}

var _ model.BaseChatModel = (*OllamaChatModel)(nil)

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string             `json:"model"`
	Messages []ollamaMessage    `json:"messages"`
	Stream   bool               `json:"stream"`
	Options  map[string]float32 `json:"options,omitempty"`
}

// ollamaChunk is one line of the streamed /api/chat response.
type ollamaChunk struct {
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason"`
	Error      string        `json:"error"`
}

// Generate runs a streaming request and concatenates the chunks.
func (m *OllamaChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	stream, err := m.Stream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 16)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	return schema.ConcatMessages(chunks)
}

// Stream posts the conversation and returns the response as a lazily parsed
// chunk sequence. Lines that are not valid JSON are logged and skipped.
// Connection failures, non-2xx statuses and read errors wrap ErrUpstreamUnavailable.
func (m *OllamaChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	options := model.GetCommonOptions(&model.Options{Model: &m.model}, opts...)

	payload := ollamaRequest{
		Model:    *options.Model,
		Messages: make([]ollamaMessage, 0, len(input)),
		Stream:   true,
	}
	for _, msg := range input {
		payload.Messages = append(payload.Messages, ollamaMessage{Role: string(msg.Role), Content: msg.Content})
	}
	if options.Temperature != nil {
		payload.Options = map[string]float32{"temperature": *options.Temperature}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode ollama request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build ollama request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrUpstreamUnavailable, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, errors.Wrapf(ErrUpstreamUnavailable, "ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	reader, writer := schema.Pipe[*schema.Message](8)
	go m.pump(resp.Body, writer)
	return reader, nil
}

func (m *OllamaChatModel) pump(body io.ReadCloser, writer *schema.StreamWriter[*schema.Message]) {
	defer body.Close()
	defer writer.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			log.Warn().Err(err).Str("component", "ollama").Str("line", string(line)).Msg("failed to parse ollama chunk")
			continue
		}
		if chunk.Error != "" {
			writer.Send(nil, errors.Wrapf(ErrUpstreamUnavailable, "ollama: %s", chunk.Error))
			return
		}

		if closed := writer.Send(toSchemaMessage(chunk), nil); closed {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		writer.Send(nil, errors.Wrapf(ErrUpstreamUnavailable, "read ollama stream: %v", err))
	}
}

func toSchemaMessage(chunk ollamaChunk) *schema.Message {
	msg := &schema.Message{
		Role:    schema.Assistant,
		Content: chunk.Message.Content,
	}
	if chunk.Done {
		reason := chunk.DoneReason
		if reason == "" {
			reason = "stop"
		}
		msg.ResponseMeta = &schema.ResponseMeta{FinishReason: reason}
	}
	return msg
}

// IsDone reports whether a streamed chunk carries the completion flag.
func IsDone(chunk *schema.Message) bool {
	return chunk != nil && chunk.ResponseMeta != nil && chunk.ResponseMeta.FinishReason != ""
}
