package ai

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/chat-community/backend/internal/config"
)

// NewGenerator builds the chat model selected by cfg.Provider.
func NewGenerator(ctx context.Context, cfg config.AIConfig) (model.BaseChatModel, error) {
	switch cfg.Provider {
	case config.ProviderArk:
		return cfg.NewArkChatModel(ctx)
	case config.ProviderOllama, "":
		return NewOllamaChatModel(cfg.BaseURL, cfg.Model, newOllamaHTTPClient(cfg.Timeout)), nil
	default:
		return nil, fmt.Errorf("unsupported AI provider %q", cfg.Provider)
	}
}

// newOllamaHTTPClient bounds connecting and waiting for response headers.
// Reading the streamed body is left to the caller's idle watchdog.
func newOllamaHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}
