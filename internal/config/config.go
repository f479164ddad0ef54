package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	ProviderOllama = "ollama"
	ProviderArk    = "ark"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	AI     AIConfig
	Log    LogConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// StoreConfig bounds the in-memory history.
type StoreConfig struct {
	Limit int
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string
	Format string
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider     string
	BaseURL      string
	Model        string
	HistoryLimit int
	SystemPrompt string
	Author       string
	Placeholder  string
	Timeout      time.Duration

	ArkAPIKey    string
	ArkAccessKey string
	ArkSecretKey string
	ArkModel     string
	ArkBaseURL   string
	ArkRegion    string
}

// raw mirrors the flat environment keys; viper decodes into it.
type raw struct {
	Port               string  `mapstructure:"port"`
	MessageLimit       int     `mapstructure:"message_limit"`
	AIProvider         string  `mapstructure:"ai_provider"`
	OllamaBaseURL      string  `mapstructure:"ollama_base_url"`
	OllamaModel        string  `mapstructure:"ollama_model"`
	OllamaHistoryLimit int     `mapstructure:"ollama_history_limit"`
	OllamaSystemPrompt string  `mapstructure:"ollama_system_prompt"`
	OllamaAuthor       string  `mapstructure:"ollama_author"`
	OllamaTimeout      float64 `mapstructure:"ollama_timeout"`
	OllamaPlaceholder  string  `mapstructure:"ollama_placeholder"`
	ArkAPIKey          string  `mapstructure:"ark_api_key"`
	ArkAccessKey       string  `mapstructure:"ark_access_key"`
	ArkSecretKey       string  `mapstructure:"ark_secret_key"`
	ArkModel           string  `mapstructure:"ark_model"`
	ArkBaseURL         string  `mapstructure:"ark_base_url"`
	ArkRegion          string  `mapstructure:"ark_region"`
	LogLevel           string  `mapstructure:"log_level"`
	LogFormat          string  `mapstructure:"log_format"`
}

var defaults = map[string]any{
	"port":                 "8080",
	"message_limit":        500,
	"ai_provider":          ProviderOllama,
	"ollama_base_url":      "http://localhost:11434",
	"ollama_model":         "deepseek-r1:8b",
	"ollama_history_limit": 20,
	"ollama_system_prompt": "You are ChatCommunity, a concise helpful AI chatting with users inside an iOS demo app.",
	"ollama_author":        "Ollama",
	"ollama_timeout":       120.0,
	"ollama_placeholder":   "正在生成...",
	"ark_api_key":          "",
	"ark_access_key":       "",
	"ark_secret_key":       "",
	"ark_model":            "",
	"ark_base_url":         "https://ark.cn-beijing.volces.com/api/v3",
	"ark_region":           "cn-beijing",
	"log_level":            "info",
	"log_format":           "console",
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	v := viper.New()
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var r raw
	if err := v.Unmarshal(&r); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}

	server, err := loadServerConfig(r.Port)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig(r)
	if err != nil {
		return nil, err
	}

	limit := r.MessageLimit
	if limit <= 0 {
		limit = defaults["message_limit"].(int)
	}

	return &Config{
		Server: server,
		Store:  StoreConfig{Limit: limit},
		AI:     ai,
		Log: LogConfig{
			Level:  orDefault(r.LogLevel, "log_level"),
			Format: orDefault(r.LogFormat, "log_format"),
		},
	}, nil
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(port string) (ServerConfig, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadAIConfig(r raw) (AIConfig, error) {
	provider := strings.ToLower(strings.TrimSpace(r.AIProvider))
	if provider == "" {
		provider = ProviderOllama
	}
	if provider != ProviderOllama && provider != ProviderArk {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", r.AIProvider)
	}

	if r.OllamaTimeout < 0 {
		return AIConfig{}, fmt.Errorf("invalid OLLAMA_TIMEOUT value %v", r.OllamaTimeout)
	}
	timeout := time.Duration(r.OllamaTimeout * float64(time.Second))
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	historyLimit := r.OllamaHistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaults["ollama_history_limit"].(int)
	}

	return AIConfig{
		Provider:     provider,
		BaseURL:      strings.TrimRight(orDefault(r.OllamaBaseURL, "ollama_base_url"), "/"),
		Model:        orDefault(r.OllamaModel, "ollama_model"),
		HistoryLimit: historyLimit,
		SystemPrompt: strings.TrimSpace(r.OllamaSystemPrompt),
		Author:       orDefault(r.OllamaAuthor, "ollama_author"),
		Placeholder:  orDefault(r.OllamaPlaceholder, "ollama_placeholder"),
		Timeout:      timeout,
		ArkAPIKey:    strings.TrimSpace(r.ArkAPIKey),
		ArkAccessKey: strings.TrimSpace(r.ArkAccessKey),
		ArkSecretKey: strings.TrimSpace(r.ArkSecretKey),
		ArkModel:     strings.TrimSpace(r.ArkModel),
		ArkBaseURL:   orDefault(r.ArkBaseURL, "ark_base_url"),
		ArkRegion:    orDefault(r.ArkRegion, "ark_region"),
	}, nil
}

// ArkEnabled 表示是否提供了 Ark 必需的密钥。
func (c AIConfig) ArkEnabled() bool {
	return c.ArkModel != "" && (c.ArkAPIKey != "" || (c.ArkAccessKey != "" && c.ArkSecretKey != ""))
}

// NewArkChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewArkChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.ArkEnabled() {
		return nil, errors.New("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:   c.ArkBaseURL,
		Region:    c.ArkRegion,
		APIKey:    c.ArkAPIKey,
		AccessKey: c.ArkAccessKey,
		SecretKey: c.ArkSecretKey,
		Model:     c.ArkModel,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create ark chat model")
	}
	return chatModel, nil
}

func orDefault(value, key string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return defaults[key].(string)
}
