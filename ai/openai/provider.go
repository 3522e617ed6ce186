// Package openai implements the chat.Agent contract over any
// OpenAI-compatible completion API.
package openai

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/switchboard/ai/modes"
	"github.com/hrygo/switchboard/chat"
)

// Config configures the provider. APIKey and Model are required; BaseURL
// switches to any OpenAI-compatible endpoint.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32

	// StreamTimeout caps one full streamed completion. Zero keeps the
	// default of five minutes.
	StreamTimeout time.Duration
}

// Provider builds agents over one shared API client. The client's
// connection pool is shared by every chat.
type Provider struct {
	client  *openai.Client
	cfg     Config
	library *modes.Library
	logger  *slog.Logger
}

// NewProvider validates cfg and constructs the shared client.
func NewProvider(cfg Config, library *modes.Library, logger *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	return &Provider{
		client:  openai.NewClientWithConfig(clientConfig),
		cfg:     cfg,
		library: library,
		logger:  logger,
	}, nil
}

// Factory adapts the provider to the chat.AgentFactory contract.
func (p *Provider) Factory() chat.AgentFactory {
	return func(chatID, mode string) (chat.Agent, error) {
		return p.newAgent(chatID, mode), nil
	}
}

func (p *Provider) newAgent(chatID, mode string) *Agent {
	system := ""
	if p.library != nil {
		system = p.library.Template(mode)
	}
	return &Agent{
		provider: p,
		chatID:   chatID,
		mode:     mode,
		system:   system,
		logger:   p.logger.With("chat", chatID, "mode", mode),
	}
}

// newHTTPClient tunes the shared transport. No overall client timeout:
// streamed completions outlive any fixed budget, so the per-call context
// is the deadline.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
