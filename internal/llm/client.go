package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/common/config"
	"github.com/forgehook/forgehook/internal/common/logger"
)

// Provider is one backend dialect client.
type Provider interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// modelAliases maps short model names to the provider's canonical ids.
var modelAliases = map[string]string{
	"claude-sonnet": "claude-sonnet-4-20250514",
	"claude-opus":   "claude-opus-4-20250514",
	"claude-haiku":  "claude-3-5-haiku-20241022",
	"gpt-4o":        "gpt-4o",
	"gpt-4o-mini":   "gpt-4o-mini",
}

// ResolveModel applies model-name aliasing.
func ResolveModel(model string) string {
	if canonical, ok := modelAliases[strings.ToLower(model)]; ok {
		return canonical
	}
	return model
}

// Service routes chat requests to per-provider clients. Every failure is
// converted to a FinishReason=error response; Chat never returns a Go error
// to callers.
type Service struct {
	config config.LLMConfig
	logger *logger.Logger

	mu        sync.Mutex
	providers map[string]Provider
}

// NewService creates the LLM service.
func NewService(cfg config.LLMConfig, log *logger.Logger) *Service {
	return &Service{
		config:    cfg,
		logger:    log,
		providers: make(map[string]Provider),
	}
}

// Chat executes one completion against the requested provider.
func (s *Service) Chat(ctx context.Context, req Request) *Response {
	provider, err := s.provider(req.Provider)
	if err != nil {
		return errorResponse(err.Error())
	}

	req.Model = ResolveModel(req.Model)
	resp, err := provider.Chat(ctx, req)
	if err != nil {
		s.logger.Warn("LLM chat failed",
			zap.String("provider", req.Provider),
			zap.String("model", req.Model),
			zap.Error(err))
		return errorResponse(err.Error())
	}
	return resp
}

// provider returns the cached client for a provider name, building it on
// first use.
func (s *Service) provider(name string) (Provider, error) {
	key := strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[key]; ok {
		return p, nil
	}

	p, err := s.build(key)
	if err != nil {
		return nil, err
	}
	s.providers[key] = p
	return p, nil
}

func (s *Service) build(name string) (Provider, error) {
	timeout := s.config.RequestTimeoutDuration()
	httpClient := &http.Client{Timeout: timeout}

	switch name {
	case "openai":
		if s.config.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY")
		}
		return newOpenAIClient(s.config.OpenAIBaseURL, s.config.OpenAIAPIKey, false, httpClient, s.logger), nil

	case "azure":
		if s.config.AzureOpenAIEndpoint == "" || s.config.AzureOpenAIAPIKey == "" {
			return nil, fmt.Errorf("azure provider requires AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_API_KEY")
		}
		return newOpenAIClient(s.config.AzureOpenAIEndpoint, s.config.AzureOpenAIAPIKey, true, httpClient, s.logger), nil

	case "lmstudio":
		// LM Studio speaks the OpenAI dialect without credentials.
		return newOpenAIClient(s.config.LMStudioURL, "", false, httpClient, s.logger), nil

	case "anthropic":
		if s.config.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY")
		}
		return newAnthropicClient(s.config.AnthropicAPIKey, httpClient, s.logger), nil

	case "ollama":
		return newOllamaClient(s.config.OllamaURL, httpClient, s.logger), nil

	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
