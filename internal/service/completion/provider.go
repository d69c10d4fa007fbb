package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"jarvis/internal/config"
)

// NewChatModel builds the eino chat model for the configured provider.
// "openai" covers every OpenAI-compatible endpoint, Groq included.
func NewChatModel(ctx context.Context, cfg config.ProviderConfig, apiKey string, maxTokens int) (model.BaseChatModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required for provider %s", cfg.Name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model required for provider %s", cfg.Name)
	}

	switch strings.ToLower(cfg.Name) {
	case "", "openai", "groq":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  apiKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai chat model: %w", err)
		}
		return chatModel, nil
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: apiKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini chat model: %w", err)
		}
		return chatModel, nil
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("init claude chat model: %w", err)
		}
		return chatModel, nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Name)
	}
}
