package completion

import (
	"context"
	"fmt"

	"github.com/kalambet/tripseed/internal/config"
	"github.com/kalambet/tripseed/internal/ollama"
)

// New builds the ChatService for the provider named in cfg.
func New(ctx context.Context, cfg config.Config) (*ChatService, error) {
	var chatter Chatter
	switch cfg.Completion.Provider {
	case config.ProviderOpenAI:
		chatter = NewOpenAIClient(cfg.Completion.APIKey, cfg.Completion.BaseURL, cfg.Completion.Model)
	case config.ProviderOllama:
		chatter = NewOllamaChatter(ollama.New(cfg.Ollama.BaseURL), cfg.Ollama.Model)
	case config.ProviderGemini:
		g, err := NewGeminiChatter(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, err
		}
		chatter = g
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Completion.Provider)
	}
	return NewChatService(chatter, cfg.Completion.SystemPrompt, cfg.Completion.MaxConversations), nil
}
