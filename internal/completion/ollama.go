package completion

import (
	"context"
	"log/slog"

	"github.com/kalambet/tripseed/internal/ollama"
)

// OllamaChatter is a Chatter backed by a local Ollama model.
type OllamaChatter struct {
	client *ollama.Client
	model  string
	logger *slog.Logger
}

func NewOllamaChatter(client *ollama.Client, model string) *OllamaChatter {
	return &OllamaChatter{client: client, model: model, logger: slog.Default()}
}

func (o *OllamaChatter) Chat(ctx context.Context, messages []Message) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	reply, err := o.client.Chat(ctx, o.model, msgs, ollama.ChatOptions{})
	if err != nil {
		return "", err
	}
	if reply.DoneReason == "length" {
		o.logger.Info("answer cut at token limit", "model", o.model, "chars", len(reply.Content))
	}
	return reply.Content, nil
}
