package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiChatter is a Chatter backed by a Gemini model. Each call opens a
// chat session seeded with the transcript and sends the final user turn.
type GeminiChatter struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGeminiChatter(ctx context.Context, apiKey, model string) (*GeminiChatter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiChatter{client: client, model: model, logger: slog.Default()}, nil
}

func (g *GeminiChatter) Close() error {
	return g.client.Close()
}

func (g *GeminiChatter) Chat(ctx context.Context, messages []Message) (string, error) {
	system, history, last, err := splitTranscript(messages)
	if err != nil {
		return "", err
	}

	model := g.client.GenerativeModel(g.model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	cs := model.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", fmt.Errorf("gemini generation: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("no response candidates from gemini")
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonMaxTokens {
		g.logger.Info("answer cut at token limit", "model", g.model)
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String(), nil
}

// splitTranscript separates the system prompt, the prior turns in Gemini
// form and the final user message.
func splitTranscript(messages []Message) (string, []*genai.Content, string, error) {
	if len(messages) == 0 || messages[len(messages)-1].Role != RoleUser {
		return "", nil, "", errors.New("transcript must end with a user message")
	}

	var (
		system  []string
		history []*genai.Content
	)
	for _, m := range messages[:len(messages)-1] {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	return strings.Join(system, "\n\n"), history, messages[len(messages)-1].Content, nil
}
