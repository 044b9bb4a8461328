//go:build integration

package completion

import (
	"context"
	"os"
	"testing"

	"github.com/kalambet/tripseed/internal/ollama"
)

func TestGeminiChatter_RealAPI(t *testing.T) {
	key := os.Getenv("TRIPSEED_GEMINI_API_KEY")
	if key == "" {
		t.Skip("TRIPSEED_GEMINI_API_KEY not set, skipping integration test")
	}

	g, err := NewGeminiChatter(context.Background(), key, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("NewGeminiChatter: %v", err)
	}
	defer g.Close()

	svc := NewChatService(g, "Answer with JSON only.", 4)
	ans, err := svc.Complete(context.Background(), "Return a JSON array with the names of 3 cities in Peru.", "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ans.Text == "" {
		t.Error("empty answer")
	}
	t.Logf("answer: %s", ans.Text)
}

func TestOllamaChatter_RealServer(t *testing.T) {
	svc := NewChatService(NewOllamaChatter(ollamaFromEnv(t), "llama3.1"), "", 4)
	ans, err := svc.Complete(context.Background(), "Say hello in one word.", "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	t.Logf("answer: %s", ans.Text)
}

func ollamaFromEnv(t *testing.T) *ollama.Client {
	t.Helper()
	url := os.Getenv("TRIPSEED_OLLAMA_BASE_URL")
	if url == "" {
		url = "http://localhost:11434"
	}
	c := ollama.New(url)
	if !c.IsRunning(context.Background()) {
		t.Skip("Ollama is not running, skipping integration test")
	}
	if !c.HasModel(context.Background(), "llama3.1") {
		t.Skip("llama3.1 model not available, skipping integration test")
	}
	return c
}
