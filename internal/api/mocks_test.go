package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/kalambet/tripseed/internal/jobs"
	"github.com/kalambet/tripseed/internal/query"
	"github.com/kalambet/tripseed/internal/storage"
)

const testToken = "test-token-12345"

// mockEngine serves both Executor and Extractor and records the last calls.
type mockEngine struct {
	mu          sync.Mutex
	result      query.Result
	extracted   json.RawMessage
	err         error
	lastRequest query.Request
	lastPrompt  string
	lastCache   bool
}

func (m *mockEngine) Execute(_ context.Context, req query.Request) (query.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRequest = req
	return m.result, m.err
}

func (m *mockEngine) Extract(_ context.Context, prompt string, useCache bool) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrompt = prompt
	m.lastCache = useCache
	return m.extracted, m.err
}

type mockJobs struct {
	summary jobs.Summary
	err     error
	ran     string
}

func (m *mockJobs) Run(_ context.Context, name string) (jobs.Summary, error) {
	m.ran = name
	return m.summary, m.err
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestDeps(t *testing.T) (Deps, *mockEngine, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	eng := &mockEngine{}
	return Deps{
		Executor:  eng,
		Extractor: eng,
		Errors:    store,
		Jobs:      &mockJobs{},
	}, eng, store
}

func seedErrors(t *testing.T, store *storage.Store, prompts ...string) {
	t.Helper()
	for _, p := range prompts {
		if err := store.AppendError(context.Background(), storage.ErrorRecord{Prompt: p, RawAnswer: "[{broken", ErrorMessage: "unexpected end of JSON input"}); err != nil {
			t.Fatalf("AppendError: %v", err)
		}
	}
}
