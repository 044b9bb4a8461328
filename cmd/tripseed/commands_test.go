package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/tripseed/internal/completion"
	"github.com/kalambet/tripseed/internal/config"
	"github.com/kalambet/tripseed/internal/storage"
)

// scriptedCompleter returns its replies in order; handles are "h1", "h2", ...
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (s *scriptedCompleter) Complete(_ context.Context, prompt, _ string) (completion.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.replies) == 0 {
		return completion.Answer{}, errors.New("scripted completer exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return completion.Answer{Text: r, Handle: fmt.Sprintf("h%d", len(s.prompts))}, nil
}

// keepOpen lets several commands share one in-memory store.
type keepOpen struct {
	*storage.Store
}

func (keepOpen) Close() error { return nil }

func testConfig() config.Config {
	var cfg config.Config
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Jobs.Concurrency = 2
	cfg.Jobs.UseCache = true
	return cfg
}

// useTestApp points every command at an in-memory store and a scripted
// completer.
func useTestApp(t *testing.T, replies ...string) (*storage.Store, *scriptedCompleter) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	comp := &scriptedCompleter{replies: replies}

	old := loadApp
	loadApp = func(context.Context) (*app, error) {
		return newApp(testConfig(), keepOpen{store}, store, comp), nil
	}
	t.Cleanup(func() {
		loadApp = old
		store.Close()
	})
	return store, comp
}

// captureFeedback collects uncolored progress output for the test.
func captureFeedback(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	oldW, oldColor := feedback, noColor
	feedback, noColor = &buf, true
	t.Cleanup(func() { feedback, noColor = oldW, oldColor })
	return &buf
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestQueryCommand(t *testing.T) {
	store, comp := useTestApp(t, "Peru is a great destination.")

	out, err := execute(t, "query", "--no-cache=false", "describe", "Peru")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "Peru is a great destination." {
		t.Errorf("output = %q", out)
	}
	if len(comp.prompts) != 1 || comp.prompts[0] != "describe Peru" {
		t.Errorf("prompts = %v, want args joined", comp.prompts)
	}
	if n, _ := store.CountCache(context.Background()); n != 1 {
		t.Errorf("cache size = %d, want 1", n)
	}

	// Second run is served from the cache without calling the completer.
	out, err = execute(t, "query", "--no-cache=false", "describe", "Peru")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "Peru is a great destination." || len(comp.prompts) != 1 {
		t.Errorf("cached run: output %q, completer calls %d", out, len(comp.prompts))
	}
}

func TestQueryCommand_NoCache(t *testing.T) {
	store, _ := useTestApp(t, "fresh")

	if _, err := execute(t, "query", "--no-cache=true", "p"); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.CountCache(context.Background()); n != 0 {
		t.Errorf("cache size = %d, want 0 with --no-cache", n)
	}
}

func TestExtractCommand_FollowsContinuation(t *testing.T) {
	_, comp := useTestApp(t, `[{"a": 1}, {"b": 2`, `}]`)

	out, err := execute(t, "extract", "--no-cache=false", "list", "things")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"a": 1`) || !strings.Contains(out, `"b": 2`) {
		t.Errorf("output = %s", out)
	}
	if len(comp.prompts) != 2 || comp.prompts[1] != "continue" {
		t.Errorf("prompts = %v, want a continuation turn", comp.prompts)
	}
}

func TestRunCommand_Countries(t *testing.T) {
	store, _ := useTestApp(t, `["Peru", "Chile"]`)
	fb := captureFeedback(t)

	if _, err := execute(t, "run", "countries"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(fb.String(), "Processed: 1") {
		t.Errorf("feedback = %q, want the job summary", fb.String())
	}
	places, err := store.ListPlaces(context.Background(), storage.KindCountry)
	if err != nil {
		t.Fatal(err)
	}
	if len(places) != 2 {
		t.Errorf("countries = %+v, want 2", places)
	}

	out, err := execute(t, "places", "list", "--json=false", "country")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Chile") || !strings.Contains(out, "Peru") {
		t.Errorf("places output = %q", out)
	}
}

func TestRunCommand_UnknownJob(t *testing.T) {
	useTestApp(t)

	_, err := execute(t, "run", "nope")
	if err == nil || !strings.Contains(err.Error(), "unknown job") {
		t.Errorf("err = %v, want unknown job", err)
	}
}

func TestPlacesCommand_BadKind(t *testing.T) {
	useTestApp(t)

	if _, err := execute(t, "places", "list", "planet"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestJobsListCommand(t *testing.T) {
	out, err := execute(t, "jobs", "list")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"countries", "cities", "description", "activities", "best-months", "budget", "temperature"} {
		if !strings.Contains(out, name) {
			t.Errorf("jobs list missing %s:\n%s", name, out)
		}
	}
}

func TestErrorsListCommand(t *testing.T) {
	store, _ := useTestApp(t)
	err := store.AppendError(context.Background(), storage.ErrorRecord{
		Prompt: "best cities in Peru", RawAnswer: "[{broken", ErrorMessage: "unexpected end of JSON input",
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "errors", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "best cities in Peru") || !strings.Contains(out, "unexpected end of JSON input") {
		t.Errorf("output = %q", out)
	}
}

func TestCacheCommands(t *testing.T) {
	store, _ := useTestApp(t)
	ctx := context.Background()
	if err := store.InsertCacheIfAbsent(ctx, storage.CacheEntry{Prompt: "describe Peru", Result: "text"}); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "cache", "stats")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "1 cached answers") {
		t.Errorf("stats = %q", out)
	}

	if _, err := execute(t, "cache", "forget", "describe", "Peru"); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.CountCache(ctx); n != 0 {
		t.Errorf("cache size = %d after forget", n)
	}

	// Forgetting a missing prompt is not an error.
	if _, err := execute(t, "cache", "forget", "describe", "Peru"); err != nil {
		t.Errorf("forget missing: %v", err)
	}
}

func TestAppRunner_NeedsPlaces(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	a := newApp(testConfig(), keepOpen{store}, nil, &scriptedCompleter{})
	if _, err := a.runner(); err == nil {
		t.Error("runner without place storage should fail")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClient_Health(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		case "/v1/errors":
			w.Write([]byte(`[{"id":"1"},{"id":"2"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	c := &apiClient{baseURL: srv.URL, token: "test-token", httpClient: srv.Client()}
	if err := c.health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", gotAuth)
	}

	n, err := c.countErrors(context.Background(), 100)
	if err != nil || n != 2 {
		t.Errorf("countErrors = %d, %v; want 2", n, err)
	}
}

func TestAPIClient_NotReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := &apiClient{baseURL: url, httpClient: http.DefaultClient}
	err := c.health(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("err = %v, want not reachable", err)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
	}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want status 401 in message", err)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.Ollama.Model = "llama3.1"

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
		if k.Key == "completion.api_key" {
			t.Error("ShowAll must not list secrets")
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

func TestCountLabel(t *testing.T) {
	if got := countLabel(5, 100); got != "5" {
		t.Errorf("countLabel(5, 100) = %q", got)
	}
	if got := countLabel(100, 100); got != "100+" {
		t.Errorf("countLabel(100, 100) = %q", got)
	}
}
