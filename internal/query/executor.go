package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/tripseed/internal/storage"
)

// Request is a single completion turn.
type Request struct {
	Prompt string
	// Handle continues an earlier conversation. A continuation never reads
	// or writes the cache; Extract caches the joined answer itself.
	Handle   string
	UseCache bool
	// ExpectJSON caches the answer only once it is valid JSON.
	ExpectJSON bool
}

// Result is the answer to one turn.
type Result struct {
	Text   string
	Handle string
	// Cached is true when Text came from the store; Handle is then empty.
	Cached bool
}

// Executor runs completion turns with cache-aside over a RecordStore.
// It holds no per-call state and is safe for concurrent use.
type Executor struct {
	completer Completer
	store     RecordStore
	logger    *slog.Logger
}

// NewExecutor creates an Executor that logs to slog.Default.
func NewExecutor(completer Completer, store RecordStore) *Executor {
	return &Executor{completer: completer, store: store, logger: slog.Default()}
}

// Execute runs one turn with a fresh accumulation buffer.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	var acc strings.Builder
	useCache := req.UseCache && req.Handle == ""
	return e.execute(ctx, turn{key: req.Prompt, text: req.Prompt, handle: req.Handle}, useCache, req.ExpectJSON, &acc)
}

// turn separates the text sent to the backend from the prompt the answer is
// cached under. They differ only for continuation turns.
type turn struct {
	key    string
	text   string
	handle string
}

// execute appends the answer to acc when caching so a JSON answer split over
// several turns is cached whole, under the original prompt.
func (e *Executor) execute(ctx context.Context, t turn, useCache, expectJSON bool, acc *strings.Builder) (Result, error) {
	if useCache && t.handle == "" {
		entry, err := e.store.LookupCache(ctx, t.key)
		switch {
		case err == nil:
			e.logger.Debug("cache hit", "prompt_len", len(t.key))
			return Result{Text: entry.Result, Cached: true}, nil
		case !errors.Is(err, storage.ErrNotFound):
			return Result{}, fmt.Errorf("looking up cache: %w", err)
		}
	}

	ans, err := e.completer.Complete(ctx, t.text, t.handle)
	if err != nil {
		return Result{}, err
	}

	if useCache {
		acc.WriteString(ans.Text)
		if err := e.cacheAnswer(ctx, t.key, ans.Text, acc.String(), expectJSON); err != nil {
			return Result{}, fmt.Errorf("caching answer: %w", err)
		}
	}

	return Result{Text: ans.Text, Handle: ans.Handle}, nil
}

// cacheAnswer stores the latest turn for plain-text prompts and the whole
// accumulated answer for JSON prompts once it parses.
func (e *Executor) cacheAnswer(ctx context.Context, prompt, latest, accumulated string, expectJSON bool) error {
	result := latest
	if expectJSON {
		if !json.Valid([]byte(accumulated)) {
			return nil
		}
		result = accumulated
	}
	return e.store.InsertCacheIfAbsent(ctx, storage.CacheEntry{Prompt: prompt, Result: result})
}
