package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/tripseed/internal/storage"
)

const (
	// MaxExtensions is how many "continue" turns an extraction may add.
	MaxExtensions = 1

	continuePrompt = "continue"
)

// Extractor turns a prompt into a JSON value, following truncated answers
// with a continuation turn, repairing malformed output and quarantining
// answers that cannot be repaired.
type Extractor struct {
	exec   *Executor
	logger *slog.Logger
}

// NewExtractor creates an Extractor running its turns through exec.
func NewExtractor(exec *Executor) *Extractor {
	return &Extractor{exec: exec, logger: slog.Default()}
}

// Executor returns the executor used for single turns.
func (x *Extractor) Executor() *Executor {
	return x.exec
}

// Extract returns the JSON value answering prompt. An array is returned as
// is, an object yields its "results" member, and anything else yields an
// empty array. An answer that cannot be parsed even after Repair is
// recorded once in the store and an empty array is returned with a nil
// error. Only completion and store failures produce an error.
func (x *Extractor) Extract(ctx context.Context, prompt string, useCache bool) (json.RawMessage, error) {
	var acc strings.Builder

	res, err := x.exec.execute(ctx, turn{key: prompt, text: prompt}, useCache, true, &acc)
	if err != nil {
		return nil, err
	}
	answer := res.Text
	handle := res.Handle

	for ext := 0; ext < MaxExtensions && !isComplete(answer); ext++ {
		if v, ok := parseNonArray(answer); ok {
			x.logger.Warn("answer is not an array, unwrapping results", "prompt_len", len(prompt))
			return v, nil
		}
		if handle == "" {
			// Cached answers carry no conversation to continue.
			break
		}

		x.logger.Info("answer incomplete, requesting continuation", "prompt_len", len(prompt), "answer_len", len(answer))
		res, err = x.exec.execute(ctx, turn{key: prompt, text: continuePrompt, handle: handle}, useCache, true, &acc)
		if err != nil {
			return nil, err
		}
		answer += res.Text
		handle = res.Handle
	}

	var v json.RawMessage
	if err := json.Unmarshal([]byte(answer), &v); err == nil {
		return normalize(v), nil
	}

	x.logger.Warn("answer is not valid JSON, repairing", "prompt_len", len(prompt), "answer_len", len(answer))
	repaired := Repair(answer, 0)
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		x.logger.Warn("repair failed, quarantining answer", "prompt_len", len(prompt), "error", err)
		rec := storage.ErrorRecord{Prompt: prompt, RawAnswer: answer, ErrorMessage: err.Error()}
		if err := x.exec.store.AppendError(ctx, rec); err != nil {
			return nil, fmt.Errorf("recording unparseable answer: %w", err)
		}
		return emptyArray(), nil
	}

	if useCache {
		if err := x.exec.store.InsertCacheIfAbsent(ctx, storage.CacheEntry{Prompt: prompt, Result: repaired}); err != nil {
			return nil, fmt.Errorf("caching repaired answer: %w", err)
		}
	}
	return normalize(v), nil
}

// isComplete reports whether the answer closes an array. Trailing
// whitespace and a closing code fence are ignored.
func isComplete(answer string) bool {
	return strings.HasSuffix(stripFences(answer), "]")
}

// parseNonArray reports whether answer already parses as a JSON value other
// than an array, and returns its normalized form.
func parseNonArray(answer string) (json.RawMessage, bool) {
	var v json.RawMessage
	if err := json.Unmarshal([]byte(answer), &v); err != nil {
		return nil, false
	}
	if b := bytes.TrimSpace(v); len(b) > 0 && b[0] == '[' {
		return nil, false
	}
	return normalize(v), true
}

// normalize maps a parsed value to an array: arrays pass through, objects
// yield their non-null "results" member, everything else becomes [].
func normalize(v json.RawMessage) json.RawMessage {
	b := bytes.TrimSpace(v)
	if len(b) == 0 {
		return emptyArray()
	}
	switch b[0] {
	case '[':
		return b
	case '{':
		var env map[string]json.RawMessage
		if err := json.Unmarshal(b, &env); err != nil {
			return emptyArray()
		}
		if r, ok := env["results"]; ok && string(bytes.TrimSpace(r)) != "null" {
			return r
		}
	}
	return emptyArray()
}

func emptyArray() json.RawMessage {
	return json.RawMessage("[]")
}
