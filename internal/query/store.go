// Package query sends prompts to a completion backend and coerces the
// answers into JSON. It owns the cache-aside policy over a RecordStore, the
// continuation protocol for truncated answers, the bounded repair of
// malformed JSON and the quarantine of answers that cannot be repaired.
package query

import (
	"context"

	"github.com/kalambet/tripseed/internal/completion"
	"github.com/kalambet/tripseed/internal/storage"
)

// Completer sends one prompt, optionally continuing the conversation behind
// handle, and returns the answer with the handle for the next turn.
type Completer interface {
	Complete(ctx context.Context, prompt, handle string) (completion.Answer, error)
}

// RecordStore persists cached answers and quarantined failures.
// LookupCache returns storage.ErrNotFound on a miss. InsertCacheIfAbsent
// must keep the first entry written for a prompt.
type RecordStore interface {
	LookupCache(ctx context.Context, prompt string) (storage.CacheEntry, error)
	InsertCacheIfAbsent(ctx context.Context, entry storage.CacheEntry) error
	AppendError(ctx context.Context, rec storage.ErrorRecord) error
}
