package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kalambet/tripseed/internal/completion"
	"github.com/kalambet/tripseed/internal/storage"
)

type completerCall struct {
	prompt string
	handle string
}

// scriptedCompleter returns its replies in order and records every call.
// Handles are "h1", "h2", ... by call number.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   []completerCall
}

func (s *scriptedCompleter) Complete(ctx context.Context, prompt, handle string) (completion.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, completerCall{prompt: prompt, handle: handle})
	if s.err != nil {
		return completion.Answer{}, s.err
	}
	if len(s.replies) == 0 {
		return completion.Answer{}, errors.New("scripted completer exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return completion.Answer{Text: r, Handle: fmt.Sprintf("h%d", len(s.calls))}, nil
}

func (s *scriptedCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// memStore is an in-memory RecordStore with insert-if-absent semantics.
type memStore struct {
	mu        sync.Mutex
	cache     map[string]string
	errors    []storage.ErrorRecord
	inserts   []storage.CacheEntry
	lookupErr error
	insertErr error
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{cache: make(map[string]string)}
}

func (m *memStore) LookupCache(ctx context.Context, prompt string) (storage.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return storage.CacheEntry{}, m.lookupErr
	}
	r, ok := m.cache[prompt]
	if !ok {
		return storage.CacheEntry{}, storage.ErrNotFound
	}
	return storage.CacheEntry{Prompt: prompt, Result: r}, nil
}

func (m *memStore) InsertCacheIfAbsent(ctx context.Context, entry storage.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserts = append(m.inserts, entry)
	if _, ok := m.cache[entry.Prompt]; !ok {
		m.cache[entry.Prompt] = entry.Result
	}
	return nil
}

func (m *memStore) AppendError(ctx context.Context, rec storage.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.errors = append(m.errors, rec)
	return nil
}

func (m *memStore) cached(prompt string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.cache[prompt]
	return r, ok
}
