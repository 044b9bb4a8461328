package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/tripseed/internal/completion"
	"github.com/kalambet/tripseed/internal/config"
	"github.com/kalambet/tripseed/internal/jobs"
	"github.com/kalambet/tripseed/internal/ollama"
	"github.com/kalambet/tripseed/internal/query"
	"github.com/kalambet/tripseed/internal/storage"
)

// recordStore is what every storage driver offers.
type recordStore interface {
	query.RecordStore
	ListErrors(ctx context.Context, limit, offset int) ([]storage.ErrorRecord, error)
	CountCache(ctx context.Context) (int, error)
	DeleteCache(ctx context.Context, prompt string) error
	Close() error
}

// app is the wired engine shared by the commands and the server.
type app struct {
	cfg       config.Config
	store     recordStore
	places    *storage.Store // nil unless the sqlite driver is used
	executor  *query.Executor
	extractor *query.Extractor
	closers   []io.Closer
}

func newApp(cfg config.Config, store recordStore, places *storage.Store, completer query.Completer) *app {
	exec := query.NewExecutor(completer, store)
	return &app{
		cfg:       cfg,
		store:     store,
		places:    places,
		executor:  exec,
		extractor: query.NewExtractor(exec),
		closers:   []io.Closer{store},
	}
}

// loadApp reads the configuration and wires storage and the completion
// backend. Tests replace it.
var loadApp = func(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log.Level)
	return openApp(ctx, cfg)
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, places, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	if cfg.Completion.Provider == config.ProviderOllama {
		if err := ollama.EnsureReady(ctx, ollama.New(cfg.Ollama.BaseURL), cfg.Ollama.Model, os.Stderr); err != nil {
			store.Close()
			return nil, err
		}
	}

	chat, err := completion.New(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating completion backend: %w", err)
	}

	a := newApp(cfg, store, places, chat)
	a.closers = append(a.closers, chat)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (recordStore, *storage.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := storage.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, s, nil
	case config.DriverRedis:
		s, err := storage.OpenRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("opening redis storage: %w", err)
		}
		return s, nil, nil
	case config.DriverPostgres:
		s, err := storage.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// runner returns the batch job runner, which needs the place documents.
func (a *app) runner() (*jobs.Runner, error) {
	if a.places == nil {
		return nil, fmt.Errorf("jobs need the %s storage driver, configured driver is %s", config.DriverSQLite, a.cfg.Storage.Driver)
	}
	return jobs.NewRunner(a.places, a.extractor, a.executor, a.cfg.Jobs.Concurrency, a.cfg.Jobs.UseCache), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("closing", "error", err)
		}
	}
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
