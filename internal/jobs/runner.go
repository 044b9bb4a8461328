// Package jobs runs the travel batch jobs that populate place documents
// through the query extractor.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tripseed/internal/query"
	"github.com/kalambet/tripseed/internal/storage"
)

// ErrUnknownJob is returned by Run for a name not in the catalog.
var ErrUnknownJob = errors.New("unknown job")

// PlaceStore persists the place documents jobs read and write.
type PlaceStore interface {
	CreatePlace(ctx context.Context, p storage.Place) (bool, error)
	ListPlaces(ctx context.Context, kind string) ([]storage.Place, error)
	SetPlaceAttribute(ctx context.Context, kind, name, key string, value json.RawMessage) error
}

// Extractor coerces an answer into a JSON array.
type Extractor interface {
	Extract(ctx context.Context, prompt string, useCache bool) (json.RawMessage, error)
}

// Executor runs a single completion turn.
type Executor interface {
	Execute(ctx context.Context, req query.Request) (query.Result, error)
}

// Summary counts the outcome of a job run.
type Summary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Runner executes catalog jobs against the stored places, at most
// concurrency places at a time.
type Runner struct {
	places      PlaceStore
	extract     Extractor
	exec        Executor
	concurrency int
	useCache    bool
	logger      *slog.Logger
}

// NewRunner creates a Runner. A concurrency below 1 is treated as 1.
func NewRunner(places PlaceStore, extract Extractor, exec Executor, concurrency int, useCache bool) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		places:      places,
		extract:     extract,
		exec:        exec,
		concurrency: concurrency,
		useCache:    useCache,
		logger:      slog.Default(),
	}
}

// task is one unit of work: a source place and its filled prompt.
type task struct {
	place    storage.Place
	prompt   string
	useCache bool
}

// Run executes the named job over every source place that lacks the job's
// attribute. A failing place is logged and counted; the run continues. The
// returned error is non-nil only for an unknown job, a failure to list
// places or a cancelled context.
func (r *Runner) Run(ctx context.Context, name string) (Summary, error) {
	job, ok := Lookup(name)
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	logger := r.logger.With("job", job.Name)

	sources := []storage.Place{{}}
	if job.Source != "" {
		var err error
		sources, err = r.places.ListPlaces(ctx, job.Source)
		if err != nil {
			return Summary{}, fmt.Errorf("listing %s places: %w", job.Source, err)
		}
	}

	var (
		mu  sync.Mutex
		sum Summary
		g   errgroup.Group
	)
	g.SetLimit(r.concurrency)

	logger.Info("job started", "places", len(sources), "concurrency", r.concurrency)
	for _, p := range sources {
		if job.Attribute != "" && p.HasAttribute(job.Attribute) {
			mu.Lock()
			sum.Skipped++
			mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			break
		}

		t := task{
			place:    p,
			prompt:   FillTemplate(job.Template, placeValues(p)),
			useCache: r.useCache && !job.NoCache,
		}
		g.Go(func() error {
			err := job.run(ctx, r, t)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				logger.Warn("place failed", "place", p.Name, "error", err)
				return nil
			}
			sum.Processed++
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return sum, err
	}
	logger.Info("job finished", "processed", sum.Processed, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

func (r *Runner) extractList(ctx context.Context, t task) ([]json.RawMessage, error) {
	v, err := r.extract.Extract(ctx, t.prompt, t.useCache)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, fmt.Errorf("decoding extracted list: %w", err)
	}
	return items, nil
}

// answerObject runs a plain turn and decodes its text as a JSON object.
func (r *Runner) answerObject(ctx context.Context, t task, v any) error {
	res, err := r.exec.Execute(ctx, query.Request{Prompt: t.prompt, UseCache: t.useCache})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Text)), v); err != nil {
		return fmt.Errorf("%w: %v", errNoAnswer, err)
	}
	return nil
}

func (r *Runner) setAttribute(ctx context.Context, p storage.Place, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := r.places.SetPlaceAttribute(ctx, p.Kind, p.Name, key, b); err != nil {
		return fmt.Errorf("storing %s for %s: %w", key, p.Name, err)
	}
	return nil
}
