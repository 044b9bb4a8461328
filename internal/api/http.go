// Package api exposes the query engine over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tripseed/internal/completion"
	"github.com/kalambet/tripseed/internal/jobs"
	"github.com/kalambet/tripseed/internal/query"
	"github.com/kalambet/tripseed/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

type Executor interface {
	Execute(ctx context.Context, req query.Request) (query.Result, error)
}

type Extractor interface {
	Extract(ctx context.Context, prompt string, useCache bool) (json.RawMessage, error)
}

// ErrorLister pages through quarantined answers, newest first.
type ErrorLister interface {
	ListErrors(ctx context.Context, limit, offset int) ([]storage.ErrorRecord, error)
}

type JobRunner interface {
	Run(ctx context.Context, name string) (jobs.Summary, error)
}

// Deps holds what the HTTP and MCP surfaces call into. Jobs may be nil when
// the storage backend keeps no place documents.
type Deps struct {
	Executor  Executor
	Extractor Extractor
	Errors    ErrorLister
	Jobs      JobRunner
	Token     string
}

// QueryRequest is the body of POST /v1/query. UseCache defaults to true.
type QueryRequest struct {
	Prompt     string `json:"prompt"`
	Handle     string `json:"handle,omitempty"`
	UseCache   *bool  `json:"use_cache,omitempty"`
	ExpectJSON bool   `json:"expect_json,omitempty"`
}

type QueryResponse struct {
	Text   string `json:"text"`
	Handle string `json:"handle,omitempty"`
	Cached bool   `json:"cached"`
}

// ExtractRequest is the body of POST /v1/extract. UseCache defaults to true.
type ExtractRequest struct {
	Prompt   string `json:"prompt"`
	UseCache *bool  `json:"use_cache,omitempty"`
}

type ExtractResponse struct {
	Result json.RawMessage `json:"result"`
}

// NewHandler returns the HTTP API. /health is always public; the /v1 routes
// require deps.Token when it is set.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/query", handleQuery(deps))
		r.Post("/extract", handleExtract(deps))
		r.Get("/errors", handleListErrors(deps))
		r.Post("/jobs/{name}", handleRunJob(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}

		res, err := deps.Executor.Execute(r.Context(), query.Request{
			Prompt:     req.Prompt,
			Handle:     req.Handle,
			UseCache:   boolOr(req.UseCache, true),
			ExpectJSON: req.ExpectJSON,
		})
		if err != nil {
			upstreamError(w, err)
			return
		}

		writeJSON(w, QueryResponse{Text: res.Text, Handle: res.Handle, Cached: res.Cached})
	}
}

func handleExtract(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExtractRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}

		v, err := deps.Extractor.Extract(r.Context(), req.Prompt, boolOr(req.UseCache, true))
		if err != nil {
			upstreamError(w, err)
			return
		}

		writeJSON(w, ExtractResponse{Result: v})
	}
}

func handleListErrors(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		records, err := deps.Errors.ListErrors(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list errors: %v", err)
			return
		}
		if records == nil {
			records = []storage.ErrorRecord{}
		}

		writeJSON(w, records)
	}
}

func handleRunJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Jobs == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "jobs need the sqlite storage driver")
			return
		}

		name := chi.URLParam(r, "name")
		sum, err := deps.Jobs.Run(r.Context(), name)
		if errors.Is(err, jobs.ErrUnknownJob) {
			httpError(w, http.StatusNotFound, "not_found", "unknown job %q", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "job %s failed: %v", name, err)
			return
		}

		writeJSON(w, sum)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// upstreamError maps completion and store failures to a response.
func upstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, completion.ErrUnknownHandle):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "api_error", "upstream timeout: %v", err)
	default:
		httpError(w, http.StatusBadGateway, "api_error", "upstream error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
