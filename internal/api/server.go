// Package api exposes the cached dashboard state and the refresh and
// reconciliation triggers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/model"
	"github.com/fieldeng/casebridge/internal/reconcile"
	"github.com/fieldeng/casebridge/internal/sched"
	"github.com/fieldeng/casebridge/internal/stats"
)

// CacheReader reads cache documents and lock state.
type CacheReader interface {
	Get(key string, v any) bool
	LockedUntil(name string) (time.Time, error)
}

// JobRunner triggers a named refresh job on demand.
type JobRunner interface {
	RunJob(ctx context.Context, name string) error
}

// Reconciler runs one reconciliation.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Result, error)
}

// StatsProvider computes stats views.
type StatsProvider interface {
	Generate(filter stats.Filter) model.StatsSnapshot
	GenerateSeries() stats.Series
	GenerateHistogram(filter stats.Filter) stats.Histogram
	CardSummary() map[string]int
}

// Deps wires the handler's collaborators.
type Deps struct {
	Store    CacheReader
	Jobs     JobRunner
	Engine   Reconciler
	Stats    StatsProvider
	Token    string
	ReadOnly bool
}

// NewHandler builds the HTTP routing tree. Everything under /api requires
// the bearer token; /health does not.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		out := map[string]string{"status": "ok"}
		var lastRefresh string
		if deps.Store.Get(cache.KeyTimestamp, &lastRefresh) {
			out["last_refresh"] = lastRefresh
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/cards", handleDoc(deps.Store, cache.KeyCards, func() any { return &map[string]model.Card{} }))
		r.Get("/cases", handleDoc(deps.Store, cache.KeyCases, func() any { return &map[string]model.Case{} }))
		r.Get("/bugs", handleDoc(deps.Store, cache.KeyBugs, func() any { return &map[string][]model.BugDetail{} }))
		r.Get("/issues", handleDoc(deps.Store, cache.KeyIssues, func() any { return &map[string][]model.IssueRef{} }))
		r.Get("/details", handleDoc(deps.Store, cache.KeyDetails, func() any { return &map[string]model.CaseDetail{} }))
		r.Get("/escalations", handleDoc(deps.Store, cache.KeyEscalations, func() any { return &[]string{} }))
		r.Get("/watchlist", handleDoc(deps.Store, cache.KeyWatchlist, func() any { return &[]string{} }))

		r.Get("/progress", handleProgress(deps.Store))
		r.Get("/stats", handleStats(deps.Stats))
		r.Get("/stats/series", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, deps.Stats.GenerateSeries())
		})
		r.Get("/stats/histogram", func(w http.ResponseWriter, r *http.Request) {
			filter := stats.Filter{
				Account:  r.URL.Query().Get("account"),
				Engineer: r.URL.Query().Get("engineer"),
			}
			writeJSON(w, http.StatusOK, deps.Stats.GenerateHistogram(filter))
		})
		r.Get("/cards/summary", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, deps.Stats.CardSummary())
		})

		r.Post("/refresh/{type}", handleRefresh(deps.Jobs))
		r.Post("/reconcile", handleReconcile(deps))
	})

	return r
}

func handleDoc(store CacheReader, key string, newDoc func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		doc := newDoc()
		store.Get(key, doc)
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleProgress(store CacheReader) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var progress model.Progress
		running := store.Get(cache.KeyProgress, &progress)
		var id string
		store.Get(cache.KeyRefreshID, &id)
		out := map[string]any{
			"running":    running,
			"refresh_id": id,
			"progress":   progress,
		}
		if until, err := store.LockedUntil(cache.LockRefresh); err == nil && !until.IsZero() {
			out["locked_until"] = until.Format(time.RFC3339)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleStats(provider StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := stats.Filter{
			Account:  r.URL.Query().Get("account"),
			Engineer: r.URL.Query().Get("engineer"),
		}
		writeJSON(w, http.StatusOK, provider.Generate(filter))
	}
}

func handleRefresh(jobs JobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "type")
		err := jobs.RunJob(r.Context(), name)
		switch {
		case errors.Is(err, sched.ErrUnknownJob):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown refresh type %q", name)
		case errors.Is(err, sched.ErrLocked):
			httpError(w, http.StatusConflict, "locked", "a refresh is already running")
		case errors.Is(err, sched.ErrReadOnly):
			httpError(w, http.StatusForbidden, "read_only", "mutating jobs are disabled")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "refresh failed: %v", err)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"refreshed": name})
		}
	}
}

func handleReconcile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.ReadOnly {
			httpError(w, http.StatusForbidden, "read_only", "reconciliation is disabled")
			return
		}
		result, err := deps.Engine.Reconcile(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reconciliation failed: %v", err)
			return
		}
		created := make([]string, 0, len(result.Created))
		for key := range result.Created {
			created = append(created, key)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"created":   created,
			"reopened":  result.Reopened,
			"processed": result.Processed,
			"aborted":   result.Aborted,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
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
