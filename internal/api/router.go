// Package api exposes the local mirror over HTTP: listings, search, the link
// graph and analytics, plus a websocket stream of store changes.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/graph"
	"github.com/fclairamb/kbsync/internal/search"
	"github.com/fclairamb/kbsync/internal/store"
	"github.com/fclairamb/kbsync/internal/sync"
)

// Query defaults.
const (
	defaultSearchLimit = 20
	defaultCitedLimit  = 10
	defaultGraphDepth  = 1
	maxLimit           = 500
)

// Trigger requests a sync run.
type Trigger interface {
	Notify()
}

// StatusSource reports the sync engine status.
type StatusSource interface {
	Status() sync.Status
}

// Deps holds what the routes read from. Trigger, Engine and Events may be nil.
type Deps struct {
	Store   *store.Store
	Graph   *graph.Builder
	Search  *search.Index
	Trigger Trigger
	Engine  StatusSource
	Events  *Hub
	Logger  *slog.Logger
}

type handler struct {
	Deps
}

// NewRouter returns the API routes mounted under /api.
func NewRouter(deps Deps) chi.Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{Deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/files", h.listFiles)
		r.Get("/files/{id}", h.getFile)
		r.Get("/files/{id}/backlinks", h.backlinks)
		r.Get("/search", h.search)
		r.Get("/complete", h.complete)
		r.Get("/graph", h.graph)
		r.Get("/analytics/orphans", h.orphans)
		r.Get("/analytics/cited", h.cited)
		r.Get("/resolve", h.resolve)
		r.Get("/status", h.status)
		r.Post("/sync", h.triggerSync)
		if deps.Events != nil {
			r.Get("/events", deps.Events.ServeHTTP)
		}
	})

	return r
}

func (h *handler) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.Store.ListChildren(r.Context(), r.URL.Query().Get("parent"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if files == nil {
		files = []*store.FileRecord{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *handler) getFile(w http.ResponseWriter, r *http.Request) {
	f, err := h.Store.GetFile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *handler) backlinks(w http.ResponseWriter, r *http.Request) {
	links, err := h.Graph.Backlinks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	hits, err := h.Search.Search(r.Context(), r.URL.Query().Get("q"), limitParam(r, defaultSearchLimit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *handler) complete(w http.ResponseWriter, r *http.Request) {
	out, err := h.Graph.Complete(r.Context(), r.URL.Query().Get("q"), limitParam(r, 0))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) graph(w http.ResponseWriter, r *http.Request) {
	var (
		g   *graph.Graph
		err error
	)
	if center := r.URL.Query().Get("center"); center != "" {
		depth := defaultGraphDepth
		if v, convErr := strconv.Atoi(r.URL.Query().Get("depth")); convErr == nil && v >= 0 {
			depth = v
		}
		g, err = h.Graph.BuildLocalGraph(r.Context(), center, depth)
	} else {
		g, err = h.Graph.BuildGraph(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *handler) orphans(w http.ResponseWriter, r *http.Request) {
	out, err := h.Graph.Orphans(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) cited(w http.ResponseWriter, r *http.Request) {
	out, err := h.Graph.MostCited(r.Context(), limitParam(r, defaultCitedLimit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	f, err := h.Graph.Resolve(r.Context(), r.URL.Query().Get("target"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Cursor  *store.SyncCursor `json:"cursor"`
	Files   int               `json:"files"`
	Folders int               `json:"folders"`
	Trashed int               `json:"trashed"`
	Pending int               `json:"pending"`
	Indexed int               `json:"indexed"`
	Sync    *sync.Status      `json:"sync,omitempty"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{}

	var err error
	if resp.Cursor, err = h.Store.GetCursor(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	counts := []struct {
		dst    *int
		filter store.Filter
	}{
		{&resp.Files, store.Filter{ResourceType: store.ResourceMarkdown}},
		{&resp.Folders, store.Filter{ResourceType: store.ResourceFolder}},
		{&resp.Trashed, store.Filter{Trashed: store.OnlyTrashed}},
	}
	for _, c := range counts {
		if *c.dst, err = h.Store.CountFiles(ctx, c.filter); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if resp.Pending, err = h.Store.CountPending(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.Search != nil {
		resp.Indexed = h.Search.Len()
	}
	if h.Engine != nil {
		st := h.Engine.Status()
		resp.Sync = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	if h.Trigger == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "sync worker not running"})
		return
	}
	h.Trigger.Notify()
	h.Logger.InfoContext(r.Context(), "Sync requested through API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type errorBody struct {
	Error string `json:"error"`
}

// fail writes err with the status matching its category.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrNotFolder),
		errors.Is(err, apperrors.ErrQueryRequired),
		errors.Is(err, apperrors.ErrFileIDRequired):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), "API request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// limitParam reads ?limit=, falling back to def and capping at maxLimit.
func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxLimit)
}
