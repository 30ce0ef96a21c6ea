package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/logging"
	"github.com/kalambet/hotbox/internal/query"
	"github.com/kalambet/hotbox/internal/storage"
)

const maxRequestBodySize = 64 << 10 // 64KB

// DefaultWaitTimeout bounds how long a results request waits for a
// generation to finish.
const DefaultWaitTimeout = 5 * time.Second

// Deps holds what the control API serves.
type Deps struct {
	Engine   *query.Engine
	Registry *extension.Registry
	Store    *storage.Store
	Token    string
	Logger   *slog.Logger
}

// InputRequest is the body of POST /session/input.
type InputRequest struct {
	Text string `json:"text"`
}

// InputResponse reports the generation started by an input change.
type InputResponse struct {
	Generation uint64 `json:"generation"`
}

// StateResponse is returned by the session lifecycle routes.
type StateResponse struct {
	Active  bool               `json:"active"`
	Session *query.SessionInfo `json:"session,omitempty"`
}

// NewHandler returns the control API. Everything except /health requires
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logging.ForComponent(logging.CompAPI)
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/session", func(r chi.Router) {
			r.Post("/activate", handleActivate(deps))
			r.Post("/deactivate", handleDeactivate(deps))
			r.Post("/toggle", handleToggle(deps))
			r.Post("/input", handleInput(deps))
			r.Get("/results", handleResults(deps))
			r.Get("/events", handleEvents(deps))
			r.Post("/results/{key}/activate", handleActivateResult(deps))
		})

		r.Get("/extensions", handleListExtensions(deps))
		r.Post("/extensions/{id}/enable", handleSetEnabled(deps, true))
		r.Post("/extensions/{id}/disable", handleSetEnabled(deps, false))

		r.Get("/stats/runtimes", handleRuntimeStats(deps))
		r.Post("/maintenance/prune", handlePrune(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleActivate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := deps.Engine.Activate(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "activating session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, StateResponse{Active: true, Session: &info})
	}
}

func handleDeactivate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Engine.Deactivate()
		writeJSON(w, http.StatusOK, StateResponse{Active: false})
	}
}

func handleToggle(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, active, err := deps.Engine.Toggle(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "toggling session: %v", err)
			return
		}
		resp := StateResponse{Active: active}
		if active {
			resp.Session = &info
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleInput(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req InputRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		gen, err := deps.Engine.InputChanged(req.Text)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, InputResponse{Generation: gen})
	}
}

// handleResults returns the latest ranked list. With ?wait=true it blocks
// until the generation given by ?generation (default: current) is done, or
// ?timeout elapses, in which case the partial list is returned.
func handleResults(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := deps.Engine.Session()
		if !ok {
			engineError(w, query.ErrNoSession)
			return
		}

		q := r.URL.Query()
		wait, _ := strconv.ParseBool(q.Get("wait"))
		if !wait {
			writeJSON(w, http.StatusOK, latestOrEmpty(deps.Engine, info))
			return
		}

		gen := info.Generation
		if raw := q.Get("generation"); raw != "" {
			g, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid generation: %v", err)
				return
			}
			gen = g
		}
		timeout := DefaultWaitTimeout
		if raw := q.Get("timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid timeout %q", raw)
				return
			}
			timeout = d
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		em, err := AwaitDone(ctx, deps.Engine, gen)
		switch {
		case errors.Is(err, query.ErrNoSession):
			engineError(w, err)
		case err != nil:
			writeJSON(w, http.StatusOK, latestOrEmpty(deps.Engine, info))
		default:
			writeJSON(w, http.StatusOK, em)
		}
	}
}

func latestOrEmpty(e *query.Engine, info query.SessionInfo) query.Emission {
	if em, ok := e.Latest(); ok {
		return em
	}
	return query.Emission{SessionID: info.ID, Generation: info.Generation, Input: info.Input, Items: []query.View{}}
}

// AwaitDone waits for the finished list of generation gen or a later one.
// It returns query.ErrNoSession if the session closes first.
func AwaitDone(ctx context.Context, e *query.Engine, gen uint64) (query.Emission, error) {
	ch, unsubscribe := e.Subscribe()
	defer unsubscribe()

	for {
		select {
		case em := <-ch:
			if em.Closed {
				return em, query.ErrNoSession
			}
			if em.Done && em.Generation >= gen {
				return em, nil
			}
		case <-ctx.Done():
			return query.Emission{}, ctx.Err()
		}
	}
}

func handleActivateResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := url.PathUnescape(chi.URLParam(r, "key"))
		if err != nil || key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid result key")
			return
		}
		if err := deps.Engine.ActivateResult(r.Context(), key); err != nil {
			engineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListExtensions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Registry.List())
	}
}

func handleSetEnabled(deps Deps, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Registry.SetEnabled(id, enabled); err != nil {
			if errors.Is(err, extension.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "extension %q not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		deps.Logger.Info("extension state changed", "extension", id, "enabled", enabled)
		for _, info := range deps.Registry.List() {
			if info.ID == id {
				writeJSON(w, http.StatusOK, info)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRuntimeStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.RuntimeStats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading runtime stats: %v", err)
			return
		}
		if stats == nil {
			stats = []storage.RuntimeStat{}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handlePrune(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Store.Prune(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "pruning: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// engineError maps query engine errors to responses.
func engineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrNoSession):
		httpError(w, http.StatusConflict, "no_session", "%v", err)
	case errors.Is(err, query.ErrUnknownResult):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "action_error", "%v", err)
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
