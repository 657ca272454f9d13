package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/always-cache/precache"
	"github.com/always-cache/precache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// adminPrefix is where the admin routes live on the served origin.
const adminPrefix = "/.precache"

// newRouter routes admin requests to their handlers and everything else to the worker.
func newRouter(worker *precache.Worker, recorder *precache.Recorder, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))

	r.Route(adminPrefix, func(r chi.Router) {
		r.Handle("/metrics", recorder.Handler())
		r.Get("/status", statusHandler(worker))
		r.Get("/namespaces/{name}", entriesHandler(worker))
		r.Post("/update", updateHandler(worker))
	})
	r.Handle("/*", worker)
	return r
}

// requestIDLogger adds the chi request id to the request logger.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			logger := hlog.FromRequest(r).With().Str("req_id", id).Logger()
			r = r.WithContext(logger.WithContext(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	precache.State
	Namespaces []precache.NamespaceInfo `json:"namespaces"`
}

func statusHandler(worker *precache.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespaces, err := worker.Namespaces(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not list namespaces")
			writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, r, http.StatusOK, statusResponse{
			State:      worker.State(),
			Namespaces: namespaces,
		})
	}
}

type entriesResponse struct {
	Namespace string               `json:"namespace"`
	Entries   []precache.EntryInfo `json:"entries"`
}

func entriesHandler(worker *precache.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		entries, err := worker.Entries(r.Context(), name)
		switch {
		case errors.Is(err, cache.ErrNamespaceNotFound):
			writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "no such namespace: " + name})
		case err != nil:
			hlog.FromRequest(r).Error().Err(err).Str("namespace", name).Msg("Could not list entries")
			writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, r, http.StatusOK, entriesResponse{Namespace: name, Entries: entries})
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func updateHandler(worker *precache.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := r.URL.Query().Get("version")
		if version == "" {
			writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "version is required"})
			return
		}
		err := worker.Update(r.Context(), version)
		var installErr *precache.InstallError
		switch {
		case err == nil:
			hlog.FromRequest(r).Info().Str("version", version).Msg("Updated")
			writeJSON(w, r, http.StatusOK, worker.State())
		case errors.As(err, &installErr):
			hlog.FromRequest(r).Warn().Err(err).Msg("Update failed")
			writeJSON(w, r, http.StatusBadGateway, errorResponse{Error: err.Error()})
		case errors.Is(err, precache.ErrClosed):
			writeJSON(w, r, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		default:
			hlog.FromRequest(r).Error().Err(err).Msg("Update failed")
			writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response")
	}
}
