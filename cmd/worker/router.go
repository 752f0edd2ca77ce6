package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"distribution.app/pkg/app"
	"distribution.app/pkg/jobqueue"
	"distribution.app/pkg/middleware"
)

const (
	refreshRatePerSecond = 0.2
	refreshBurst         = 2
	limiterIdleEviction  = 10 * time.Minute
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newAdminRouter(rt *app.Runtime) http.Handler {
	limiter := middleware.NewKeyedLimiter(refreshRatePerSecond, refreshBurst)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := rt.Health(req.Context())
		status := http.StatusOK
		if h.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})

	r.Method(http.MethodGet, "/metrics", rt.Recorder.Handler())

	r.Get("/views/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"views": rt.Scheduler.GetViewStats(req.Context())})
	})

	r.With(middleware.RateLimit(limiter, middleware.KeyByIP)).
		Post("/views/{name}/refresh", func(w http.ResponseWriter, req *http.Request) {
			limiter.EvictIdle(limiterIdleEviction)
			name := chi.URLParam(req, "name")
			if _, ok := rt.Scheduler.Table().Get(name); !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown view " + name})
				return
			}
			writeJSON(w, http.StatusOK, rt.Scheduler.RefreshView(req.Context(), name))
		})

	r.Get("/jobs/{class}/{id}", func(w http.ResponseWriter, req *http.Request) {
		st, err := rt.Queue.GetStatus(req.Context(), jobqueue.Class(chi.URLParam(req, "class")), chi.URLParam(req, "id"))
		switch {
		case errors.Is(err, jobqueue.ErrJobNotFound), errors.Is(err, jobqueue.ErrUnknownClass):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, st)
		}
	})

	return r
}
