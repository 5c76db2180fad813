// Package server exposes stored runs over a small local HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/yourorg/batchwatch/internal/config"
	"github.com/yourorg/batchwatch/internal/export"
	xlog "github.com/yourorg/batchwatch/internal/log"
	"github.com/yourorg/batchwatch/internal/metrics"
	"github.com/yourorg/batchwatch/internal/store"
	"github.com/yourorg/batchwatch/pkg/types"
)

const shutdownTimeout = 5 * time.Second

// Server wraps the run history API handlers.
type Server struct {
	cfg    *config.Config
	store  store.Store
	router chi.Router
	logger zerolog.Logger
}

// New constructs a new Server with routes registered.
func New(cfg *config.Config, st store.Store) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if st == nil {
		return nil, errors.New("store is nil")
	}

	srv := &Server{
		cfg:    cfg,
		store:  st,
		router: chi.NewRouter(),
		logger: xlog.WithComponent("server"),
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- hs.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if limit := s.cfg.Server.RateLimit; limit > 0 {
			r.Use(rateLimit(limit, time.Minute))
		}
		r.Get("/runs", s.handleRuns)
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", s.handleRunDetail)
			r.Delete("/", s.handleRunDelete)
			r.Get("/results", s.handleRunResults)
			r.Get("/export", s.handleRunExport)
		})
	})
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}

// observe logs each request and records its latency by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		d := time.Since(start)
		metrics.ObserveHTTP(r.Method, route, ww.Status(), d)
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int(xlog.FieldStatus, ww.Status()).
			Dur("duration", d).
			Msg("api request")
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) (*types.Run, bool) {
	run, err := s.store.GetRun(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return run, true
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	run, ok := s.getRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.DeleteRun(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Str(xlog.FieldRunID, id).Msg("run deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	run, ok := s.getRun(w, r)
	if !ok {
		return
	}
	results, err := s.store.GetResults(run.ID, r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleRunExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := export.JSON
	if v := q.Get("format"); v != "" {
		f, err := export.ParseFormat(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}
	run, ok := s.getRun(w, r)
	if !ok {
		return
	}
	category := q.Get("category")
	results, err := s.store.GetResults(run.ID, category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentTypes[format])
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", run.ID+"."+string(format)))
	if err := export.Write(w, format, export.Document{Run: run, Category: category, Results: results}); err != nil {
		s.logger.Warn().Err(err).Str(xlog.FieldRunID, run.ID).Msg("export failed")
	}
}

var contentTypes = map[export.Format]string{
	export.JSON: "application/json; charset=utf-8",
	export.YAML: "application/yaml; charset=utf-8",
	export.CSV:  "text/csv; charset=utf-8",
	export.Text: "text/plain; charset=utf-8",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
