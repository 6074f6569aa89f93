// Package server is the read-only HTTP API over the catalog.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/resilience"
	"github.com/rtg-microscopy/mingest/internal/store"
)

const maxPageSize = 500

// Config configures the API.
type Config struct {
	Port        int
	JWTSecret   string
	CORSOrigins []string
}

// Server serves experiments and attempts from the store.
type Server struct {
	cfg      Config
	store    store.Store
	breakers *resilience.ServiceBreakers
	router   chi.Router
}

// New builds the router. breakers may be nil.
func New(cfg Config, st store.Store, breakers *resilience.ServiceBreakers) *Server {
	s := &Server{cfg: cfg, store: st, breakers: breakers}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(requireRole([]byte(cfg.JWTSecret), RoleAdmin))
		r.Get("/experiments", s.handleListExperiments)
		r.Get("/experiments/{id}", s.handleGetExperiment)
		r.Get("/attempts", s.handleListAttempts)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on the configured port until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	zap.L().Info("server: listening", zap.Int("port", s.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.breakers != nil {
		states := make(map[string]string)
		for name, st := range s.breakers.States() {
			states[name] = st.String()
		}
		resp["breakers"] = states
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.store.ListExperiments(r.Context(), store.ExperimentFilter{Limit: limit, Offset: offset})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.ExperimentRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetExperiment(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	limit, _, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state := model.AttemptState(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", state))
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), store.AttemptFilter{State: state, Limit: limit})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	var subject string
	if c, ok := claimsFrom(r.Context()); ok {
		subject = c.Subject
	}
	zap.L().Error("server: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("subject", subject),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// paging reads limit and offset. Limit defaults to 100 and is capped.
func paging(r *http.Request) (limit, offset int, err error) {
	limit = 100
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, eris.New("limit must be a positive integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, eris.New("offset must be a non-negative integer")
		}
	}
	return min(limit, maxPageSize), offset, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
