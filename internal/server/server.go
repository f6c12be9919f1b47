// Package server exposes a catalog over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"dbcatalog/internal/catalog"
	"dbcatalog/internal/db"
	"dbcatalog/internal/logger"
)

// Server answers catalog queries over HTTP.
type Server struct {
	catalog *catalog.Catalog
	router  *catalog.Router
	port    int
}

// New returns a Server for c listening on port.
func New(c *catalog.Catalog, port int) *Server {
	return &Server{catalog: c, router: catalog.NewRouter(c), port: port}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.Recoverer,
		middleware.Timeout(30*time.Second),
	)
	r.Route("/api", func(r chi.Router) {
		r.Get("/databases", s.handleDatabases)
		r.Get("/catalog", s.handleCatalog)
		r.Get("/query", s.handleQuery)
		r.Get("/violations", s.handleViolations)
		r.Get("/violations/{database}", s.handleDatabaseViolations)
	})
	return r
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	eg.Go(func() error {
		logger.Info("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Debug("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	snap, err := s.catalog.EnsureFresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Generation uint64   `json:"generation"`
		Databases  []string `json:"databases"`
	}{Generation: snap.Generation, Databases: s.catalog.Databases()})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	snap, err := s.catalog.EnsureFresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("sql")
	if q == "" {
		http.Error(w, "missing sql parameter", http.StatusBadRequest)
		return
	}
	rs, err := s.router.Execute(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	snap, err := s.catalog.EnsureFresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, catalog.Validate(snap, s.catalog.Resolution()))
}

// handleDatabaseViolations validates one attached SQLite database straight
// from its own metadata.
func (s *Server) handleDatabaseViolations(w http.ResponseWriter, r *http.Request) {
	var violations []catalog.Violation
	err := s.router.ExecuteFn(r.Context(), chi.URLParam(r, "database"), func(h *catalog.Handle) error {
		var err error
		violations, err = catalog.ValidateHandle(r.Context(), h)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, violations)
}

// statusOf maps catalog errors onto HTTP status codes.
func statusOf(err error) int {
	var rov *catalog.ReadOnlyViolation
	var sre *db.SchemaReadError
	switch {
	case errors.As(err, &rov):
		return http.StatusForbidden
	case errors.Is(err, catalog.ErrUnknownDatabase):
		return http.StatusNotFound
	case errors.As(err, &sre):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, catalog.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		logger.Error("request failed: %v", err)
	}
	writeJSON(w, code, struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}{OK: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response: %v", err)
	}
}
