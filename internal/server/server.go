// Package server provides the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/identity"
	"github.com/bryan-buckman/leapfrog/internal/ljimport"
	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/metrics"
	"github.com/bryan-buckman/leapfrog/internal/poll"
)

// Server is the HTTP API over the store, the poller and the importer.
type Server struct {
	store    database.Store
	identity *identity.Resolver
	poller   *poll.Manager
	importer *ljimport.Importer
	router   chi.Router
}

// New creates a server and its routes.
func New(store database.Store, ident *identity.Resolver, poller *poll.Manager, importer *ljimport.Importer) *Server {
	s := &Server{
		store:    store,
		identity: ident,
		poller:   poller,
		importer: importer,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/users", s.handleCreateUser)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/accounts", s.handleLinkAccount)
			r.Get("/stream", s.handleStream)
			r.Post("/import/livejournal", s.handleImportLiveJournal)
		})

		r.Post("/refresh", s.handleRefresh)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request with zerolog and counts it by route.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logging.ContextWithCorrelationID(r.Context(), middleware.GetReqID(r.Context()))

		defer func() {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.APIRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			logging.Ctx(ctx).Debug().
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("HTTP request")
		}()

		next.ServeHTTP(ww, r.WithContext(ctx))
	})
}

// Service runs the server under a supervisor.
type Service struct {
	srv             *http.Server
	shutdownTimeout time.Duration
}

// Service wraps s in an http.Server listening on addr.
func (s *Server) Service(addr string, readTimeout, writeTimeout time.Duration) *Service {
	return &Service{
		srv: &http.Server{
			Addr:         addr,
			Handler:      s,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		shutdownTimeout: 10 * time.Second,
	}
}

// Serve implements suture.Service. It returns when ctx is cancelled or
// the listener fails.
func (svc *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", svc.srv.Addr).Msg("HTTP server listening")
		if err := svc.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.shutdownTimeout)
		defer cancel()
		if err := svc.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (svc *Service) String() string {
	return "http-server"
}
