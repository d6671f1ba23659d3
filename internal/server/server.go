// Package server provides the analytics HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/config"
)

// Server is the analytics HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	handlers *Handlers
	token    string
	log      zerolog.Logger
}

// New wires routes and middleware around the handler set.
func New(cfg config.ServerConfig, handlers *Handlers, log zerolog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		handlers: handlers,
		token:    cfg.InternalAPIToken,
		log:      log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	// Health stays open: load balancers and the bot probe it unauthenticated.
	s.router.Get("/health", s.handlers.HandleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.token, s.log))

		r.Post("/ingestion/manual", s.handlers.HandleManualIngestion)
		r.Post("/calculation/performance", s.handlers.HandlePerformance)
		r.Post("/calculation/portfolio", s.handlers.HandlePortfolio)
		r.Post("/scoring/trust-score", s.handlers.HandleTrustScore)
		r.Post("/scoring/batch", s.handlers.HandleScoringBatch)
		r.Post("/scoring/leaderboard", s.handlers.HandleLeaderboard)
		r.Get("/internal/ranked-traders", s.handlers.HandleRankedTraders)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
