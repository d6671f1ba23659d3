// Package gateway is the execution bot's HTTP surface: wallet-signature
// authentication and the control endpoints the platform backend drives the
// bot through. The surface is server-to-server; browsers never talk to it.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/audit"
	"github.com/slipstreamlabs/slipstream/internal/modules/orchestrator"
)

// Safety is the breaker-layer view the gateway reports and, for the
// emergency endpoint, commands.
type Safety interface {
	IsTradingAllowed() bool
	Halted() (bool, string)
	Snapshots() []domain.BreakerSnapshot
	Halt(ctx context.Context, reason string)
}

// UserStore manages the authenticated wallet's subscription.
type UserStore interface {
	ByWallet(ctx context.Context, wallet string) (*domain.UserRiskProfile, error)
	SetActiveByWallet(ctx context.Context, wallet string, active bool) error
	UpdateRiskProfile(ctx context.Context, wallet string, profile domain.RiskProfile, maxPositionNative uint64) error
}

// CycleStatus exposes the most recent orchestration cycle.
type CycleStatus interface {
	LastReport() *orchestrator.CycleReport
}

// TradeLog reads the audit trail for a user's trade history.
type TradeLog interface {
	Query(ctx context.Context, filter audit.QueryFilter) ([]domain.AuditEntry, error)
}

// AuditSink receives the gateway's own security and configuration events.
type AuditSink interface {
	Log(ctx context.Context, entry domain.AuditEntry) error
}

// Deps are the gateway's collaborators.
type Deps struct {
	Safety Safety
	Users  UserStore
	Cycles CycleStatus
	Trades TradeLog
	Audit  AuditSink
}

// Server is the bot's HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	deps   Deps
	auth   *authenticator
	probes []namedProbe
	log    zerolog.Logger
}

type namedProbe struct {
	name  string
	check func(ctx context.Context) error
}

// New wires routes and middleware around the bot control handlers.
func New(cfg config.GatewayConfig, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		auth:   newAuthenticator(cfg.JWTSecret, time.Duration(cfg.SessionTTLMinutes)*time.Minute, log),
		log:    log.With().Str("component", "gateway").Logger(),
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

// RegisterProbe adds a named dependency check to the health endpoint.
// The order of registration is the order of probing.
func (s *Server) RegisterProbe(name string, check func(ctx context.Context) error) {
	s.probes = append(s.probes, namedProbe{name: name, check: check})
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
}

func (s *Server) setupRoutes() {
	// The challenge/response pair is the way in; everything else needs
	// the session token it ends with.
	s.router.Post("/auth/challenge", s.handleChallenge)
	s.router.Post("/auth/authenticate", s.handleAuthenticate)

	s.router.Route("/bot", func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/configuration", s.handleGetConfiguration)
		r.Put("/configuration", s.handlePutConfiguration)
		r.Post("/enable", s.handleEnable)
		r.Post("/disable", s.handleDisable)
		r.Get("/trades", s.handleTrades)
		r.Post("/emergency", s.handleEmergency)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting gateway server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down gateway server")
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

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error payload; 5xx responses carry the request id
// so operators can find the matching log lines.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	body := map[string]string{"error": message}
	if status >= 500 {
		body["request_id"] = middleware.GetReqID(r.Context())
	}
	writeJSON(w, status, body)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}
