// Package server exposes the market over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prxmarket/predictd/internal/domain"
	"github.com/prxmarket/predictd/internal/server/handler"
	"github.com/prxmarket/predictd/internal/server/middleware"
	"github.com/prxmarket/predictd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, public API authentication is disabled
	AdminKey    string // if empty, admin endpoints are disabled
	RateLimit   int    // requests per window per client IP; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Rounds   *handler.RoundHandler
	Bets     *handler.BetHandler
	Claims   *handler.ClaimHandler
	Balances *handler.BalanceHandler
	Oracle   *handler.OracleHandler
	Admin    *handler.AdminHandler
}

// Server is the HTTP + WebSocket API server for the prediction market.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. The admin subtree is
// guarded by its own key; everything else shares the public API key.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Health.Status)

	mux.HandleFunc("GET /api/rounds", handlers.Rounds.ListRounds)
	mux.HandleFunc("GET /api/rounds/current", handlers.Rounds.GetCurrentRound)
	mux.HandleFunc("GET /api/rounds/{epoch}", handlers.Rounds.GetRound)
	mux.HandleFunc("GET /api/rounds/{epoch}/bets", handlers.Rounds.ListRoundBets)
	mux.HandleFunc("GET /api/rounds/{epoch}/bets/{user_id}", handlers.Bets.GetUserBet)

	mux.HandleFunc("POST /api/bets", handlers.Bets.PlaceBet)
	mux.HandleFunc("GET /api/bets", handlers.Bets.ListUserBets)

	mux.HandleFunc("GET /api/claimable", handlers.Claims.GetClaimable)
	mux.HandleFunc("POST /api/claims", handlers.Claims.Claim)

	mux.HandleFunc("GET /api/balances/{account}", handlers.Balances.GetBalance)
	mux.HandleFunc("POST /api/balances/deposit", handlers.Balances.Deposit)
	mux.HandleFunc("POST /api/balances/withdraw", handlers.Balances.Withdraw)

	mux.HandleFunc("GET /api/oracle/price", handlers.Oracle.GetPrice)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// The admin subtree carries its own key and bypasses the public API key;
	// with no admin key configured the endpoints are not registered at all.
	root := http.NewServeMux()
	if cfg.AdminKey != "" && handlers.Admin != nil {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /api/admin/genesis/start", handlers.Admin.GenesisStart)
		adminMux.HandleFunc("POST /api/admin/genesis/lock", handlers.Admin.GenesisLock)
		adminMux.HandleFunc("POST /api/admin/execute", handlers.Admin.Execute)
		adminMux.HandleFunc("POST /api/admin/pause", handlers.Admin.Pause)
		adminMux.HandleFunc("POST /api/admin/unpause", handlers.Admin.Unpause)
		adminMux.HandleFunc("POST /api/admin/fee", handlers.Admin.SetTreasuryFee)
		adminMux.HandleFunc("POST /api/admin/min-bet", handlers.Admin.SetMinBet)
		adminMux.HandleFunc("POST /api/admin/schedule", handlers.Admin.SetSchedule)
		adminMux.HandleFunc("POST /api/admin/rounds/{epoch}/cancel", handlers.Admin.CancelRound)
		adminMux.HandleFunc("POST /api/admin/treasury/claim", handlers.Admin.ClaimTreasury)
		adminMux.HandleFunc("GET /api/admin/audit", handlers.Admin.ListAudit)
		root.Handle("/api/admin/", middleware.Auth(cfg.AdminKey)(adminMux))
	}
	root.Handle("/", middleware.Auth(cfg.APIKey)(mux))

	// Build the middleware chain.
	var h http.Handler = root
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
