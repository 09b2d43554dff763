package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iqbridge/iqbridge/internal/domain"
	"github.com/iqbridge/iqbridge/internal/server/handler"
	"github.com/iqbridge/iqbridge/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per window per client IP; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Account *handler.AccountHandler
	Trade   *handler.TradeHandler
	Market  *handler.MarketHandler
}

// Server is the HTTP API surface of the gateway.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux
// and the middleware chain (auth, rate limiting, logging, CORS) applied.
// limiter may be nil to disable per-client rate limiting.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Liveness probe (no auth required).
	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)

	// Account session endpoints.
	mux.HandleFunc("POST /api/connect", handlers.Account.Connect)
	mux.HandleFunc("POST /api/balance", handlers.Account.GetBalance)

	// Trade endpoints.
	mux.HandleFunc("POST /api/trade", handlers.Trade.PlaceTrade)
	mux.HandleFunc("POST /api/trade/{id}/result", handlers.Trade.TradeResult)

	// Market data endpoints.
	mux.HandleFunc("POST /api/assets", handlers.Market.ListAssets)
	mux.HandleFunc("POST /api/candles", handlers.Market.Candles)
	mux.HandleFunc("POST /api/price", handlers.Market.Price)

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
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
		mux:        mux,
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
