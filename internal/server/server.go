package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/server/handler"
	"github.com/alanyoungcy/ibexd/internal/server/middleware"
	"github.com/alanyoungcy/ibexd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per window per client IP; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Strategy  *handler.StrategyHandler
	Trades    *handler.TradeHandler
	Portfolio *handler.PortfolioHandler
}

// Server is the headless HTTP + WebSocket API for the trading engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limiting, auth, logging, CORS) applied. limiter
// may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Strategy lifecycle.
	mux.HandleFunc("POST /api/strategies", handlers.Strategy.Create)
	mux.HandleFunc("GET /api/strategies", handlers.Strategy.List)
	mux.HandleFunc("GET /api/strategies/{id}", handlers.Strategy.Get)
	mux.HandleFunc("DELETE /api/strategies/{id}", handlers.Strategy.Delete)
	mux.HandleFunc("PATCH /api/strategies/{id}/basic", handlers.Strategy.PatchBasic)
	mux.HandleFunc("PUT /api/strategies/{id}/conditions", handlers.Strategy.PutConditions)
	mux.HandleFunc("PUT /api/strategies/{id}/actions", handlers.Strategy.PutActions)
	mux.HandleFunc("POST /api/strategies/{id}/activate", handlers.Strategy.Activate)
	mux.HandleFunc("POST /api/strategies/{id}/pause", handlers.Strategy.Pause)
	mux.HandleFunc("POST /api/strategies/{id}/resume", handlers.Strategy.Resume)
	mux.HandleFunc("POST /api/strategies/{id}/cancel", handlers.Strategy.Cancel)
	mux.HandleFunc("GET /api/strategies/{id}/events", handlers.Strategy.Events)
	mux.HandleFunc("GET /api/strategies/{id}/runs", handlers.Strategy.Runs)

	// Event stream (all strategies).
	mux.HandleFunc("GET /api/events", handlers.Strategy.RecentEvents)

	// Trade reads.
	mux.HandleFunc("GET /api/trades/active", handlers.Trades.Active)
	mux.HandleFunc("GET /api/trades/logs", handlers.Trades.Logs)

	// Portfolio reads.
	mux.HandleFunc("GET /api/portfolio/summary", handlers.Portfolio.Summary)
	mux.HandleFunc("GET /api/portfolio/positions", handlers.Portfolio.Positions)

	// WebSocket event feed.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = corsMiddleware(cfg.CORSOrigins)(h)

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

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Idempotency-Key")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
