// Package server provides the HTTP server and routing for tradelib.
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

	"github.com/aristath/tradelib/internal/config"
	"github.com/aristath/tradelib/internal/di"
	performancehandlers "github.com/aristath/tradelib/internal/modules/performance/handlers"
	portfoliohandlers "github.com/aristath/tradelib/internal/modules/portfolio/handlers"
	pricinghandlers "github.com/aristath/tradelib/internal/modules/pricing/handlers"
	rebalancinghandlers "github.com/aristath/tradelib/internal/modules/rebalancing/handlers"
	tradinghandlers "github.com/aristath/tradelib/internal/modules/trading/handlers"
)

// Config holds server configuration
type Config struct {
	Port      int
	Log       zerolog.Logger
	Config    *config.Config
	DevMode   bool
	Container *di.Container
}

// Server is the HTTP server. Routing is fixed at construction; handlers pull
// their services from the DI container.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            *config.Config
	container      *di.Container
	systemHandlers *SystemHandlers
}

// New creates the HTTP server with all routes mounted
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Config,
		container: cfg.Container,
	}

	s.systemHandlers = NewSystemHandlers(
		cfg.Log,
		cfg.Config,
		cfg.Container.Databases(),
		cfg.Container.BackupService,
	)

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check at the root for load balancers and process supervisors
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// SSE event stream, registered before the module routes
		eventsHandler := NewEventsStreamHandler(s.container.EventBus, s.log)
		r.Get("/events/stream", eventsHandler.ServeHTTP)

		// System monitoring and operations
		r.Get("/system/info", s.systemHandlers.HandleSystemInfo)
		r.Post("/backup", s.systemHandlers.HandleCreateBackup)
		r.Get("/backups", s.systemHandlers.HandleListBackups)

		// Portfolio state
		portfolioHandler := portfoliohandlers.NewHandler(
			s.container.PortfolioStore,
			s.container.PricingService,
			s.log,
		)
		portfolioHandler.RegisterRoutes(r)

		// Price lookups and the price sync feed
		pricingHandler := pricinghandlers.NewHandler(s.container.PricingService, s.log)
		pricingHandler.RegisterRoutes(r)

		// Rebalance cycles and previews
		rebalancingHandler := rebalancinghandlers.NewHandler(s.container.TradingService, s.log)
		rebalancingHandler.RegisterRoutes(r)

		// Trade history and order control
		tradingHandler := tradinghandlers.NewHandler(
			s.container.TradeRepo,
			s.container.TradingService,
			s.container.Backend,
			s.log,
		)
		tradingHandler.RegisterRoutes(r)

		// Performance metrics
		performanceHandler := performancehandlers.NewHandler(s.container.PerformanceService, s.log)
		performanceHandler.RegisterRoutes(r)
	})
}

// Start starts the HTTP server and blocks until shutdown or failure
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests
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
