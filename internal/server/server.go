// Package server is the HTTP façade: the TradingView webhook receivers, the
// manual-order endpoint and the operational surface (health, status,
// metrics).
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/pipeline"
	"github.com/twquant/tvgateway/internal/registry"
)

// Deps holds everything the handlers reach into.
type Deps struct {
	Port int
	Log  zerolog.Logger

	TXPipeline  *pipeline.Pipeline // nil when TX login is disabled
	BTCPipeline *pipeline.Pipeline // nil when BTC login is disabled
	TXAdapter   broker.Adapter
	BTCAdapter  broker.Adapter
	Registry    *registry.Registry
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	txPipe  *pipeline.Pipeline
	btcPipe *pipeline.Pipeline
	txAdpt  broker.Adapter
	btcAdpt broker.Adapter
	reg     *registry.Registry

	startedAt time.Time
}

// New creates the server.
func New(d Deps) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       d.Log.With().Str("component", "server").Logger(),
		txPipe:    d.TXPipeline,
		btcPipe:   d.BTCPipeline,
		txAdpt:    d.TXAdapter,
		btcAdpt:   d.BTCAdapter,
		reg:       d.Registry,
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", d.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
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
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Post("/webhook", s.handleWebhook)
	s.router.Post("/webhook/btc", s.handleWebhookBTC)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/order", s.handleManualOrder)
	})
}

// Start blocks in ListenAndServe.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
