package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ratecontrol/config"
	"ratecontrol/native/access"
	"ratecontrol/native/ratecontrol"
	"ratecontrol/services/ratesd/middleware"
	"ratecontrol/services/ratesd/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	// Defaults is the tuning that config updates are merged over.
	Defaults      config.EntityParams
	StreamOrigins []string
	LogRequests   bool
}

// Server exposes the controller over HTTP.
type Server struct {
	cfg        Config
	controller *ratecontrol.Controller
	gate       *access.Gate
	audit      *storage.Store
	hub        *Hub
	auth       *middleware.Authenticator
	limiter    *middleware.RateLimiter
	obs        *middleware.Observability
	logger     *slog.Logger
	handler    http.Handler
}

// Option customises the server.
type Option func(*Server)

// WithAudit serves audit history from store.
func WithAudit(store *storage.Store) Option {
	return func(s *Server) { s.audit = store }
}

// WithRateLimiter throttles API callers.
func WithRateLimiter(limiter *middleware.RateLimiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs the server. hub must also be registered as an emitter on the
// controller for the stream endpoint to carry events.
func New(cfg Config, controller *ratecontrol.Controller, gate *access.Gate, hub *Hub, auth *middleware.Authenticator, opts ...Option) (*Server, error) {
	if controller == nil {
		return nil, fmt.Errorf("controller required")
	}
	if gate == nil {
		return nil, fmt.Errorf("access gate required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if hub == nil {
		hub = NewHub(0)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Defaults == (config.EntityParams{}) {
		cfg.Defaults = config.DefaultParams()
	}
	srv := &Server{cfg: cfg, controller: controller, gate: gate, hub: hub, auth: auth, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	srv.obs = middleware.NewObservability("ratesd", cfg.LogRequests, srv.logger)
	srv.handler = srv.routes()
	return srv, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}
		api.With(s.obs.Middleware("entities.list")).Get("/entities", s.handleListEntities)
		api.Route("/entities/{entity}", func(er chi.Router) {
			er.With(s.obs.Middleware("entities.status")).Get("/", s.handleStatus)
			er.With(s.obs.Middleware("entities.rates")).Get("/rates", s.handleRates)
			er.With(s.obs.Middleware("entities.latest")).Get("/rates/latest", s.handleLatest)
			er.With(s.obs.Middleware("entities.rate_at")).Get("/rates/{index}", s.handleRateAt)
			er.With(s.obs.Middleware("entities.push")).Post("/rates", s.handlePush)
			er.With(s.obs.Middleware("entities.pid")).Get("/pid", s.handlePidState)
			er.With(s.obs.Middleware("entities.history")).Get("/history", s.handleHistory)
			er.With(s.obs.Middleware("entities.export")).Get("/export", s.handleExport)
			er.With(s.obs.Middleware("entities.update")).Post("/update", s.handleUpdate)
			er.With(s.obs.Middleware("entities.paused")).Put("/paused", s.handlePaused)
			er.With(s.obs.Middleware("entities.capacity")).Put("/capacity", s.handleCapacity)
			er.With(s.obs.Middleware("entities.config")).Put("/config", s.handleConfig)
		})
		api.Route("/roles/{role}", func(rr chi.Router) {
			rr.Use(s.obs.Middleware("roles"))
			rr.Get("/", s.handleRoleMembers)
			rr.Post("/renounce", s.handleRenounce)
			rr.Post("/{identity}", s.handleGrant)
			rr.Delete("/{identity}", s.handleRevoke)
		})
		api.Get("/stream", s.handleStream)
	})
	return otelhttp.NewHandler(r, "ratesd")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
