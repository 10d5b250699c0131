package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"ratecontrol/config"
	"ratecontrol/core/events"
	"ratecontrol/core/state"
	"ratecontrol/native/access"
	nativecommon "ratecontrol/native/common"
	"ratecontrol/native/ratecontrol"
	"ratecontrol/observability"
	"ratecontrol/observability/logging"
	telemetry "ratecontrol/observability/otel"
	"ratecontrol/services/ratesd/adapters"
	daemonconfig "ratecontrol/services/ratesd/config"
	"ratecontrol/services/ratesd/hooks"
	"ratecontrol/services/ratesd/middleware"
	"ratecontrol/services/ratesd/server"
	auditstore "ratecontrol/services/ratesd/storage"
	"ratecontrol/storage"
)

func main() {
	var (
		cfgPath     string
		logFile     string
		logRequests bool
	)
	flag.StringVar(&cfgPath, "config", "services/ratesd/config.yaml", "path to ratesd configuration file")
	flag.StringVar(&logFile, "log-file", "", "optional rotating log file")
	flag.BoolVar(&logRequests, "log-requests", false, "log every HTTP request")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RATES_ENV"))
	var fileOpts *logging.FileOptions
	if strings.TrimSpace(logFile) != "" {
		fileOpts = &logging.FileOptions{Path: logFile, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14, Compress: true}
	}
	logger, closeLogs := logging.SetupWithOptions(logging.Options{Service: "ratesd", Env: env, Level: slog.LevelInfo, File: fileOpts})
	defer closeLogs.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("ratesd", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := daemonconfig.Load(cfgPath)
	if err != nil {
		log.Fatalf("ratesd: load config: %v", err)
	}
	params, err := config.Load(cfg.ParamsPath)
	if err != nil {
		log.Fatalf("ratesd: load controller params: %v", err)
	}
	admin, err := params.AdminIdentity()
	if err != nil {
		log.Fatalf("ratesd: %v", err)
	}
	defaults, err := params.Defaults.EntityConfig()
	if err != nil {
		log.Fatalf("ratesd: default entity config: %v", err)
	}
	overrides, err := params.EntityConfigs()
	if err != nil {
		log.Fatalf("ratesd: %v", err)
	}
	grants, err := params.Grants()
	if err != nil {
		log.Fatalf("ratesd: %v", err)
	}
	sourceTimeout, hookTimeout, err := params.Timeouts()
	if err != nil {
		log.Fatalf("ratesd: %v", err)
	}

	db, err := storage.NewLevelDB(params.DataDir)
	if err != nil {
		log.Fatalf("ratesd: open state store %s: %v", params.DataDir, err)
	}
	defer db.Close()
	mgr := state.NewManager(db)

	hub := server.NewHub(cfg.Stream.Buffer)
	fanout := events.NewFanout(hub, observability.Events())
	var audit *auditstore.Store
	if !cfg.Audit.Disabled {
		dsn := strings.TrimSpace(cfg.Audit.DSN)
		if dsn == "" {
			if dsn, err = auditstore.FileDSN(cfg.Audit.Path); err != nil {
				log.Fatalf("ratesd: resolve audit DSN: %v", err)
			}
		}
		if audit, err = auditstore.Open(dsn, logger); err != nil {
			log.Fatalf("ratesd: open audit store: %v", err)
		}
		defer audit.Close()
		fanout.Add(audit)
	}

	gate, err := access.New(mgr, admin, access.WithEmitter(fanout))
	if err != nil {
		log.Fatalf("ratesd: access gate: %v", err)
	}
	if err := applyGrants(gate, admin, grants); err != nil {
		log.Fatalf("ratesd: apply role grants: %v", err)
	}

	registry := adapters.NewRegistry()
	router, err := registry.BuildRouter(cfg.Sources)
	if err != nil {
		log.Fatalf("ratesd: build sources: %v", err)
	}
	pauseHooks := hooks.Chain{hooks.Logging{Logger: logger}}
	if endpoint := strings.TrimSpace(cfg.Hook.Endpoint); endpoint != "" {
		pauseHooks = append(pauseHooks, hooks.NewWebhook(endpoint, cfg.Hook.Secret, cfg.Hook.Timeout.Duration))
	}

	controller, err := ratecontrol.New(mgr, gate, defaults,
		ratecontrol.WithSource(router),
		ratecontrol.WithPauseHook(pauseHooks),
		ratecontrol.WithEmitter(fanout),
		ratecontrol.WithPauses(nativecommon.NewPauses(params.PausedModules...)),
		ratecontrol.WithLogger(logger),
		ratecontrol.WithSourceTimeout(sourceTimeout),
		ratecontrol.WithHookTimeout(hookTimeout),
		ratecontrol.WithOverrides(overrides),
	)
	if err != nil {
		log.Fatalf("ratesd: controller: %v", err)
	}
	if _, err := controller.Hydrate(); err != nil {
		log.Fatalf("ratesd: hydrate controller: %v", err)
	}

	authenticator, err := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ClockSkew:      cfg.Auth.ClockSkew.Duration,
		AllowAnonymous: cfg.Auth.AnonymousReads,
	}, logger)
	if err != nil {
		log.Fatalf("ratesd: configure auth: %v", err)
	}
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}, logger)

	opts := []server.Option{server.WithRateLimiter(limiter), server.WithLogger(logger)}
	if audit != nil {
		opts = append(opts, server.WithAudit(audit))
	}
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Defaults:      params.Defaults,
		LogRequests:   logRequests,
	}, controller, gate, hub, authenticator, opts...)
	if err != nil {
		log.Fatalf("ratesd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}

// applyGrants replays the configured grants as the bootstrap admin. Roles
// administered by ADMIN go first so the admin can pick up UPDATER_ADMIN before
// granting ORACLE_UPDATER.
func applyGrants(gate *access.Gate, admin common.Address, grants []config.Grant) error {
	ordered := append([]config.Grant(nil), grants...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return grantRank(ordered[i].Role) < grantRank(ordered[j].Role)
	})
	for _, grant := range ordered {
		for _, member := range grant.Members {
			if err := gate.GrantRole(admin, grant.Role, member); err != nil {
				return fmt.Errorf("grant %s to %s: %w", grant.Role, member.Hex(), err)
			}
		}
		if grant.Open {
			if err := gate.GrantRole(admin, grant.Role, access.NullIdentity); err != nil {
				return fmt.Errorf("open %s: %w", grant.Role, err)
			}
		}
	}
	return nil
}

func grantRank(role access.Role) int {
	if adminRole, err := access.AdminRole(role); err == nil && adminRole == access.RoleAdmin {
		return 0
	}
	return 1
}
