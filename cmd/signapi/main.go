package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markenriz8-crypto/signapi-markuz/pkg/config"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/hardening"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/httpx"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/logging"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/metrics"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/ratelimit"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/recovery"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer/goplugin"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer/wasmplugin"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signing"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/store"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/stream"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/telemetry"

	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
)

const serviceName = "signapi"

type (
	signapiInitTelemetryFunc func(context.Context, telemetry.Config, logging.Logger) (func(context.Context) error, error)
	signapiOpenRedisFunc     func(context.Context, store.RedisOptions) (*redis.Client, error)
	signapiListenFunc        func(*http.Server) error
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runSignapi(ctx, initTelemetryFn, openRedisFn, listenFn); err != nil {
		logFatalf("signapi: %v", err)
	}
}

func runSignapi(
	ctx context.Context,
	initTelemetry signapiInitTelemetryFunc,
	openRedis signapiOpenRedisFunc,
	listen signapiListenFunc,
) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	lg := logging.New(serviceName)

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               serviceName,
		Environment:           cfg.Environment,
		StrictProdSecurity:    cfg.StrictProdSecurity,
		RedisAddr:             redisAddrForHardening(cfg),
		RedisRequireTLS:       cfg.RedisRequireTLS,
		RedisTLSInsecure:      cfg.RedisTLSInsecure,
		RedisAllowInsecureTLS: cfg.RedisAllowInsecureTLS,
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		ProxyFallback:         cfg.ProxyFallback,
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "RELOAD_TOKEN", Value: cfg.ReloadToken},
		},
	}); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, telemetry.ConfigFromEnv(serviceName), lg.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var limiter ratelimit.Limiter = ratelimit.NewInMemory(cfg.RateLimitWindow())
	var redisClient *redis.Client
	if cfg.RateLimitRedis {
		opts, err := store.RedisOptionsFromEnv()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		redisClient, err = openRedis(ctx, opts)
		if err != nil {
			lg.Warn("redis unavailable, falling back to in-memory limits", "error", err)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
		limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow())
	}

	s, err := newServer(cfg, lg, limiter)
	if err != nil {
		return err
	}
	defer s.Pool.Release()
	if redisClient != nil {
		s.Health.AddReadinessCheck("redis", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return redisClient.Ping(pingCtx).Err()
		})
	}

	monitor, err := newMonitor(s, cfg, lg)
	if err != nil {
		return err
	}
	go monitor.Run(ctx)

	lg.Info("loading signer backend", "plugin", s.Loader.Name(), "dir", cfg.SignerPluginDir)
	// The first load runs in the background; requests arriving before it
	// completes trigger an on-demand load that joins it.
	go s.Loader.Load(context.WithoutCancel(ctx))

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}
	lg.Info("signapi listening", "addr", server.Addr, "signer", cfg.SignerPlugin, "proxy", cfg.ProxyFallback != "")

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// newServer wires the signer, the coordinator and the admission controller.
func newServer(cfg *config.Config, lg logging.Logger, limiter ratelimit.Limiter) (*Server, error) {
	pool, err := ants.NewPool(cfg.MaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	s := &Server{
		Config:            cfg,
		Log:               lg,
		Metrics:           metrics.NewRegistry(),
		Events:            stream.NewHub(64),
		Faults:            recovery.NewFaults(),
		Pool:              pool,
		TrustedProxyCIDRs: httpx.ParseCIDRs(cfg.TrustedProxyCIDRs),
	}
	loaderOpts := []signer.Option{
		signer.WithLogger(lg.Named("signer")),
		signer.WithObserver(s.observeSignerEvent),
	}
	if len(cfg.SignerLaunchArgs) > 0 {
		initCfg := signer.DefaultInitConfig()
		initCfg.LaunchOptions.Args = cfg.SignerLaunchArgs
		loaderOpts = append(loaderOpts, signer.WithInitConfig(initCfg))
	}
	s.Loader = signer.NewLoader(cfg.SignerPlugin,
		signer.Chain{
			signer.RegistryResolver{},
			&wasmplugin.Resolver{Dir: cfg.SignerPluginDir},
			&goplugin.Resolver{Dir: cfg.SignerPluginDir},
		},
		loaderOpts...,
	)
	s.Signing = &signing.Coordinator{
		Backend:      s.Loader,
		ProxyURL:     cfg.ProxyFallback,
		ProxyClient:  telemetry.InstrumentClient(nil, cfg.ProxyTimeout()),
		ProxyRetries: cfg.ProxyRetries,
		Pool:         pool,
		Timeout:      cfg.SignTimeout(),
		Faults:       s.Faults,
		Metrics:      s.Metrics,
		Log:          lg.Named("signing"),
		Tracer:       telemetry.Tracer("signapi/signing"),
	}
	s.Admission = &ratelimit.Admission{
		Limiter:  limiter,
		Points:   cfg.RateLimitPoints,
		OnReject: func(string) { s.Metrics.RateLimited.Inc() },
	}
	s.Health = newHealth(s)
	return s, nil
}

// newMonitor reloads s.Loader when a fault on s.Faults matches a crash
// signature.
func newMonitor(s *Server, cfg *config.Config, lg logging.Logger) (*recovery.Monitor, error) {
	monitor := &recovery.Monitor{
		Faults:  s.Faults,
		Loader:  s.Loader,
		Log:     lg.Named("recovery"),
		OnEvent: s.observeSignerEvent,
	}
	if cfg.CrashPatterns != "" {
		patterns, err := recovery.ParsePatterns(cfg.CrashPatterns)
		if err != nil {
			return nil, fmt.Errorf("CRASH_PATTERNS: %w", err)
		}
		monitor.Patterns = patterns
	}
	return monitor, nil
}

// redisAddrForHardening only reports a Redis address when the shared
// limiter is enabled, so an unused REDIS_ADDR is not held to TLS rules.
func redisAddrForHardening(cfg *config.Config) string {
	if !cfg.RateLimitRedis {
		return ""
	}
	if cfg.RedisAddr == "" {
		return "localhost:6379"
	}
	return cfg.RedisAddr
}
