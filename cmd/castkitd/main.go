// Command castkitd runs the CastKit synthesis service: the HTTP API,
// the dispatch engine, the timeout sweeper, and the Prometheus exporter
// in a single process.
//
// Usage:
//
//	castkitd -config castkit.yaml
//
// Coordination state lives in Redis when redis.addr is configured and
// reachable at boot; otherwise the process falls back to in-memory
// coordination and logs the narrowed scope.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/AuralisLabs/CastKit/config"
	"github.com/AuralisLabs/CastKit/engine"
	"github.com/AuralisLabs/CastKit/limiter"
	"github.com/AuralisLabs/CastKit/logger"
	castprom "github.com/AuralisLabs/CastKit/metrics/prometheus"
	"github.com/AuralisLabs/CastKit/monitor"
	"github.com/AuralisLabs/CastKit/persistence"
	"github.com/AuralisLabs/CastKit/provider"
	"github.com/AuralisLabs/CastKit/service"
	"github.com/AuralisLabs/CastKit/storage"
	"github.com/AuralisLabs/CastKit/sweeper"
	"github.com/AuralisLabs/CastKit/telemetry"
	"github.com/AuralisLabs/CastKit/version"
)

const (
	shutdownTimeout   = 15 * time.Second
	redisProbeTimeout = 2 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "castkit.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetVersionInfo())
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "castkitd: %v\n", err)
		return 1
	}

	version.LogStartup()
	logger.Info("configuration loaded",
		"config", *configPath,
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"max_concurrent_tasks", cfg.Tasks.MaxConcurrentTasks,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Propagation is always on so inbound trace headers follow a task to
	// the provider handshake. Span export needs an endpoint.
	telemetry.SetupPropagation()
	if cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
		if err != nil {
			logger.Error("tracer provider init failed", "error", err)
			return 1
		}
		otel.SetTracerProvider(tp)
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(flushCtx); err != nil {
				logger.Warn("tracer provider shutdown", "error", err)
			}
		}()
		logger.Info("trace export enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	}

	// One probe decides the coordination backend for the monitor, the
	// limiter, and the sweep elector together. Mixing a live in-memory
	// monitor with a dead Redis limiter would fail every acquire.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		probeCtx, cancel := context.WithTimeout(ctx, redisProbeTimeout)
		err := redisClient.Ping(probeCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, using in-process coordination; "+
				"fleet-wide limiting, idempotency, and sweep election are disabled",
				"addr", cfg.Redis.Addr, "error", err)
			_ = redisClient.Close()
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis client close", "error", err)
			}
		}()
	}

	mon := monitor.Select(ctx, redisClient,
		monitor.WithPrefix(cfg.Redis.KeyPrefix),
		monitor.WithIdempotencyTTL(cfg.Tasks.IdempotencyTTL()),
		monitor.WithTerminalRetention(cfg.Tasks.TerminalRetention()),
	)
	defer func() {
		if err := mon.Close(); err != nil {
			logger.Warn("monitor close", "error", err)
		}
	}()

	var lim limiter.Limiter
	if redisClient != nil {
		lim = limiter.NewRedisLimiter(redisClient, cfg.Tasks.MaxConcurrentTasks,
			limiter.WithPrefix(cfg.Redis.KeyPrefix),
			limiter.WithSlotTTL(cfg.Tasks.SlotTTL()),
		)
	} else {
		lim = limiter.NewLocalLimiter(cfg.Tasks.MaxConcurrentTasks)
	}

	var store persistence.Store
	if cfg.Postgres.DSN != "" {
		pg, err := persistence.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			return 1
		}
		store = pg
		logger.Info("persistence backend", "backend", "postgres")
	} else {
		store = persistence.NewMemoryStore()
		logger.Warn("no postgres dsn configured, rows will not survive a restart",
			"backend", "memory")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("persistence close", "error", err)
		}
	}()

	var blobs storage.BlobStore
	switch cfg.Blob.Backend {
	case "s3":
		blobs, err = storage.NewS3Store(ctx, cfg.Blob)
	default:
		blobs, err = storage.NewFileStore(cfg.Blob.Dir, cfg.Blob.PublicBaseURL)
	}
	if err != nil {
		logger.Error("blob store init failed", "backend", cfg.Blob.Backend, "error", err)
		return 1
	}
	logger.Info("blob backend", "backend", cfg.Blob.Backend)

	synth, err := provider.NewClient(cfg.Provider)
	if err != nil {
		logger.Error("provider client init failed", "error", err)
		return 1
	}

	eng := engine.NewEngine(cfg, synth, mon, store, blobs)

	var elector sweeper.Elector = sweeper.LocalElector{}
	if redisClient != nil {
		elector = sweeper.NewRedisElector(redisClient, cfg.Redis.KeyPrefix, 0)
	}
	swp := sweeper.New(mon, elector, cfg.Tasks.TaskTimeout(), cfg.Tasks.SweepInterval())
	go swp.Run(ctx)

	exporter := castprom.NewExporter(cfg.MetricsAddr)
	go func() {
		if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics exporter failed", "addr", cfg.MetricsAddr, "error", err)
		}
	}()

	svc := service.New(service.Deps{
		Config:   cfg,
		Engine:   eng,
		Monitor:  mon,
		Limiter:  lim,
		Store:    store,
		Blobs:    blobs,
		Provider: synth,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           otelhttp.NewHandler(service.NewHandler(svc), "castkit.http"),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// New work stops first; in-flight tasks get the rest of the window to
	// reach a terminal state through their normal paths.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Warn("service close", "error", err)
	}
	if err := exporter.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics exporter shutdown", "error", err)
	}

	logger.Info("castkitd stopped")
	return 0
}
