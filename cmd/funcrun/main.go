package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/bus"
	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/engine"
	"github.com/wudi/funcrun/internal/execlog"
	"github.com/wudi/funcrun/internal/gateway"
	"github.com/wudi/funcrun/internal/kv"
	"github.com/wudi/funcrun/internal/logging"
	"github.com/wudi/funcrun/internal/metrics"
	"github.com/wudi/funcrun/internal/objstore"
	"github.com/wudi/funcrun/internal/pkgcache"
	"github.com/wudi/funcrun/internal/policy"
	"github.com/wudi/funcrun/internal/sandbox"
	"github.com/wudi/funcrun/internal/scheduler"
	"github.com/wudi/funcrun/internal/store"
	"github.com/wudi/funcrun/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/funcrun.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("funcrun %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting funcrun",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("database", cfg.Database.Driver),
		zap.String("bus", cfg.Bus.Driver),
	)

	if err := run(cfg); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata store.
	var (
		st store.Store
		pg *store.Postgres
	)
	switch cfg.Database.Driver {
	case "postgres":
		var err error
		pg, err = store.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		// NewPostgres runs pending migrations before returning.
		defer pg.Close()
		st = pg
	default:
		st = store.NewMemory()
	}

	// Invalidation bus.
	var eventBus bus.Bus
	switch cfg.Bus.Driver {
	case "postgres":
		eventBus = bus.NewPostgresBus(pg.Pool(), pg.ConnString())
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		eventBus = bus.NewRedisBus(client)
	default:
		mb := bus.NewMemoryBus()
		if mem, ok := st.(*store.Memory); ok {
			mem.SetPublisher(mb)
		}
		eventBus = mb
	}
	defer eventBus.Close()

	// Package archives.
	objects, err := objstore.Open(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	defer objects.Close()

	packages, err := pkgcache.New(cfg.PkgCache, objects)
	if err != nil {
		return fmt.Errorf("init package cache: %w", err)
	}

	// Per-project KV.
	var kvStore kv.Store
	if cfg.KV.Driver == "redis" {
		kvStore, err = kv.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect kv redis: %w", err)
		}
	} else {
		kvStore = kv.NewMemory()
	}

	collector := metrics.NewCollector()
	packages.SetMetrics(collector)

	logSink := execlog.NewLogger(st, cfg.ExecLog)
	go logSink.Run(ctx)
	collector.SetGauges(logSink.Dropped, packages.SizeBytes)

	sweeper := execlog.NewSweeper(st, cfg.ExecLog.SweepInterval)
	go sweeper.Run(ctx)

	pool := sandbox.NewPool(cfg.Sandbox)
	defer pool.Flush()

	pol := policy.NewEngine(st, cfg.Policy.CacheTTL)

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracer.Close()

	eng := engine.New(engine.Deps{
		Store:    st,
		Packages: packages,
		Workers:  pool,
		Policy:   pol,
		KV:       kvStore,
		Log:      logSink,
		Metrics:  collector,
		Tracer:   tracer,
	}, cfg.Sandbox, cfg.Gateway.EnvCacheTTL)

	server := gateway.NewServer(cfg.Server, cfg.Gateway, st, eng, collector)

	// Every instance consumes invalidations; a dropped connection flushes
	// all caches on reconnect.
	go func() {
		err := eventBus.Subscribe(ctx, bus.HandlerFuncs{
			Event: func(e bus.Event) {
				server.HandleEvent(e)
				eng.HandleEvent(e)
				pol.HandleEvent(e)
				packages.HandleEvent(e)
			},
			Reconnect: func() {
				server.Flush()
				eng.Flush()
				pol.Flush()
				packages.Flush()
			},
		})
		if err != nil && ctx.Err() == nil {
			logging.Error("Bus subscription ended", zap.Error(err))
		}
	}()

	sched := scheduler.New(st, eng, collector, cfg.Scheduler)
	if cfg.Scheduler.Enabled {
		go sched.Run(ctx)
	}

	handler := http.Handler(server.Handler())
	if tracer.IsEnabled() {
		handler = tracer.Middleware(handler)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logging.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Forced shutdown", zap.Error(err))
	}

	// Stop background work, then drain in-flight scheduled runs and the
	// execution log queue.
	cancel()
	sched.Wait()
	logSink.Wait()
	return nil
}
