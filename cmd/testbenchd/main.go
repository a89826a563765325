// Command testbenchd runs the agent test scheduler daemon: the SQLite
// work queue, the dispatch scheduler, the abandonment reaper, and the
// HTTP/WebSocket gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/backend"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/bus"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/collab"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/config"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/gateway"
	otelPkg "github.com/MikePfunk28/agent-builder-application-sub000/internal/otel"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/queue"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/router"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/scheduler"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/telemetry"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/window"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()

	store, err := queue.Open(filepath.Join(cfg.HomeDir, "testbench.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	win, err := window.New(store, eventBus, filepath.Join(cfg.HomeDir, "blobs"), window.Config{
		SlidingWindowSize:      cfg.Window.SlidingWindowSize,
		OverflowThresholdBytes: cfg.Window.OverflowThresholdBytes,
	}, logger)
	if err != nil {
		fatalStartup(logger, "E_WINDOW_INIT", err)
	}
	defer win.Wait()

	registry := router.NewRegistry()
	registry.SetManagedPrefixes(cfg.ManagedPrefixes)

	containerRunner, err := backend.NewContainerRunner(
		cfg.Backends.Container.Image,
		cfg.Backends.Container.MemoryMB,
		cfg.Backends.Container.NetworkMode,
		cfg.Backends.Container.Workspace,
		logger,
	)
	if err != nil {
		logger.Warn("container backend unavailable, self-hosted models will fail to dispatch", "error", err)
	} else {
		registry.Register(containerRunner)
	}

	moduleDir := cfg.Backends.Function.ModuleDir
	if moduleDir == "" {
		moduleDir = filepath.Join(cfg.HomeDir, "modules")
	}
	functionRunner := backend.NewFunctionRunner(ctx, backend.FunctionConfig{
		ModuleDir:        moduleDir,
		MemoryLimitPages: cfg.Backends.Function.MemoryLimitPages,
		InvokeTimeout:    time.Duration(cfg.Backends.Function.InvokeTimeoutSeconds) * time.Second,
		Logger:           logger,
	})
	registry.Register(functionRunner)

	// The function runner doubles as the sandbox's degraded-mode fallback
	// for packaged agent code.
	registry.Register(backend.NewManagedSandbox(ctx, backend.SandboxConfig{
		Provider: cfg.Backends.Sandbox.Provider,
		BaseURL:  cfg.Backends.Sandbox.BaseURL,
		APIKey:   cfg.Backends.Sandbox.APIKey,
	}, functionRunner, logger))
	logger.Info("startup phase", "phase", "backends_registered", "kinds", registry.Kinds())

	agents := collab.NewAgentDirectory(store)
	gate := collab.NewTierGate(store, cfg.Tiers, logger)
	meter := collab.NewUsageMeter(metrics, logger)

	workerID := "scheduler-" + uuid.NewString()[:8]
	sched, err := scheduler.New(store, registry, agents, win, meter, metrics, logger, scheduler.Config{
		WorkerID:            workerID,
		MaxConcurrent:       cfg.Scheduler.MaxConcurrent,
		MaxAttempts:         cfg.Scheduler.MaxAttempts,
		InvokeTimeout:       cfg.Scheduler.InvokeTimeout(),
		BackstopInterval:    cfg.Scheduler.BackstopInterval(),
		DispatchParallelism: cfg.Scheduler.DispatchParallelism,
		Tracer:              otelProvider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	reaper, err := scheduler.NewReaper(store, eventBus, metrics, sched.Notify, logger, scheduler.ReaperConfig{
		Schedule:    cfg.Scheduler.ReaperSchedule,
		StaleAfter:  cfg.Scheduler.ClaimStaleAfter(),
		MaxAttempts: cfg.Scheduler.MaxAttempts,
	})
	if err != nil {
		fatalStartup(logger, "E_REAPER_INIT", err)
	}
	reaper.Start(ctx)
	defer reaper.Stop()

	// One sweep at boot picks up claims abandoned by a previous process.
	if reclaimed, err := reaper.RunOnce(ctx); err != nil {
		logger.Warn("boot recovery sweep failed", "error", err)
	} else if reclaimed > 0 {
		logger.Info("boot recovery sweep", "reclaimed", reclaimed)
	}

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Agents:            agents,
		Gate:              gate,
		Window:            win,
		Bus:               eventBus,
		Metrics:           metrics,
		Notify:            sched.Notify,
		AuthToken:         cfg.AuthToken,
		RateLimit:         cfg.Gateway.RateLimit,
		CORS:              cfg.Gateway.CORS,
		ConfigFingerprint: cfg.Fingerprint(),
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.StartEviction(ctx, 10*time.Minute, 30*time.Minute)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				next, err := config.Load()
				if err != nil {
					logger.Warn("config reload failed, keeping previous", "path", ev.Path, "error", err)
					continue
				}
				gate.SetTiers(next.Tiers)
				registry.SetManagedPrefixes(next.ManagedPrefixes)
				logger.Info("config reloaded",
					"path", ev.Path,
					"fingerprint", next.Fingerprint(),
					"applied", "tiers, managed_prefixes",
				)
			}
		}()
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let the scheduler drain via its deferred
	// Stop; in-flight dispatches settle or are reaped on next boot.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
