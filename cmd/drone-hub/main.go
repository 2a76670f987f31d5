// Package main is the entry point for the Drone Hub: the host-side service
// that provisions container-backed drones, pipes prompts to the coding agents
// inside them, and bridges their repos and terminals back to the UI.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/archive"
	"github.com/dronehub/dronehub/internal/chats"
	"github.com/dronehub/dronehub/internal/common/config"
	"github.com/dronehub/dronehub/internal/common/logger"
	"github.com/dronehub/dronehub/internal/droned"
	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/events/bus"
	"github.com/dronehub/dronehub/internal/gateway"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/prompts"
	"github.com/dronehub/dronehub/internal/provision"
	"github.com/dronehub/dronehub/internal/reconcile"
	"github.com/dronehub/dronehub/internal/registry"
	"github.com/dronehub/dronehub/internal/repopull"
	"github.com/dronehub/dronehub/internal/settings"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger; the ring sink must be registered first so the
	// hub-logs endpoint sees everything from startup on.
	ring := settings.NewLogRing(0)
	logger.RegisterSink(ring)
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Drone Hub...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 4. Registry store and per-drone locks
	store := registry.NewStore(cfg.Registry.Path, log)
	if _, err := store.Load(); err != nil {
		log.Fatal("Failed to load registry", zap.Error(err), zap.String("path", cfg.Registry.Path))
	}
	log.Info("Registry loaded", zap.String("path", cfg.Registry.Path))
	locks := oplock.New()

	// 5. Container CLI and chat registry
	dvmClient := dvm.NewCLI(cfg.DVM.Binary, log)
	chatReg := chats.NewRegistry(store, locks, log)

	// 6. Prompt pipeline + pump
	pipeline := prompts.New(
		store, locks, chatReg, dvmClient,
		func(hostPort int, token string) prompts.Daemon {
			return droned.New(hostPort, token, log)
		},
		cfg.Agents, cfg.Daemon, eventBus, log,
	)
	pump := prompts.NewPump(pipeline, cfg.Workers.PendingPromptPump, log)
	defer pump.Close()

	// 7. Reconciliation
	reconciler := reconcile.New(
		store, dvmClient,
		func(hostPort int, token string) reconcile.Daemon {
			return droned.New(hostPort, token, log)
		},
		chatReg, pump, eventBus,
		cfg.Workers.Reconcile,
		cfg.Daemon.PromptEnqueueTimeoutDuration(),
		cfg.Agents.OpenCodeCmd,
		log,
	)
	reconciler.Start(ctx, 0)
	defer reconciler.Close()

	// 8. Provisioning; re-queue anything a previous hub left half-done.
	provisioner := provision.New(
		store, locks, dvmClient, chatReg, pipeline,
		cfg.DVM,
		cfg.Daemon.SeedBootstrapTimeoutDuration(),
		eventBus,
		cfg.Workers.Provision,
		log,
	)
	provisioner.EnqueueAll()
	defer provisioner.Close()

	// 9. Repo pull engine with the conflict-clear poller
	pullEngine := repopull.New(store, locks, dvmClient, eventBus, log)
	pullEngine.StartConflictClearPoller(ctx, 0)

	// 10. Archive sweeper
	archiveSvc := archive.New(store, locks, dvmClient, eventBus, log)
	if err := archiveSvc.StartSweeper(); err != nil {
		log.Fatal("Failed to start archive sweeper", zap.Error(err))
	}
	defer archiveSvc.StopSweeper()

	// 11. Settings
	settingsSvc := settings.New(store, cfg.LLM, ring)

	// Drain prompts that were queued when the previous hub stopped.
	pump.TriggerAll()

	// 12. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := gateway.New(
		store, locks, dvmClient, chatReg, pipeline, pump,
		reconciler, provisioner, pullEngine, archiveSvc, settingsSvc,
		eventBus,
		func(hostPort int, token string) *droned.Client {
			return droned.New(hostPort, token, log)
		},
		cfg, log,
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Drone Hub listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Drone Hub...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Drone Hub stopped")
}
