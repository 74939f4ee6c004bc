package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/botsmith/botfleet/internal/controlplane/notify"
	"github.com/botsmith/botfleet/internal/controlplane/process"
	"github.com/botsmith/botfleet/internal/controlplane/provision"
	"github.com/botsmith/botfleet/internal/controlplane/reconcile"
	"github.com/botsmith/botfleet/internal/controlplane/registry"
	"github.com/botsmith/botfleet/internal/controlplane/renewal"
	"github.com/botsmith/botfleet/internal/controlplane/telegram"
	"github.com/botsmith/botfleet/internal/logging"
	"github.com/rs/zerolog/log"
)

// Run starts the fleet control plane HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:     "auto",
		Level:      cfg.LogLevel,
		Component:  "control-plane",
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer logging.Shutdown()

	log.Info().Str("version", version).Msg("Starting bot fleet control plane")

	// Ensure data directories exist
	if err := os.MkdirAll(cfg.WorkspacesDir(), 0o755); err != nil {
		return fmt.Errorf("create workspaces dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ControlPlaneDir(), 0o755); err != nil {
		return fmt.Errorf("create control-plane dir: %w", err)
	}

	// Open the tenant registry
	store, err := registry.NewStore(cfg.ControlPlaneDir())
	if err != nil {
		return fmt.Errorf("open tenant registry: %w", err)
	}
	defer store.Close()
	store.Trial = time.Duration(cfg.TrialDays) * 24 * time.Hour

	controller, closeController, err := newController(cfg)
	if err != nil {
		return fmt.Errorf("init process controller: %w", err)
	}
	if closeController != nil {
		defer closeController()
	}

	tg := telegram.NewClient()

	var sink notify.Sink
	if cfg.Notify == "log" {
		sink = notify.NewLogSink()
		log.Info().Msg("Notification sink: log-only (set FLEET_NOTIFY=telegram for delivery)")
	} else {
		sink = notify.NewTelegramSink(tg)
	}

	provisioner := provision.NewProvisioner(store, controller, tg, provision.Config{
		WorkspacesDir: cfg.WorkspacesDir(),
		TemplateDir:   cfg.TemplateDir,
		BotCommand:    cfg.BotCommand,
	})
	renewals := renewal.NewHandler(store, controller)

	// Build HTTP routes
	mux := http.NewServeMux()
	deps := &Deps{
		Config:      cfg,
		Store:       store,
		Provisioner: provisioner,
		Renewals:    renewals,
		Version:     version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           SecurityHeaders(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start the subscription reconciler
	reconciler := reconcile.New(store, controller, sink, reconcile.Config{
		Interval: cfg.ReconcileInterval,
	})
	go reconciler.Run(ctx)

	// Start the worker monitor
	monitor := NewMonitor(store, controller, provisioner, MonitorConfig{
		Interval:      60 * time.Second,
		RestartOnFail: true,
		FailThreshold: 3,
	})
	go monitor.Run(ctx)

	// Start metrics updater
	go runSubscriptionStateMetrics(ctx, store)

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("Control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Control plane stopped")
	return nil
}

// newController builds the ProcessController backend named by the config.
func newController(cfg *Config) (process.Controller, func() error, error) {
	switch cfg.Controller {
	case ControllerDocker:
		dc, err := process.NewDockerController(process.DockerConfig{
			Image:       cfg.BotImage,
			Network:     cfg.DockerNetwork,
			MemoryLimit: cfg.TenantMemoryLimit,
			CPUShares:   cfg.TenantCPUShares,
		})
		if err != nil {
			return nil, nil, err
		}
		return dc, dc.Close, nil
	default:
		sc := process.NewSupervisorController(process.SupervisorConfig{
			ConfDir: cfg.SupervisorConfDir,
			LogDir:  cfg.SupervisorLogDir,
			Ctl:     cfg.SupervisorCtl,
		})
		return sc, nil, nil
	}
}
