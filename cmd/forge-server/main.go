// Package main is the entry point for the forge-server runtime core.
//
// forge-server provisions, meters, and multiplexes IDE connections into
// ephemeral cloud development sandboxes.
//
// Usage:
//
//	forge-server
//
// It takes no command-line flags; everything is read from the environment
// by config.Load, for example:
//
//	HTTP_PORT     HTTP server port (default 8080)
//	DRIVER_NAME   Backend driver: docker, memory (default docker)
//	FORGE_ENV     "production" switches from console to JSON log output
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/forgehq/runtime-core/internal/api"
	"github.com/forgehq/runtime-core/internal/authn"
	"github.com/forgehq/runtime-core/internal/collab"
	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/ledger"
	"github.com/forgehq/runtime-core/internal/metrics"
	"github.com/forgehq/runtime-core/internal/multiplex"
	"github.com/forgehq/runtime-core/internal/obsmetrics"
	"github.com/forgehq/runtime-core/internal/orchestrator"
	"github.com/forgehq/runtime-core/internal/pool"
	"github.com/forgehq/runtime-core/internal/store"
	"github.com/forgehq/runtime-core/internal/store/boltstore"
	"github.com/forgehq/runtime-core/internal/store/memstore"
	"github.com/forgehq/runtime-core/internal/usage"

	// Register engine drivers.
	_ "github.com/forgehq/runtime-core/internal/driver/docker"
	_ "github.com/forgehq/runtime-core/internal/driver/memdriver"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("FORGE_ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	log.Info().Str("version", Version).Str("commit", GitCommit).Str("built", BuildDate).
		Msg("forge-server starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	drv, err := driver.NewDriver(cfg.DriverName, nil)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DriverName).Msg("failed to initialize driver")
	}
	defer drv.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := drv.Healthy(healthCtx); err != nil {
		log.Fatal().Err(err).Msg("driver health check failed")
	}
	healthCancel()

	var st store.Store
	switch cfg.StoreBackend {
	case "bolt":
		st, err = boltstore.Open(cfg.BoltPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open bolt store")
		}
	default:
		st = memstore.New()
	}
	defer st.Close()

	ldg := ledger.New(st, cfg)

	sampler := metrics.New(drv, cfg.SampleInterval, cfg.HistoryWindow)
	collector := obsmetrics.NewCollector()

	meter := usage.New(cfg, ldg, nil)
	meter.Start()
	defer meter.Stop()

	pl := pool.New(drv, cfg.Pool)
	pl.RegisterKey(orchestrator.DefaultWorkspaceKey, driver.SandboxSpec{Image: "forge-workspace:base"})
	pl.Start()
	defer pl.Stop()

	orch := orchestrator.New(drv, pl, sampler, meter, st, cfg)
	orch.SetMetricsCollector(collector)
	meter.SetHandler(orch)
	sampler.Subscribe(meter)
	sampler.Subscribe(collector)
	orch.Start()
	defer orch.Stop()

	verifier := authn.New(cfg.JWTSecret)
	bcast := collab.New()

	var lsp multiplex.LanguageServerProxy
	var dap multiplex.DebugAdapterProxy
	if cfg.LanguageServerCommand != "" {
		lsp = multiplex.NewExecLanguageServerProxy(drv, func(string) []string {
			return []string{cfg.LanguageServerCommand}
		})
	}
	if cfg.DebugAdapterCommand != "" {
		dap = multiplex.NewExecDebugAdapterProxy(drv, []string{cfg.DebugAdapterCommand})
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := api.NewHandler(cfg, st, drv, orch, ldg, verifier, bcast, lsp, dap, cfg.APIKey)
	h.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(obsmetrics.Handler()))

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("server listening")
		serverErr <- e.Start(":" + cfg.HTTPPort)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server startup failed")
		}
	}
}
