// Command gateway launches the GlowBack backtesting gateway.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/glowback/gateway/config"
	"github.com/glowback/gateway/internal/engine"
	"github.com/glowback/gateway/internal/notify"
	"github.com/glowback/gateway/internal/observability"
	"github.com/glowback/gateway/internal/optimize"
	"github.com/glowback/gateway/internal/ratelimit"
	"github.com/glowback/gateway/internal/runstore"
	"github.com/glowback/gateway/internal/server"
	"github.com/glowback/gateway/lib/async"
	"github.com/glowback/gateway/lib/telemetry"
)

const (
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second

	jobPoolWorkers = 32
	jobPoolQueue   = 64
)

func main() {
	cfgPath := flag.String("config", "", "Path to gateway configuration file (default: config/gateway.yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	observability.SetLogger(observability.NewSlogLogger(logger))

	cfg, err := config.LoadFile(config.FromEnv(), *cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration initialised",
		"env", cfg.Environment,
		"listen_addr", cfg.Server.ListenAddr,
		"api_keys", len(cfg.Server.APIKeys),
	)

	providers, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	observability.SetMetrics(telemetry.NewCollector(providers.MeterProvider))
	if cfg.Telemetry.OTLPEndpoint != "" {
		logger.Info("telemetry initialised", "endpoint", cfg.Telemetry.OTLPEndpoint, "service", cfg.Telemetry.ServiceName)
	} else {
		logger.Info("telemetry disabled")
	}

	metrics := observability.NewRuntimeMetrics()

	runs := runstore.New(runstore.WithMetrics(metrics))
	opts := optimize.New(
		optimize.WithMetrics(metrics),
		optimize.WithExecutor(optimize.NewSimulatedExecutor(cfg.Engine.TrialDelay, nil)),
	)
	sim := engine.NewSimulated(runs,
		engine.WithSteps(cfg.Engine.Steps),
		engine.WithStepRate(cfg.Engine.StepsPerSec),
	)
	limiter := ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, ratelimit.WithMetrics(metrics))
	notifier := notify.New(notify.WithMaxRetries(cfg.Engine.WebhookRetry))
	jobs, err := async.NewPool(jobPoolWorkers, jobPoolQueue)
	if err != nil {
		logger.Error("create job pool", "error", err)
		os.Exit(1)
	}

	handler := server.NewHandler(server.Deps{
		Runs:        runs,
		Opts:        opts,
		Adapter:     sim,
		Notifier:    notifier,
		Limiter:     limiter,
		Metrics:     metrics,
		Jobs:        jobs,
		APIKeys:     cfg.Server.APIKeys,
		BaseContext: ctx,
	})
	apiServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server", "error", err)
		}
	})
	logger.Info("gateway listening", "addr", apiServer.Addr)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:            apiServer,
		mainCancel:        cancel,
		lifecycle:         &lifecycle,
		jobs:              jobs,
		limiter:           limiter,
		telemetryShutdown: telemetryShutdown,
	})
	logger.Info("shutdown complete")
}

type gracefulShutdownConfig struct {
	server            *http.Server
	mainCancel        context.CancelFunc
	lifecycle         *conc.WaitGroup
	jobs              *async.Pool
	limiter           *ratelimit.Limiter
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *slog.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", "step", name, "error", err)
			return
		}
		logger.Info("shutdown step completed", "step", name)
	}

	shutdownStep("api server", serverShutdownTimeout, cfg.server.Shutdown)

	cfg.mainCancel()

	shutdownStep("lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			cfg.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	})

	shutdownStep("job pool", lifecycleShutdownTimeout, cfg.jobs.Shutdown)

	shutdownStep("rate limiter", time.Second, func(context.Context) error {
		return cfg.limiter.Close()
	})

	shutdownStep("telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
}
