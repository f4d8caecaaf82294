package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avathrottle/internal/config"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// run starts the application and blocks until a shutdown signal or a
// listener failure.
func run(ctx context.Context, app *application, configPath string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := app.start(ctx)
	configWatcher := startConfigWatcher(ctx, app, configPath)
	policyWatcher := startPolicyFileWatcher(ctx, app)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		app.logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-errCh:
		app.logger.Error("listener failed, shutting down", observability.Error(err))
	}

	if configWatcher != nil {
		_ = configWatcher.Stop()
	}
	if policyWatcher != nil {
		_ = policyWatcher.Stop()
	}
	cancel()

	app.shutdown()
}

// shutdown drains traffic and releases resources in dependency order:
// readiness first, then HTTP, then the audit queue, then the store
// client and the tracer.
func (a *application) shutdown() {
	timeout := a.config.Server.ShutdownTimeout.OrDefault(config.DefaultShutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.health.SetDraining(true)

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("failed to stop HTTP server gracefully", observability.Error(err))
	}

	// Flush pending audit events while Redis is still reachable.
	if err := a.sampler.Close(ctx); err != nil {
		a.logger.Error("failed to drain audit queue", observability.Error(err))
	}

	a.closeRedis()

	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	a.logger.Info("avathrottle stopped")
}
