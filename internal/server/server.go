// Package server provides the service lifecycle runner.
// cmd/hello delegates to server.Run for signal handling, config loading,
// observability init, listener binding, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aelexs/gitops-hello/internal/config"
	"github.com/aelexs/gitops-hello/internal/domain"
	"github.com/aelexs/gitops-hello/internal/observability"
)

// Params configures a service's lifecycle runner.
type Params struct {
	// Name identifies the service in logs and telemetry.
	Name string

	// Version is reported as service.version.
	Version string

	// PortFromConfig extracts the HTTP port for this service from config.
	PortFromConfig func(cfg *config.Config) int

	// Register adds the service's routes to the mux.
	Register func(mux *http.ServeMux)

	// LogOutput overrides the log destination (stdout when nil).
	LogOutput io.Writer
}

// Run executes the full service lifecycle: signal handling, config loading,
// observability initialization, HTTP server, and graceful shutdown.
// If ln is non-nil, it is used instead of binding a new listener from config
// (enables port-0 testing). A bind failure is returned as a "listen:" error.
func Run(ctx context.Context, p Params, ln net.Listener) error {
	// ctx.Done() closes on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.LogFormat(),
		ServiceName: p.Name,
		Environment: cfg.Environment,
		Output:      p.LogOutput,
	})

	// --- Startup order: telemetry -> listener -> HTTP server ---

	telemetry, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    p.Name,
		ServiceVersion: p.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	var shuttingDown atomic.Bool

	handler, err := newHandler(p, cfg, &shuttingDown)
	if err != nil {
		flushTelemetry(context.Background(), logger, telemetry)
		return err
	}

	if ln == nil {
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.PortFromConfig(cfg)))
		if err != nil {
			flushTelemetry(context.Background(), logger, telemetry)
			return fmt.Errorf("listen: %w", err)
		}
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: domain.HTTPReadHeaderTimeout,
		ReadTimeout:       domain.HTTPReadTimeout,
		WriteTimeout:      domain.HTTPWriteTimeout,
		IdleTimeout:       domain.HTTPIdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	g, ctx := errgroup.WithContext(ctx)

	// Goroutine 1: Serve HTTP
	g.Go(func() error {
		port := listenerPort(ln)
		logger.Info(fmt.Sprintf("Server is running on port %d", port),
			slog.Int("port", port),
			slog.String("addr", ln.Addr().String()),
		)
		if serveErr := server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", serveErr)
		}
		return nil
	})

	// Goroutine 2: waits for cancellation, then drains.
	// Shutdown order is the reverse of startup: HTTP server -> telemetry.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")

		// Every phase below runs inside the overall shutdown budget.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), domain.GracefulShutdownTimeout)
		defer shutdownCancel()

		// 1. Readiness probe returns 503 from here on
		shuttingDown.Store(true)

		// 2. Let the load balancer observe the probe before we stop accepting
		if cfg.Shutdown.Drain > 0 {
			drain := time.NewTimer(cfg.Shutdown.Drain)
			select {
			case <-drain.C:
			case <-shutdownCtx.Done():
				drain.Stop()
			}
		}

		// 3. Drain in-flight requests
		httpCtx, httpCancel := context.WithTimeout(shutdownCtx, cfg.Shutdown.Timeout)
		defer httpCancel()
		if shutdownErr := server.Shutdown(httpCtx); shutdownErr != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", shutdownErr.Error()))
			// Anything still running is cut off.
			_ = server.Close()
		}

		// 4. Flush telemetry
		flushTelemetry(shutdownCtx, logger, telemetry)

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}

// newHandler builds the mux (readiness probe plus service routes) wrapped
// in the HTTP instrumentation middleware.
func newHandler(p Params, cfg *config.Config, shuttingDown *atomic.Bool) (http.Handler, error) {
	mux := http.NewServeMux()

	if cfg.Health.Path != "" {
		mux.HandleFunc("GET "+cfg.Health.Path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if shuttingDown.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"status":"shutting_down","service":%q}`, p.Name)
				return
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"healthy","service":%q}`, p.Name)
		})
	}

	if p.Register != nil {
		p.Register(mux)
	}

	instrument, err := observability.NewHTTPMiddleware(
		observability.Tracer(p.Name),
		observability.Meter(p.Name),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize HTTP middleware: %w", err)
	}

	return instrument(mux), nil
}

func flushTelemetry(parent context.Context, logger *slog.Logger, t *observability.Telemetry) {
	ctx, cancel := context.WithTimeout(parent, domain.ShutdownOTELTimeout)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		logger.Error("failed to flush telemetry", slog.String("error", err.Error()))
	}
}

// listenerPort returns the bound TCP port, or 0 for non-TCP listeners.
func listenerPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
