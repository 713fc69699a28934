package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/crx-server/internal/api/grpc/health"
	"github.com/oshokin/crx-server/internal/config"
	"github.com/oshokin/crx-server/internal/logger"
	"github.com/oshokin/crx-server/internal/watcher"
)

const (
	// shutdownTimeout bounds Stop after the run context is cancelled.
	shutdownTimeout = 10 * time.Second
	// readHeaderTimeout applies to the metrics listener.
	readHeaderTimeout = 10 * time.Second
	// watchVersion is the version spec applied on file changes.
	watchVersion = "patch"
)

// Options controls the crx-server process.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// Viper carries flag bindings; nil uses config.NewViper().
	Viper *viper.Viper
	// SkipInitialPack starts serving whatever is already published.
	SkipInitialPack bool
	// Server options applied on top of the configuration, for tests.
	Server []Option
}

// Run loads the configuration, starts the server together with the optional
// watcher, metrics and control listeners, and blocks until ctx is cancelled.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "crx-server")

	cfg, err := config.Load(opts.ConfigPath, opts.Viper)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if level, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}

	lc := net.ListenConfig{}

	var (
		control    *health.Server
		controlLis net.Listener
		options    = append([]Option(nil), opts.Server...)
	)

	if cfg.ControlAddr != "" {
		controlLis, err = lc.Listen(ctx, "tcp", cfg.ControlAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ControlAddr, err)
		}

		control = health.NewServer()
		options = append(options, WithHealth(control))
	}

	srv, err := New(cfg, options...)
	if err != nil {
		closeListener(controlLis)

		return err
	}

	baseURL, err := srv.Start(ctx, opts.SkipInitialPack)

	switch {
	case err == nil:
	case srv.State() == StateRunning:
		// A failed initial pack keeps the server up; the next Update may succeed.
		logger.WarnKV(ctx, "Initial pack failed", "error", err)
	default:
		closeListener(controlLis)

		return fmt.Errorf("start server: %w", err)
	}

	logger.InfoKV(ctx, "Extension is available",
		"base_url", baseURL,
		"update_url", srv.UpdateURL(),
		"extension_url", srv.ExtensionURL(),
		"extension_id", srv.ExtensionID())

	g, gctx := errgroup.WithContext(ctx)

	if control != nil {
		g.Go(func() error {
			return control.Serve(controlLis)
		})

		g.Go(func() error {
			<-gctx.Done()
			control.Stop()

			return nil
		})

		logger.InfoKV(ctx, "Control endpoint listening", "address", cfg.ControlAddr)
	}

	if cfg.MetricsAddr != "" {
		if metricsErr := serveMetrics(gctx, g, &lc, cfg.MetricsAddr, srv.MetricsHandler()); metricsErr != nil {
			g.Go(func() error { return metricsErr })
		}
	}

	if cfg.Watch {
		w, watchErr := watcher.New(&watcher.Options{
			Dir:      cfg.ExtensionDir,
			Debounce: cfg.WatchDebounce,
			Ignore:   []string{cfg.PublicDir, cfg.PrivateKeyPath},
			OnChange: func(ctx context.Context) error {
				return srv.Update(ctx, watchVersion)
			},
		})
		if watchErr != nil {
			g.Go(func() error { return watchErr })
		} else {
			g.Go(func() error {
				return w.Run(gctx)
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return srv.Stop(stopCtx)
	})

	return g.Wait()
}

func serveMetrics(
	ctx context.Context,
	g *errgroup.Group,
	lc *net.ListenConfig,
	address string,
	handler http.Handler,
) error {
	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	metricsServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g.Go(func() error {
		if serveErr := metricsServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", serveErr)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.InfoKV(ctx, "Metrics endpoint listening", "address", address)

	return nil
}

func closeListener(lis net.Listener) {
	if lis != nil {
		_ = lis.Close()
	}
}
