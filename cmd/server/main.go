package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cli-supervisor/internal/config"
	"cli-supervisor/internal/logging"
	"cli-supervisor/internal/realtime"
	"cli-supervisor/internal/session"
	"cli-supervisor/internal/store"
	"cli-supervisor/internal/watcher"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)
	cmd := &cobra.Command{
		Use:          "cli-supervisor",
		Short:        "Supervise Claude CLI sessions and stream their output over HTTP and WebSocket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config and PORT)")
	return cmd
}

// app is the wired server: store → supervisor → watcher → realtime → HTTP.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	sup       *session.Supervisor
	fileWatch *watcher.Watcher
	rt        *realtime.Server
	http      *http.Server
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return store.OpenSQLite(cfg.Path)
	case config.DriverMemory:
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sup := session.New(session.Config{
		MaxSessions:   cfg.Session.MaxSessions,
		Executable:    cfg.Session.Executable,
		MCPServerPath: cfg.Session.MCPServerPath,
		MCPServerName: cfg.Session.MCPServerName,
		BackendURL:    cfg.Session.BackendURL,
		DefaultUser:   cfg.Session.DefaultUser,
	},
		session.WithStore(st),
		session.WithLogger(logger),
	)

	a := &app{cfg: cfg, logger: logging.WithComponent(logger, "server"), store: st, sup: sup}

	opts := []realtime.Option{realtime.WithHistory(st), realtime.WithLogger(logger)}
	if cfg.WatchFiles {
		// The watcher callback needs the realtime server, which needs the
		// watcher.
		var rt *realtime.Server
		a.fileWatch = watcher.New(func(c watcher.Change) {
			if rt != nil {
				rt.OnFileChange(c)
			}
		}, watcher.WithLogger(logger))
		opts = append(opts, realtime.WithWatcher(a.fileWatch))
		rt = realtime.New(sup, opts...)
		a.rt = rt
	} else {
		a.rt = realtime.New(sup, opts...)
	}

	a.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// run serves until ctx is done, then stops every session and closes the
// store.
func (a *app) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server listening", "addr", a.http.Addr, "maxSessions", a.sup.MaxSessions(), "store", a.cfg.Store.Driver)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.close(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout.Duration)
	defer cancel()
	return a.close(shutdownCtx)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.sup.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	if a.fileWatch != nil {
		a.fileWatch.Shutdown()
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
