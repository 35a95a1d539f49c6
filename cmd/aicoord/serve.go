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

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ai-coordinator/handler"
	"ai-coordinator/internal/bus"
	"ai-coordinator/internal/clock"
	"ai-coordinator/internal/config"
	"ai-coordinator/internal/dispatch"
	"ai-coordinator/internal/repository"
	"ai-coordinator/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a coordinator node",
	}
	cmd.Flags().String("listen", "", "status HTTP listen address (http.listen)")
	cmd.Flags().String("nats-url", "", "NATS server URL (nats.url)")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(opts, func(v *viper.Viper) error {
			if err := bindFlag(v, "http.listen", cmd, "listen"); err != nil {
				return err
			}
			return bindFlag(v, "nats.url", cmd, "nats-url")
		})
		if err != nil {
			return err
		}
		logger := newLogger(cfg, cmd.ErrOrStderr())
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, logger)
	}
	return cmd
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) error {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return v.BindPFlag(key, cmd.Flags().Lookup(name))
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	deps := &awsDeps{}
	wallet, err := loadWallet(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}

	nc, err := connectNATS(cfg, "")
	if err != nil {
		return err
	}
	b := bus.NewNATS(nc, logger)
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("failed to close bus", "err", err)
		}
	}()

	kv, err := openKV(ctx, cfg, deps, nc)
	if err != nil {
		return err
	}
	store, err := repository.NewSessionStore(kv)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	m, err := newMatcher(ctx, cfg, cat, deps, logger)
	if err != nil {
		return err
	}

	coord, err := usecase.New(usecase.Config{
		Store:  store,
		Bus:    b,
		Signer: wallet,
		// The catalog doubles as the provider directory.
		Directory: cat,
		Matcher:   m,
		Dispatcher: dispatch.New(
			dispatch.WithTimeout(cfg.Dispatch.Timeout),
			dispatch.WithRetries(cfg.Dispatch.MaxRetries, cfg.Dispatch.Backoff),
			dispatch.WithLogger(logger),
		),
		Clock:            clock.Real(),
		Logger:           logger,
		ExecutionTimeout: cfg.Execution.Timeout,
		MaxAttempts:      cfg.Execution.MaxAttempts,
	})
	if err != nil {
		return err
	}
	if err := coord.Start(); err != nil {
		return err
	}
	defer coord.Close()

	inspector, err := usecase.NewInspector(store, b.Peers)
	if err != nil {
		return err
	}
	h, err := handler.NewHandler(inspector)
	if err != nil {
		return err
	}
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	logger.Info("coordinator ready", "address", wallet.Address(), "topic", coord.Topic(), "listen", cfg.HTTP.Listen, "store", cfg.Store.Backend)
	return serveHTTP(ctx, cfg.HTTP.Listen, r, logger)
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "listen", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
