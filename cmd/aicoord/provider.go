package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ai-coordinator/internal/bus"
	"ai-coordinator/internal/provider"
)

func newProviderCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Run the demo provider node",
		Long:  "provider accepts signed execution requests on POST / and publishes signed results on the provider response topic.",
	}
	cmd.Flags().String("listen", "", "listen address (provider.listen)")
	cmd.Flags().StringSlice("id", nil, "provider ids served by this node (provider.id)")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(opts, func(v *viper.Viper) error {
			if err := bindFlag(v, "provider.listen", cmd, "listen"); err != nil {
				return err
			}
			return bindFlag(v, "provider.id", cmd, "id")
		})
		if err != nil {
			return err
		}
		logger := newLogger(cfg, cmd.ErrOrStderr())
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		wallet, err := loadWallet(ctx, cfg, &awsDeps{}, logger)
		if err != nil {
			return err
		}
		b, err := bus.ConnectNATS(cfg.NATS.URL, cfg.Node.Name+"-provider", logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				logger.Error("failed to close bus", "err", err)
			}
		}()

		node, err := provider.New(wallet, b, provider.ExecutorFunc(provider.Echo),
			provider.WithCoordinators(cfg.Provider.Coordinators...),
			provider.WithProviders(cfg.Provider.IDs...),
			provider.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		defer node.Close()

		r := chi.NewRouter()
		node.RegisterRoutes(r)
		logger.Info("provider ready", "address", wallet.Address(), "listen", cfg.Provider.Listen, "providers", cfg.Provider.IDs)
		return serveHTTP(ctx, cfg.Provider.Listen, r, logger)
	}
	return cmd
}
