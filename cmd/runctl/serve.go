package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/api"
	"github.com/kandev/runctl/internal/confirm"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			policy, err := confirm.ParsePolicy(cfg.Confirmation.ServerPolicy)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx, cfg, log, interaction{gate: policy})
			if err != nil {
				return err
			}
			defer svc.close()

			log.Info("starting runctl",
				zap.String("addr", cfg.Server.Addr()),
				zap.String("workspace", cfg.Workspace.Name),
				zap.Int("profiles", svc.catalog.Len()),
				zap.Stringer("confirmations", policy))

			server := api.NewServer(cfg.Server, api.Deps{
				Manager:  svc.manager,
				Catalog:  svc.catalog,
				Bus:      svc.bus,
				Gatherer: svc.registry,
			}, log)
			if err := server.Run(ctx); err != nil {
				return err
			}
			log.Info("runctl stopped")
			return nil
		},
	}
}
