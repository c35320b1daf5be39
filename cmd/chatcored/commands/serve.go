package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/chatcore/factory"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket delivery node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			f, err := factory.NewServiceFactory(cfg)
			if err != nil {
				return err
			}
			svc, err := f.Build(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "serve",
						"error":    err.Error(),
					}).Warn("Error while closing service")
				}
			}()

			return svc.Run(ctx)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
