package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/codescan/sirius/api"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API. New scans run inside this process unless
rabbitmq.enabled is set, in which case they are queued for workers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(c.cfg, c.logger, append(c.options, withQueueLauncher())...)
			if err != nil {
				return err
			}
			defer a.close()

			a.recoverScans(ctx)
			if !c.cfg.RabbitMQ.Enabled {
				resumePending(ctx, a)
			}

			srv := api.NewServer(c.cfg.Server.Addr, api.Deps{
				Scans:      a.manager,
				Status:     a.status,
				Metrics:    a.metrics.Handler(),
				Keys:       a.kv,
				StaticKeys: c.cfg.Server.APIKeys,
				RequireKey: c.cfg.Server.RequireKey,
				Logger:     c.logger,
			})
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("addr", ":9002", "listen address")
	cmd.Flags().Bool("require-key", false, "require an X-API-Key header on /api/v1")
	cmd.Flags().Bool("queue", false, "hand new scans to workers over RabbitMQ")
	bind(c.v, cmd, map[string]string{
		"server.addr":        "addr",
		"server.require_key": "require-key",
		"rabbitmq.enabled":   "queue",
	})
	return cmd
}

// resumePending relaunches scans that were queued in a process that
// stopped before running them.
func resumePending(ctx context.Context, a *app) {
	n, err := a.manager.ResumePending(ctx)
	if err != nil {
		a.logger.Error("Failed to resume pending scans", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("Resumed pending scans", "count", n)
	}
}
