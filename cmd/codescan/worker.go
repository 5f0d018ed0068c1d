package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute scans queued on RabbitMQ",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(c.cfg, c.logger, c.options...)
			if err != nil {
				return err
			}
			defer a.close()

			a.recoverScans(ctx)
			c.logger.Info("Worker started", "queue", c.cfg.RabbitMQ.Queue, "prefetch", c.cfg.RabbitMQ.Prefetch)
			a.queue.ListenWithRetry(ctx, a.manager.Handler())
			return nil
		},
	}
	cmd.Flags().Int("prefetch", 2, "scans one worker runs at once")
	bind(c.v, cmd, map[string]string{"rabbitmq.prefetch": "prefetch"})
	return cmd
}
