package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"groupcast/internal/app"
)

var stopTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job scheduler, ops server and config watcher until signalled",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		if err := a.Start(ctx, app.ServeOptions()); err != nil {
			_ = a.Stop(context.WithoutCancel(ctx), app.StopFatalError)
			return err
		}

		select {
		case <-ctx.Done():
		case <-a.Done():
		}
		reason := app.StopSignal
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		return a.Stop(stopCtx, reason)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
	rootCmd.AddCommand(serveCmd)
}
