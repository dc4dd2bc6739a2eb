package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"reposter/internal/app"
)

var serveStopTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and HTTP API until interrupted",
	RunE:  serveAction,
}

func init() {
	serveCmd.Flags().DurationVar(&serveStopTimeout, "stop-timeout", 30*time.Second, "how long a running cycle may take to finish on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func serveAction(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := app.New(ctx, configPath)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-ctx.Done():
	}
	runErr := a.Err()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serveStopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return runErr
	}
	return nil
}
