package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"taskd/internal/app"
)

type serveOptions struct {
	stopTimeout time.Duration
}

func addServeFlags(fs *pflag.FlagSet, o *serveOptions) {
	fs.DurationVar(&o.stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
}

func newServeCommand() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task daemon until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.NewApp(configPath(cmd))
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), opts.stopTimeout)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSIGTERM
			select {
			case <-ctx.Done():
				var se signalError
				if errors.As(context.Cause(ctx), &se) && se.sig == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), opts.stopTimeout)
			defer cancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			return a.Err()
		},
	}
	addServeFlags(cmd.Flags(), &opts)
	return cmd
}
