package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// signalError is the context cause when a shutdown signal arrives.
type signalError struct{ sig os.Signal }

func (e signalError) Error() string { return "received " + e.sig.String() }

func withSignalCancel(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			cancel(signalError{sig: sig})
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel(context.Canceled)
	}
}

func main() {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	if err == nil {
		return
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "taskd:", err)
	}
	stop()
	os.Exit(1)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskd",
		Short:         "taskd runs durable, transactional one-shot and periodic tasks",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringP("config", "c", "./taskd.yaml", "path to the config file (json or yaml)")
	cmd.AddCommand(newServeCommand(), newPendingCommand())
	return cmd
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}
