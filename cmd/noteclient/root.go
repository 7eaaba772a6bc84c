package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/shared-note/internal/client"
)

const (
	flagURL      = "url"
	flagName     = "name"
	flagLogLevel = "log-level"
	flagTimeout  = "timeout"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "noteclient",
		Short:         "Read and edit a shared note from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().String(flagURL, "ws://localhost:1234/shared-note", "websocket address of the server")
	root.PersistentFlags().String(flagName, "", "display name announced to other users")
	root.PersistentFlags().String(flagLogLevel, "warn", "log level written to stderr")
	root.PersistentFlags().Duration(flagTimeout, 10*time.Second, "how long to wait for the initial sync")

	root.AddCommand(
		newCatCmd(),
		newSetCmd(),
		newAppendCmd(),
		newWatchCmd(),
		newLoadtestCmd(),
	)
	return root
}

func loggerFor(cmd *cobra.Command) zerolog.Logger {
	raw, _ := cmd.Flags().GetString(flagLogLevel)
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// withProvider connects a provider, waits for the initial sync and runs fn.
// The connection is torn down when fn returns.
func withProvider(cmd *cobra.Command, fn func(ctx context.Context, p *client.Provider) error) error {
	url, _ := cmd.Flags().GetString(flagURL)
	name, _ := cmd.Flags().GetString(flagName)
	timeout, _ := cmd.Flags().GetDuration(flagTimeout)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := client.New(client.Config{URL: url, UserName: name}, loggerFor(cmd))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	if err := p.WaitSynced(waitCtx); err != nil {
		return fmt.Errorf("sync with %s: %w", url, err)
	}
	return fn(ctx, p)
}
