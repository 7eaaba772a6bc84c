package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/shared-note/internal/client"
	"github.com/example/shared-note/internal/crdt"
)

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat",
		Short: "Print the current text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProvider(cmd, func(_ context.Context, p *client.Provider) error {
				fmt.Fprintln(cmd.OutOrStdout(), p.Text())
				return nil
			})
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set TEXT...",
		Short: "Replace the whole text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvider(cmd, func(_ context.Context, p *client.Provider) error {
				return p.SetText(strings.Join(args, " "))
			})
		},
	}
}

func newAppendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append TEXT...",
		Short: "Append text at the end",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvider(cmd, func(_ context.Context, p *client.Provider) error {
				return p.Insert(p.Doc().Len(), strings.Join(args, " "))
			})
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the text every time it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProvider(cmd, func(ctx context.Context, p *client.Provider) error {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, p.Text())

				changes := make(chan struct{}, 1)
				unsubscribe := p.Doc().Subscribe(func(crdt.Event) {
					select {
					case changes <- struct{}{}:
					default:
					}
				})
				defer unsubscribe()

				for {
					select {
					case <-changes:
						fmt.Fprintf(out, "--- %s\n%s\n", p.Status(), p.Text())
					case <-ctx.Done():
						return nil
					}
				}
			})
		},
	}
}
