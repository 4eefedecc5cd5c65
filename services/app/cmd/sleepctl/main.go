package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel string
	output   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "sleepctl",
		Short:         "Operate the nestsync sleep sync core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override LOG_LEVEL")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "yaml", "Output format (yaml or json)")

	cmd.AddCommand(newDBCommand(opts))
	cmd.AddCommand(newSharesCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newSessionsCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))
	return cmd
}

func groupCommand(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
