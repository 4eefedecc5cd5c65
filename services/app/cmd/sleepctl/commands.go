package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"nestsync/pkg/config"
	"nestsync/pkg/db"
	"nestsync/pkg/telemetry"
	"nestsync/services/app"
	"nestsync/services/realtime"
	"nestsync/services/sleep"
)

func (o *rootOptions) setup(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(commandContext(cmd))
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger, err := telemetry.NewLogger("sleepctl", level, "console", os.Stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func (o *rootOptions) build(cmd *cobra.Command) (*app.App, error) {
	cfg, logger, err := o.setup(cmd)
	if err != nil {
		return nil, err
	}
	return app.Build(commandContext(cmd), cfg, logger)
}

func newDBCommand(opts *rootOptions) *cobra.Command {
	cmd := groupCommand("db", "Database maintenance")
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			if cfg.StoreBackend != config.BackendPostgres {
				return errors.New("db migrate requires STORE_BACKEND=postgres")
			}
			ctx := commandContext(cmd)
			pool, err := db.Open(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	})
	return cmd
}

func newSharesCommand(opts *rootOptions) *cobra.Command {
	var owner string

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Copy legacy shared_with_user_id values into share rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := opts.build(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			ctx := commandContext(cmd)
			if strings.TrimSpace(owner) != "" {
				report, err := core.Migrator.Run(ctx, owner)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), opts.output, report)
			}
			reports, err := core.Migrator.RunAll(ctx)
			if len(reports) > 0 {
				if werr := writeOutput(cmd.OutOrStdout(), opts.output, reports); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	migrate.Flags().StringVar(&owner, "owner", "", "Only migrate this owner (default: every owner)")

	cmd := groupCommand("shares", "Legacy share migration")
	cmd.AddCommand(migrate)
	return cmd
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var account, partner string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile finished sessions between linked accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := opts.build(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			ctx := commandContext(cmd)
			if strings.TrimSpace(partner) != "" {
				res, err := core.Reconciler.Sync(ctx, account, partner)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), opts.output, res)
			}
			results, err := core.Reconciler.SyncPartners(ctx, account)
			if len(results) > 0 {
				if werr := writeOutput(cmd.OutOrStdout(), opts.output, results); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account to sync")
	cmd.Flags().StringVar(&partner, "partner", "", "Only sync with this partner (default: every accepted partner)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newSessionsCommand(opts *rootOptions) *cobra.Command {
	var account, scope, baby string

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions an account owns or can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := opts.build(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			var babyID *string
			if b := strings.TrimSpace(baby); b != "" {
				babyID = &b
			}

			ctx := commandContext(cmd)
			var list []sleep.Session
			switch scope {
			case "visible":
				list, err = core.Sessions.ListVisible(ctx, account)
				if err == nil && babyID != nil {
					filtered := list[:0]
					for _, s := range list {
						if s.SameBaby(babyID) {
							filtered = append(filtered, s)
						}
					}
					list = filtered
				}
			case "mine":
				list, err = core.Sessions.ListForAccount(ctx, account, babyID)
			default:
				return fmt.Errorf("unknown scope %q", scope)
			}
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, list)
		},
	}
	list.Flags().StringVar(&account, "account", "", "Account to list for")
	list.Flags().StringVar(&scope, "scope", "visible", "visible or mine")
	list.Flags().StringVar(&baby, "baby-id", "", "Only sessions for this baby")
	_ = list.MarkFlagRequired("account")

	cmd := groupCommand("sessions", "Inspect sleep sessions")
	cmd.AddCommand(list)
	return cmd
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream change events visible to an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			if !cfg.RealtimeEnabled {
				return errors.New("watch requires REALTIME_ENABLED=true")
			}
			core, err := app.Build(commandContext(cmd), cfg, logger)
			if err != nil {
				return err
			}
			defer core.Close()

			sub, err := realtime.NewSubscriber(core.Events, account, logger,
				realtime.WithNotifier(realtime.LogNotifier{Log: logger}),
				realtime.WithMetrics(core.Metrics),
			)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx := commandContext(cmd)
			out := cmd.OutOrStdout()
			if _, err := sub.Subscribe(ctx, func(_ context.Context, ev realtime.Event) {
				if err := writeOutput(out, "json", ev); err != nil {
					logger.Warn().Err(err).Msg("write event")
				}
			}); err != nil {
				return err
			}
			logger.Info().Str("account_id", account).Msg("watching; interrupt to stop")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account to watch")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var (
		action string
		limit  int
	)

	list := &cobra.Command{
		Use:   "list",
		Short: "Show recent sync and migration audit rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := opts.build(cmd)
			if err != nil {
				return err
			}
			defer core.Close()
			if core.Audit == nil {
				return errors.New("audit list requires STORE_BACKEND=postgres")
			}
			entries, err := core.Audit.Recent(commandContext(cmd), action, limit)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, entries)
		},
	}
	list.Flags().StringVar(&action, "action", "", "Filter by action (sessions_synced, shares_migrated)")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	cmd := groupCommand("audit", "Audit trail")
	cmd.AddCommand(list)
	return cmd
}
