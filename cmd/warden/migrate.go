package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"warden.org/internal/migrate"
	"warden.org/internal/store/pg"
	"warden.org/migrations"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the development schema",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Deadline for the whole operation")

	withManager := func(fn func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Database.DSN == "" {
				return errors.New("missing DSN: set database.dsn or WARDEN_DATABASE_DSN")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			store, err := pg.Open(opts.cfg.Database.DSN, pg.Options{})
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer store.Close()

			mgr := migrate.NewManager(store.DB(), migrations.FS, migrations.Dir, migrations.SeedsDir)
			return fn(ctx, cmd, mgr)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				applied, err := mgr.Up(ctx)
				for _, name := range applied {
					fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				name, err := mgr.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				history, err := mgr.Status(ctx)
				if err != nil {
					return err
				}
				for _, item := range history {
					fmt.Fprintln(cmd.OutOrStdout(), item)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Load development fixtures",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				return mgr.Seed(ctx)
			}),
		},
	)
	return cmd
}
