package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"warden.org/internal/authz"
	"warden.org/internal/store/pg"
)

func newWindowCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Manage member ping windows",
	}

	update := func(cmd *cobra.Command, memberID string, w authz.Window) error {
		if opts.cfg.Database.DSN == "" {
			return errors.New("missing DSN: set database.dsn or WARDEN_DATABASE_DSN")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		store, err := pg.Open(opts.cfg.Database.DSN, pg.Options{})
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()

		if err := store.UpdatePingWindow(ctx, memberID, w); err != nil {
			if errors.Is(err, authz.ErrNotFound) {
				return fmt.Errorf("member %s is not linked", memberID)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", memberID, w)
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <member-id> <start-hour> <stop-hour>",
			Short: "Restrict escalated roles to [start, stop) in the reference timezone",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				start, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("start hour: %w", err)
				}
				stop, err := strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("stop hour: %w", err)
				}
				w, err := authz.NewWindow(start, stop)
				if err != nil {
					return err
				}
				return update(cmd, args[0], w)
			},
		},
		&cobra.Command{
			Use:   "clear <member-id>",
			Short: "Grant escalated roles around the clock",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return update(cmd, args[0], authz.Window{})
			},
		},
	)
	return cmd
}
