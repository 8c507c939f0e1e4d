package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"warden.org/internal/config"
)

const redacted = "********"

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the resolved pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			escalations, _ := config.ParsePairs(cfg.Reconcile.TimeDependentGroups)
			for _, p := range escalations {
				fmt.Fprintf(out, "escalate %s -> %s\n", p.Key, p.Value)
			}
			groups, _ := config.ParsePairs(cfg.Broadcast.Channels)
			for group, channels := range config.Multimap(groups) {
				fmt.Fprintf(out, "broadcast %s -> %v\n", group, channels)
			}

			if show {
				safe := *cfg
				safe.Discord.Token = redact(safe.Discord.Token)
				safe.Database.DSN = redact(safe.Database.DSN)
				safe.Notify.Mail.Password = redact(safe.Notify.Mail.Password)
				b, err := yaml.Marshal(&safe)
				if err != nil {
					return err
				}
				fmt.Fprint(out, string(b))
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "Print the effective configuration with secrets redacted")
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}
