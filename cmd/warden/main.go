package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"warden.org/internal/config"
	"warden.org/internal/obs"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	configPath string
	envFiles   []string
	cfg        *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	_ = obs.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{configPath: os.Getenv("WARDEN_CONFIG")}

	root := &cobra.Command{
		Use:           "warden",
		Short:         "Keeps Discord roles in sync with the alliance auth database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(opts.configPath, opts.envFiles...)
			if err != nil {
				return err
			}
			obs.Init(obs.LogConfig{
				Env:     cfg.Log.Env,
				Level:   cfg.Log.Level,
				Service: "warden",
				Version: version,
			})
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", opts.configPath, "YAML config file (env WARDEN_CONFIG)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, ".env files to load (default .env)")

	root.AddCommand(
		newRunCmd(opts),
		newMigrateCmd(opts),
		newWindowCmd(opts),
		newCheckConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "warden %s (%s)\n", version, commit)
		},
	}
}
