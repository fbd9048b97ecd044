package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/talkilla/internal/app"
	"github.com/petervdpas/talkilla/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

type cliFlags struct {
	cfgPath  string
	logLevel string
	watch    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f cliFlags
	root := &cobra.Command{
		Use:           "talkilla",
		Short:         "Talkilla call signaling worker and relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.cfgPath, "config", "c", "talkilla.json",
		"Config file; created with defaults when missing")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "",
		"Override log.level from the config file")
	root.PersistentFlags().BoolVar(&f.watch, "watch", false,
		"Reload the config file when it changes")

	root.AddCommand(
		&cobra.Command{
			Use:   "worker",
			Short: "Run the social worker and its websocket gateway",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), f, app.RunWorker)
			},
		},
		&cobra.Command{
			Use:   "relay",
			Short: "Run a development signaling server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), f, app.RunRelay)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "talkilla %s\n", appVersion)
			},
		},
	)
	return root
}

func run(parent context.Context, f cliFlags, fn func(context.Context, app.Options) error) error {
	if parent == nil {
		parent = context.Background()
	}
	cfgPath, err := filepath.Abs(f.cfgPath)
	if err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, app.Options{CfgPath: cfgPath, Cfg: cfg, Watch: f.watch})
}
