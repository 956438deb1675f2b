// ABOUTME: Entry point for the chorus-gateway messaging server
// ABOUTME: Defines the cobra command tree (serve, health, sessions, watch, token)

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/chorus-gateway/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _                                              _
   ___| |__   ___  _ __ _   _ ___        __ _  __ _| |_ _____      ____ _ _   _
  / __| '_ \ / _ \| '__| | | / __|_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | (__| | | | (_) | |  | |_| \__ \_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \___|_| |_|\___/|_|   \__,_|___/      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                        |___/                             |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "chorus-gateway",
		Short:         "Multi-tenant messaging gateway with AI auto-replies",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "path to the gateway config file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newHealthCmd(opts),
		newSessionsCmd(opts),
		newWatchCmd(opts),
		newTokenCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
