// ABOUTME: serve command that loads config and runs the gateway
// ABOUTME: Prints the startup banner and wires the session transport

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/chorus-gateway/internal/gateway"
	"github.com/2389/chorus-gateway/internal/protocol/loopback"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var autoReady bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, root, autoReady)
		},
	}
	cmd.Flags().BoolVar(&autoReady, "auto-ready", true, "pair loopback sessions immediately after the QR step")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, autoReady bool) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := root.load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", root.configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s\n", cfg.AI.DefaultModel)
	if cfg.Realtime.RedisAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Relay:     %s\n", cfg.Realtime.RedisAddr)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting chorus-gateway",
		"config", root.configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	deps := gateway.Deps{
		Factory: loopback.NewNetwork(loopback.Options{AutoPair: true, AutoReady: autoReady}, nil),
	}
	if cfg.Sessions.PrintQR {
		deps.QRWriter = os.Stdout
	}

	gw, err := gateway.New(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}
