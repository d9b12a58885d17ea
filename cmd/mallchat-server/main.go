// ABOUTME: Entry point for one mallchat-server instance.
// ABOUTME: Loads config, wires the gateway, serves until SIGINT/SIGTERM.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luliqiangvision/mall-chat-sub001/internal/config"
	"github.com/luliqiangvision/mall-chat-sub001/internal/gateway"
)

func main() {
	root := &cobra.Command{
		Use:          "mallchat-server",
		Short:        "Multi-instance customer-service chat backend",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a chat server instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mallchat.yaml", "path to config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return gw.Run(ctx)
}

func buildLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
