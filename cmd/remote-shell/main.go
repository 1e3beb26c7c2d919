// Package main provides the CLI entry point for remote-shell.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/remote-shell/internal/config"
	"github.com/postalsys/remote-shell/internal/health"
	"github.com/postalsys/remote-shell/internal/logging"
)

var (
	// Version is set at build time
	Version = "dev"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "remote-shell",
		Short: "remote-shell - run shell commands on a device over WebSocket",
		Long: `remote-shell relays shell commands from an interactive host to a
device and prints the output. Either side may listen or dial; the
connection runs over WebSocket, optionally inside TLS.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: text, json")

	rootCmd.AddCommand(hostCmd(g))
	rootCmd.AddCommand(deviceCmd(g))
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// load reads the configuration file, if any, and applies the global flags.
// Callers apply their own flags and then call cfg.Validate.
func (g *globalFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
}

// startHealth starts the health server when enabled. The returned stop
// function is always safe to call.
func startHealth(cfg *config.Config, provider health.StatsProvider, logger *slog.Logger) (func(), error) {
	if !cfg.Metrics.Enabled {
		return func() {}, nil
	}

	srv := health.NewServer(health.ServerConfig{
		Address:      cfg.Metrics.Address,
		ReadTimeout:  cfg.Metrics.ReadTimeout,
		WriteTimeout: cfg.Metrics.WriteTimeout,
		Logger:       logger,
	}, provider)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("start health server: %w", err)
	}
	logger.Info("health server listening", logging.KeyLocalAddr, srv.Address().String())

	return func() {
		if err := srv.Stop(); err != nil {
			logger.Warn("health server shutdown", logging.KeyError, err)
		}
	}, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "remote-shell %s\n", Version)
		},
	}
}
