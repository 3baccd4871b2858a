package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MegaGrindStone/mcp-handshake"
	"github.com/spf13/cobra"
)

func main() {
	// A bad environment only fails commands that run, not --help.
	cfg, loadErr := loadConfig()

	if err := newRootCmd(&cfg, loadErr).Execute(); err != nil {
		slog.Error("command failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newRootCmd(cfg *config, loadErr error) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mcp-handshake",
		Short: "MCP handshake and endpoint discovery server",
		Long: `mcp-handshake serves the MCP handshake layer: an event stream announcing the handshake
endpoint once per interval, and a JSON-RPC endpoint answering initialize and initialized.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if loadErr != nil {
				return loadErr
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			slog.SetDefault(cfg.newLogger(os.Stderr))
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}
	cfg.bindFlags(rootCmd.PersistentFlags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start both transports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}

	rootCmd.AddCommand(serveCmd, newDiscoverCmd(cfg))
	return rootCmd
}

func serve(ctx context.Context, cfg config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	var handshakeOpts []mcp.HandshakeOption
	if cfg.Strict {
		store := mcp.NewMemorySessionStore(
			mcp.WithSessionTTL(cfg.SessionTTL),
			mcp.WithSessionStoreLogger(logger))
		defer store.Close()
		handshakeOpts = append(handshakeOpts, mcp.WithStrictHandshake(store))
	}

	srv := mcp.NewServer(mcp.Info{Name: cfg.ServerName, Version: cfg.ServerVersion}, cfg.SSEPort, cfg.HTTPPort,
		mcp.WithHost(cfg.Host),
		mcp.WithAdvertisedEndpoint(cfg.Endpoint),
		mcp.WithHandshakeOptions(handshakeOpts...),
		mcp.WithAnnouncerOptions(mcp.WithAnnounceInterval(cfg.AnnounceInterval)),
		mcp.WithServerLogger(logger),
	)

	return srv.Start(ctx)
}
