package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/MegaGrindStone/mcp-handshake"
	"github.com/spf13/cobra"
)

// newDiscoverCmd builds the command that walks a running server through discovery and the
// handshake, then prints the initialize result.
func newDiscoverCmd(cfg *config) *cobra.Command {
	var (
		streamURL string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover the handshake endpoint of a running server and initialize against it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if streamURL == "" {
				host := cfg.Host
				if host == "" || host == "0.0.0.0" || host == "::" {
					host = "localhost"
				}
				streamURL = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.SSEPort)) + "/sse"
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := discover(ctx, streamURL)
			if err != nil {
				return err
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(res)
		},
	}

	cmd.Flags().StringVar(&streamURL, "url", "", "event stream URL, derived from --host and --sse-port when empty")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout of discovery and the handshake")

	return cmd
}

func discover(ctx context.Context, streamURL string) (mcp.InitializeResult, error) {
	cli := mcp.NewClient(streamURL, nil)

	endpoint, err := cli.DiscoverEndpoint(ctx)
	if err != nil {
		return mcp.InitializeResult{}, fmt.Errorf("failed to discover endpoint: %w", err)
	}

	res, err := cli.Initialize(ctx, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    mcp.CapabilitySet{},
		ClientInfo:      mcp.Info{Name: "mcp-handshake-discover", Version: "0.1.0"},
	})
	if err != nil {
		return mcp.InitializeResult{}, fmt.Errorf("failed to initialize against %s: %w", endpoint, err)
	}

	if err := cli.Initialized(ctx, res.Session()); err != nil {
		return mcp.InitializeResult{}, fmt.Errorf("failed to send initialized: %w", err)
	}

	return res, nil
}
