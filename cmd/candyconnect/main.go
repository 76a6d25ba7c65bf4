// CandyConnect Core - VPN protocol control plane
//
// This is the entry point for the CandyConnect Core service and its
// operator CLI. The service installs, starts, stops and monitors the VPN
// protocol cores of one server and provisions clients across them:
//   - V2Ray (Xray), WireGuard, OpenVPN, IKEv2, L2TP and DNSTT
//   - SlipStream and TrustTunnel are reserved for future releases
//
// Run "candyconnect serve" for the long-running service; the other
// subcommands act on the same state for one-off operator tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	ephemeral  bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "candyconnect",
		Short:         "CandyConnect VPN protocol control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getConfigPath(),
		"configuration file (env CANDYCONNECT_CONFIG)")
	root.PersistentFlags().BoolVar(&opts.ephemeral, "ephemeral", false,
		"keep state in memory instead of the database")

	root.AddCommand(
		newServeCmd(opts),
		newCoresCmd(opts),
		newCoreCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "candyconnect %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// getConfigPath returns the configuration file path.
// Uses CANDYCONNECT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CANDYCONNECT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
