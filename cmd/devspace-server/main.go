// Package main provides the entry point for the devspace server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var flags struct {
	configPath  string
	grpcAddr    string
	httpAddr    string
	runtimeType string
}

var rootCmd = &cobra.Command{
	Use:   "devspace-server",
	Short: "Per-user sandboxed development environments over a realtime connection.",
	Long: `devspace-server provisions an isolated sandbox for each user session, bridges
its interactive shell to the browser, proxies filesystem operations and keeps
a live file tree in sync. Sessions survive short disconnects and are reclaimed
when idle or over their resource limits.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to configuration file (YAML or TOML)")
	pf.StringVar(&flags.grpcAddr, "grpc-addr", "", "gRPC server address (overrides config)")
	pf.StringVar(&flags.httpAddr, "http-addr", "", "HTTP server address (overrides config)")
	pf.StringVar(&flags.runtimeType, "runtime", "", "Runtime type: docker, bwrap, mock (overrides config)")

	rootCmd.AddCommand(serveCmd, prefetchCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
