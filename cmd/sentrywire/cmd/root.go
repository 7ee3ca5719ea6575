// Package cmd provides the CLI commands for sentrywire.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentrywire/sentrywire/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sentrywire",
	Short: "sentrywire - WireGuard tunnel intercepting proxy",
	Long: `sentrywire sits between two WireGuard tunnel endpoints and runs every
TCP connection, UDP datagram, and other IP packet through a chain of
dynamically loadable plugins before forwarding it on.

Quick start:
  1. Set the NETWORK_* and PROXY_* tunnel key environment variables.
  2. Create a config file: sentrywire.yaml
  3. Run: sentrywire start

Configuration:
  Config is loaded from sentrywire.yaml in the current directory,
  $HOME/.sentrywire/, or /etc/sentrywire/.

  Environment variables override config values with the PROXY_ prefix.
  Example: PROXY_ADMIN_ADDR=127.0.0.1:9091

Commands:
  start     Start the proxy
  reload    Trigger a plugin directory rescan on a running instance
  hash-token  Generate an argon2id hash for the admin bearer token
  version   Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sentrywire.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
