package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Trigger a plugin directory rescan on a running instance",
	Long: `Reload sends SIGUSR1 to a running "sentrywire start" process (read from its
PID file), which rescans its plugin directory, loads new plugins, reloads
changed ones, and unloads removed ones without dropping open connections.

On Windows, where SIGUSR1 does not exist, use the admin HTTP surface's
POST /reload instead (bearer-token gated, see PROXY_ADMIN_TOKEN_HASH).`,
	RunE: runReload,
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	pidPath := pidFilePath()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no server PID file found at %s\nIs the server running?", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}

	if !processIsAlive(proc) {
		os.Remove(pidPath)
		return fmt.Errorf("server process %d is not running (stale PID file removed)", pid)
	}

	if err := sendReloadSignal(proc); err != nil {
		return fmt.Errorf("failed to signal server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Reload signal sent to PID %d.\n", pid)
	return nil
}
