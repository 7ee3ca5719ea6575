//go:build !windows

package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/sentrywire/sentrywire/internal/domain/plugin"
)

// watchReloadSignal blocks, reloading manager's plugin directory every time
// the process receives reloadSignal (SIGUSR1), until ctx is cancelled.
func watchReloadSignal(ctx context.Context, manager *plugin.Manager, logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, reloadSignal())
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			logger.Info("reload signal received, rescanning plugin directory")
			if ok := manager.Reload(ctx); !ok {
				logger.Warn("reload completed with errors")
			}
		}
	}
}
