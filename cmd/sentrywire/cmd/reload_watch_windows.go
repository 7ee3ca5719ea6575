//go:build windows

package cmd

import (
	"context"
	"log/slog"

	"github.com/sentrywire/sentrywire/internal/domain/plugin"
)

// watchReloadSignal is a no-op on Windows: there is no SIGUSR1 equivalent,
// so a running instance is reloaded via the admin HTTP surface's POST
// /reload instead.
func watchReloadSignal(ctx context.Context, manager *plugin.Manager, logger *slog.Logger) {
	<-ctx.Done()
}
