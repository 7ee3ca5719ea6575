package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentrywire/sentrywire/internal/adapter/admin"
	"github.com/sentrywire/sentrywire/internal/config"
	"github.com/sentrywire/sentrywire/internal/domain/plugin"
	"github.com/sentrywire/sentrywire/internal/domain/proxy"
	"github.com/sentrywire/sentrywire/internal/telemetry"
	"github.com/sentrywire/sentrywire/internal/tunnel"
	"github.com/sentrywire/sentrywire/internal/tunnel/netstub"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy",
	Long: `Start binds both tunnel endpoints (network_bind_addr and
service_bind_addr), loads plugins from the configured plugin directory plus
any built-in plugins named by PROXY_BUILTIN_PLUGINS, and begins routing
every TCP connection, UDP datagram, and other IP packet between the two
endpoints through the plugin hook chain.

Examples:
  # Start with config file and environment-provided tunnel keys
  sentrywire start

  # Start with a specific config file
  sentrywire --config /etc/sentrywire/sentrywire.yaml start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	tp, err := telemetry.NewTracerProvider(os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to start tracer provider: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	mp, err := telemetry.NewMeterProvider(os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to start meter provider: %w", err)
	}
	defer func() { _ = mp.Shutdown(context.Background()) }()

	registry := telemetry.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	instr := telemetry.NewPluginInstrumentation(metrics)

	// stop() restores default signal handling once ctx is done, so a second
	// Ctrl+C forces an immediate exit instead of waiting on shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	dynLoader, err := newDynamicLoader(dynloadScratchDir())
	if err != nil {
		return fmt.Errorf("failed to start dynamic plugin loader: %w", err)
	}
	loader := &plugin.CompositeLoader{
		Dynamic: dynLoader,
		Static:  newStaticLoader(splitCSV(cfg.BuiltinPlugins)),
	}

	onFault := func(name string, hook plugin.HookName, err error) {
		logger.Error("plugin faulted", "plugin", name, "hook", string(hook), "error", err)
	}
	manager := plugin.NewManager(loader, cfg.PluginDir, logger, instr, onFault)
	if ok := manager.Reload(ctx); !ok {
		logger.Warn("one or more plugins failed to load at startup", "plugin_dir", cfg.PluginDir)
	}
	logger.Info("plugins loaded", "names", manager.Loaded())

	// prox is assigned below, once both tunnel servers are up, but the
	// callbacks passed to netstub.Start close over the pointer itself so
	// they always dispatch to whatever Proxy ends up assigned to it.
	var prox *proxy.Proxy

	networkHost, networkPort, err := splitHostPort(cfg.NetworkBindAddr)
	if err != nil {
		return fmt.Errorf("invalid network_bind_addr %q: %w", cfg.NetworkBindAddr, err)
	}
	network, err := netstub.Start(ctx, networkHost, networkPort,
		cfg.Network.OwnPrivateKey, cfg.Network.PeerPublicKeys, cfg.Network.PeerEndpoints,
		func(ctx context.Context, conn tunnel.TcpStream) { prox.HandleNetworkTCP(ctx, conn) },
		func(data []byte, src, dst tunnel.Addr) { prox.HandleNetworkDatagram(data, src, dst) },
		func(data []byte) { prox.HandleNetworkOther(data) },
	)
	if err != nil {
		return fmt.Errorf("failed to start network tunnel on %s: %w", cfg.NetworkBindAddr, err)
	}
	defer network.Close()

	serviceHost, servicePort, err := splitHostPort(cfg.ServiceBindAddr)
	if err != nil {
		return fmt.Errorf("invalid service_bind_addr %q: %w", cfg.ServiceBindAddr, err)
	}
	service, err := netstub.Start(ctx, serviceHost, servicePort,
		cfg.Service.OwnPrivateKey, cfg.Service.PeerPublicKeys, cfg.Service.PeerEndpoints,
		func(ctx context.Context, conn tunnel.TcpStream) { prox.HandleServiceTCP(ctx, conn) },
		func(data []byte, src, dst tunnel.Addr) { prox.HandleServiceDatagram(data, src, dst) },
		func(data []byte) { prox.HandleServiceOther(data) },
	)
	if err != nil {
		return fmt.Errorf("failed to start service tunnel on %s: %w", cfg.ServiceBindAddr, err)
	}
	defer service.Close()

	prox = proxy.New(ctx, network, service, manager, cfg.BufferSize, logger, telemetry.NewProxyInstrumentation(metrics))

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	go watchReloadSignal(ctx, manager, logger)

	if cfg.AdminEnabled() {
		onReload := func() bool { return manager.Reload(ctx) }
		adminServer := &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: admin.New(logger, cfg.AdminTokenHash, onReload, registry).Routes(),
		}
		go func() {
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminServer.Shutdown(shutdownCtx)
		}()
		logger.Info("admin surface listening", "addr", cfg.AdminAddr)
	} else {
		logger.Info("admin surface disabled")
	}

	logger.Info("sentrywire started",
		"network_addr", cfg.NetworkBindAddr,
		"service_addr", cfg.ServiceBindAddr,
		"plugins", manager.Loaded(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := prox.Close(shutdownCtx); err != nil {
		logger.Warn("proxy shutdown did not complete cleanly", "error", err)
	}

	logger.Info("sentrywire stopped")
	return nil
}

// splitHostPort parses a "host:port" bind address into its parts, the way
// netstub.Start and tunnel.StartServer need them.
func splitHostPort(addr string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("port %q is not numeric: %w", p, err)
	}
	return h, portNum, nil
}

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries. An empty input yields a nil slice.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// dynloadScratchDir returns where dynload stages reload copies of `.so`
// files (see dynload_unix.go's reopen workaround). Unused on Windows.
func dynloadScratchDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".sentrywire", "plugin-scratch")
	}
	return filepath.Join(os.TempDir(), "sentrywire-plugin-scratch")
}
