// Package config provides configuration loading for sentrywire.
//
// The WireGuard key material (SPEC_FULL.md §6) is intentionally excluded
// from this schema and from YAML entirely — it is environment-variable
// only, loaded and validated separately in keys.go, so it can never be
// checked into a config file by accident.
package config

// Config is the ancillary operational configuration for sentrywire: every
// knob other than the WireGuard key material. It is populated from an
// optional YAML file and/or environment variables via Viper.
type Config struct {
	// Network is the untrusted-network-facing tunnel endpoint's WireGuard
	// identity (NETWORK_* environment variables). Never populated from
	// YAML — see LoadTunnelKeys in keys.go.
	Network TunnelKeys `yaml:"-" mapstructure:"-"`
	// Service is the protected-service-facing tunnel endpoint's WireGuard
	// identity (PROXY_* environment variables, distinct from the PROXY_
	// ancillary settings below). Never populated from YAML.
	Service TunnelKeys `yaml:"-" mapstructure:"-"`

	// PluginDir is scanned for plugins at startup and on reload.
	// Defaults to "./plugins" if empty.
	PluginDir string `yaml:"plugin_dir" mapstructure:"plugin_dir"`

	// BufferSize caps the per-direction context window and the read chunk
	// size passed to Stream.Read. Defaults to 4096 if zero.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", or
	// "error". Defaults to "info" if empty.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// AdminAddr is the loopback address the admin HTTP surface binds to.
	// Defaults to "127.0.0.1:9091" if empty. Set to "" explicitly via
	// PROXY_ADMIN_ADDR=- to disable the surface entirely.
	AdminAddr string `yaml:"admin_addr" mapstructure:"admin_addr" validate:"omitempty,hostname_port"`

	// AdminTokenHash is the argon2id hash of the bearer token required by
	// POST /reload. Empty means the endpoint always returns 403.
	AdminTokenHash string `yaml:"admin_token_hash" mapstructure:"admin_token_hash"`

	// BuiltinPlugins is a comma-separated list of bundled reference
	// plugins (plugins/) to compile into the dispatch chain alongside
	// whatever is discovered in PluginDir. Empty means none are enabled.
	BuiltinPlugins string `yaml:"builtin_plugins" mapstructure:"builtin_plugins"`

	// NetworkBindAddr is where the untrusted-network-facing tunnel
	// endpoint listens. Only consulted by the netstub tunnel (the fake
	// tunnel used by tests needs no listener). Defaults to
	// "0.0.0.0:51820" if empty.
	NetworkBindAddr string `yaml:"network_bind_addr" mapstructure:"network_bind_addr" validate:"omitempty,hostname_port"`
	// ServiceBindAddr is where the protected-service-facing tunnel
	// endpoint listens. Defaults to "0.0.0.0:51821" if empty.
	ServiceBindAddr string `yaml:"service_bind_addr" mapstructure:"service_bind_addr" validate:"omitempty,hostname_port"`
}

const (
	defaultPluginDir       = "./plugins"
	defaultBufferSize      = 4096
	defaultLogLevel        = "info"
	defaultAdminAddr       = "127.0.0.1:9091"
	disableAdminAddr       = "-"
	defaultNetworkBindAddr = "0.0.0.0:51820"
	defaultServiceBindAddr = "0.0.0.0:51821"
)

// SetDefaults applies sensible default values to fields left unset.
func (c *Config) SetDefaults() {
	if c.PluginDir == "" {
		c.PluginDir = defaultPluginDir
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.AdminAddr == "" {
		c.AdminAddr = defaultAdminAddr
	}
	if c.AdminAddr == disableAdminAddr {
		c.AdminAddr = ""
	}
	if c.NetworkBindAddr == "" {
		c.NetworkBindAddr = defaultNetworkBindAddr
	}
	if c.ServiceBindAddr == "" {
		c.ServiceBindAddr = defaultServiceBindAddr
	}
}

// AdminEnabled reports whether the admin HTTP surface should be started.
func (c *Config) AdminEnabled() bool {
	return c.AdminAddr != ""
}
