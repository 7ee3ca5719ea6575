package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper for the ancillary settings (everything in
// Config). If configFile is empty, it searches for sentrywire.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the "sentrywire" binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("sentrywire")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("plugin_dir")
	_ = viper.BindEnv("buffer_size")
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("admin_addr")
	_ = viper.BindEnv("admin_token_hash")
	_ = viper.BindEnv("builtin_plugins")
	_ = viper.BindEnv("network_bind_addr")
	_ = viper.BindEnv("service_bind_addr")
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".sentrywire")}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "sentrywire"))
		}
	} else {
		paths = append(paths, "/etc/sentrywire")
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "sentrywire"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// LoadConfig reads the ancillary Config (YAML + PROXY_* env vars), applies
// defaults, validates, and separately loads and validates the WireGuard
// key material (env-var only — see keys.go).
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	network, err := LoadTunnelKeys("NETWORK")
	if err != nil {
		return nil, fmt.Errorf("network tunnel keys: %w", err)
	}
	service, err := LoadTunnelKeys("PROXY")
	if err != nil {
		return nil, fmt.Errorf("proxy tunnel keys: %w", err)
	}
	cfg.Network = *network
	cfg.Service = *service

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or "" if none was found (env vars only).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
