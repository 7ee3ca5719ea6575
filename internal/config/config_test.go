package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.PluginDir != defaultPluginDir {
		t.Errorf("PluginDir = %q, want %q", cfg.PluginDir, defaultPluginDir)
	}
	if cfg.BufferSize != defaultBufferSize {
		t.Errorf("BufferSize = %d, want %d", cfg.BufferSize, defaultBufferSize)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.AdminAddr != defaultAdminAddr {
		t.Errorf("AdminAddr = %q, want %q", cfg.AdminAddr, defaultAdminAddr)
	}
	if cfg.NetworkBindAddr != defaultNetworkBindAddr {
		t.Errorf("NetworkBindAddr = %q, want %q", cfg.NetworkBindAddr, defaultNetworkBindAddr)
	}
	if cfg.ServiceBindAddr != defaultServiceBindAddr {
		t.Errorf("ServiceBindAddr = %q, want %q", cfg.ServiceBindAddr, defaultServiceBindAddr)
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		PluginDir:  "/opt/sentrywire/plugins",
		BufferSize: 8192,
		LogLevel:   "debug",
		AdminAddr:  "127.0.0.1:9999",
	}
	cfg.SetDefaults()

	if cfg.PluginDir != "/opt/sentrywire/plugins" {
		t.Errorf("PluginDir was overwritten: got %q", cfg.PluginDir)
	}
	if cfg.BufferSize != 8192 {
		t.Errorf("BufferSize was overwritten: got %d", cfg.BufferSize)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel was overwritten: got %q", cfg.LogLevel)
	}
	if cfg.AdminAddr != "127.0.0.1:9999" {
		t.Errorf("AdminAddr was overwritten: got %q", cfg.AdminAddr)
	}
}

func TestConfig_SetDefaults_DisableAdmin(t *testing.T) {
	t.Parallel()

	cfg := Config{AdminAddr: disableAdminAddr}
	cfg.SetDefaults()

	if cfg.AdminAddr != "" {
		t.Errorf("AdminAddr = %q, want empty (disabled)", cfg.AdminAddr)
	}
	if cfg.AdminEnabled() {
		t.Error("AdminEnabled() = true, want false after explicit disable")
	}
}

func TestConfig_AdminEnabled(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()
	if !cfg.AdminEnabled() {
		t.Error("AdminEnabled() = false, want true with default admin_addr")
	}
}

func TestFindConfigFile_FindsYAMLInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sentrywire.yaml")
	if err := os.WriteFile(cfgPath, []byte("plugin_dir: /tmp/plugins\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	if got := findConfigFile(); got == "" {
		t.Error("findConfigFile() = empty, want sentrywire.yaml in working directory")
	}
}

func TestFindConfigFile_NoneFound(t *testing.T) {
	dir := t.TempDir()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	// An empty working directory, with HOME pointed at that same empty
	// directory, should report no file found, not error.
	t.Setenv("HOME", dir)
	if got := findConfigFile(); got != "" {
		t.Errorf("findConfigFile() = %q, want empty", got)
	}
}
