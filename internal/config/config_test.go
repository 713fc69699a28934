package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestValidate checks required fields and defaults.
func TestValidate(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Validate(new(Config)), ErrConfiguration)
	require.ErrorIs(t, Validate(&Config{ExtensionDir: "ext"}), ErrConfiguration)
	require.Error(t, Validate(nil))

	cfg := &Config{ExtensionDir: "ext", PublicDir: "public"}
	require.NoError(t, Validate(cfg))
	require.Equal(t, filepath.Join("ext", "key.pem"), cfg.PrivateKeyPath)
	require.Equal(t, DefaultUpdatePath, cfg.UpdatePath)
	require.Equal(t, DefaultBundlePath, cfg.BundlePath)
	require.Equal(t, DefaultInitialVersion, cfg.InitialVersion)
	require.Equal(t, "ngrok", cfg.Tunnel.Provider)
	require.Equal(t, DefaultConnectTimeout, cfg.Tunnel.ConnectTimeout)
	require.Equal(t, DefaultWatchDebounce, cfg.WatchDebounce)
	require.Equal(t, DefaultLogLevel, cfg.LogLevel)
}

// TestValidate_Rejects covers malformed values.
func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Config){
		"port":      func(c *Config) { c.Port = 70000 },
		"provider":  func(c *Config) { c.Tunnel.Provider = "cloudflare" },
		"log level": func(c *Config) { c.LogLevel = "chatty" },
		"route":     func(c *Config) { c.UpdatePath = "update.xml" },
		"same":      func(c *Config) { c.BundlePath = c.UpdatePath },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := &Config{
				ExtensionDir: "ext",
				PublicDir:    "public",
				UpdatePath:   DefaultUpdatePath,
				BundlePath:   DefaultBundlePath,
			}
			mutate(cfg)
			require.ErrorIs(t, Validate(cfg), ErrConfiguration)
		})
	}
}

// TestSaveLoad persists a config and reads it back through viper.
func TestSaveLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crx-server.yaml")

	original := &Config{
		Port:         9100,
		ExtensionDir: "ext",
		PublicDir:    "public",
		Tunnel: Tunnel{
			Provider:       "local",
			Options:        map[string]string{"host": "localhost"},
			ConnectTimeout: 3 * time.Second,
		},
		Watch:         true,
		WatchDebounce: time.Second,
	}
	require.NoError(t, Save(path, original))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(DefaultFilePermissions), info.Mode().Perm())

	loaded, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, original, loaded)
}

// TestLoad_MissingExplicitFile fails when a named file does not exist.
func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

// TestLoad_Overrides lets viper values win over the file.
func TestLoad_Overrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crx-server.yaml")
	data, err := yaml.Marshal(map[string]any{
		"extension_dir": "ext",
		"public_dir":    "public",
		"port":          9000,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	v := NewViper()
	v.Set("port", 9200)
	v.Set("tunnel.provider", "local")

	cfg, err := Load(path, v)
	require.NoError(t, err)
	require.Equal(t, 9200, cfg.Port)
	require.Equal(t, "local", cfg.Tunnel.Provider)
	require.Equal(t, "ext", cfg.ExtensionDir)
}
