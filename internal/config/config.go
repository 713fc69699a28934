package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/crx-server/internal/crx"
	"github.com/oshokin/crx-server/internal/logger"
	"github.com/oshokin/crx-server/internal/tunnel"
)

// Config holds everything a crx-server instance needs.
type Config struct {
	// Port is the local HTTP port. Zero picks a free port.
	Port int `mapstructure:"port" yaml:"port"`
	// ExtensionDir holds the unpacked extension and its manifest.json.
	ExtensionDir string `mapstructure:"extension_dir" yaml:"extension_dir"`
	// PublicDir receives update.xml and extension.crx and is served over HTTP.
	PublicDir string `mapstructure:"public_dir" yaml:"public_dir"`
	// PrivateKeyPath is the PEM signing key, ExtensionDir/key.pem by default.
	PrivateKeyPath string `mapstructure:"private_key_path" yaml:"private_key_path,omitempty"`
	// UpdatePath is the route of the update document.
	UpdatePath string `mapstructure:"update_path" yaml:"update_path"`
	// BundlePath is the route of the signed bundle.
	BundlePath string `mapstructure:"bundle_path" yaml:"bundle_path"`
	// InitialVersion is the version spec applied by the pack on start.
	InitialVersion string `mapstructure:"initial_version" yaml:"initial_version"`
	// Tunnel selects and configures the public URL provider.
	Tunnel Tunnel `mapstructure:"tunnel" yaml:"tunnel"`
	// ControlAddr enables the gRPC health endpoint when set.
	ControlAddr string `mapstructure:"control_addr" yaml:"control_addr,omitempty"`
	// MetricsAddr enables the prometheus endpoint when set.
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty"`
	// Watch repacks on every change under ExtensionDir.
	Watch bool `mapstructure:"watch" yaml:"watch"`
	// WatchDebounce coalesces bursts of file events.
	WatchDebounce time.Duration `mapstructure:"watch_debounce" yaml:"watch_debounce"`
	// LogLevel is a zap level name.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Tunnel configures the tunnel provider.
type Tunnel struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Options are passed to the provider untouched.
	Options        map[string]string `mapstructure:"options" yaml:"options,omitempty"`
	ConnectTimeout time.Duration     `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "crx-server.yaml"

	// EnvPrefix prefixes environment overrides, e.g. CRX_SERVER_TUNNEL_PROVIDER.
	EnvPrefix = "CRX_SERVER"

	// DefaultPort is the default HTTP port.
	DefaultPort = 9000

	// DefaultUpdatePath is the default update document route.
	DefaultUpdatePath = "/update.xml"

	// DefaultBundlePath is the default bundle route.
	DefaultBundlePath = "/extension"

	// DefaultInitialVersion bumps the patch segment on start.
	DefaultInitialVersion = "patch"

	// DefaultConnectTimeout bounds tunnel establishment.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultWatchDebounce is the default watcher debounce window.
	DefaultWatchDebounce = 500 * time.Millisecond

	// DefaultLogLevel is the default zap level.
	DefaultLogLevel = "info"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	maxPort = 65535
)

var (
	// ErrConfiguration is wrapped by every validation failure.
	ErrConfiguration = errors.New("invalid configuration")

	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
)

// NewViper returns a viper instance with defaults and environment binding.
// Callers may bind CLI flags to it before passing it to Load.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("extension_dir", "")
	v.SetDefault("public_dir", "")
	v.SetDefault("private_key_path", "")
	v.SetDefault("update_path", DefaultUpdatePath)
	v.SetDefault("bundle_path", DefaultBundlePath)
	v.SetDefault("initial_version", DefaultInitialVersion)
	v.SetDefault("tunnel.provider", tunnel.ProviderNgrok)
	v.SetDefault("tunnel.options", map[string]string{})
	v.SetDefault("tunnel.connect_timeout", DefaultConnectTimeout)
	v.SetDefault("control_addr", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("watch", false)
	v.SetDefault("watch_debounce", DefaultWatchDebounce)
	v.SetDefault("log_level", DefaultLogLevel)

	return v
}

// Load reads path (optional when empty or missing and not explicitly required)
// into v, applies environment overrides and validates the result.
// A nil v is replaced by NewViper().
func Load(path string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	v.SetConfigFile(filepath.Clean(path))

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes cfg to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may carry a tunnel authtoken.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks required fields and fills defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.ExtensionDir == "" {
		return fmt.Errorf("%w: extension_dir must be provided", ErrConfiguration)
	}

	if cfg.PublicDir == "" {
		return fmt.Errorf("%w: public_dir must be provided", ErrConfiguration)
	}

	if cfg.Port < 0 || cfg.Port > maxPort {
		return fmt.Errorf("%w: port %d is out of range", ErrConfiguration, cfg.Port)
	}

	switch cfg.Tunnel.Provider {
	case "":
		cfg.Tunnel.Provider = tunnel.ProviderNgrok
	case tunnel.ProviderNgrok, tunnel.ProviderLocal:
	default:
		return fmt.Errorf("%w: unknown tunnel provider %q", ErrConfiguration, cfg.Tunnel.Provider)
	}

	if _, ok := logger.ParseLogLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrConfiguration, cfg.LogLevel)
	}

	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(cfg.ExtensionDir, crx.DefaultKeyFilename)
	}

	if cfg.UpdatePath == "" {
		cfg.UpdatePath = DefaultUpdatePath
	}

	if cfg.BundlePath == "" {
		cfg.BundlePath = DefaultBundlePath
	}

	if !strings.HasPrefix(cfg.UpdatePath, "/") || !strings.HasPrefix(cfg.BundlePath, "/") {
		return fmt.Errorf("%w: routes must start with a slash", ErrConfiguration)
	}

	if cfg.UpdatePath == cfg.BundlePath {
		return fmt.Errorf("%w: update_path and bundle_path must differ", ErrConfiguration)
	}

	if cfg.InitialVersion == "" {
		cfg.InitialVersion = DefaultInitialVersion
	}

	if cfg.Tunnel.ConnectTimeout <= 0 {
		cfg.Tunnel.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.WatchDebounce <= 0 {
		cfg.WatchDebounce = DefaultWatchDebounce
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	return nil
}
