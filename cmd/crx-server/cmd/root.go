package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/oshokin/crx-server/internal/config"
	"github.com/oshokin/crx-server/internal/logger"
	"github.com/oshokin/crx-server/internal/version"
)

var (
	// configPath to the configuration YAML file, shared by every subcommand.
	configPath string
	// logLevel overrides log_level before the configuration is read.
	logLevel string

	// rootCmd represents the base command.
	rootCmd = &cobra.Command{
		Use:   "crx-server",
		Short: "Pack, sign and serve a browser extension with auto-update during development.",
		Long: `crx-server packs an unpacked extension directory into a signed CRX3 bundle,
writes a gupdate document pointing at it and serves both over a tunnel so a
browser with the extension installed picks up every repack automatically.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if logLevel == "" {
				return nil
			}

			level, ok := logger.ParseLogLevel(logLevel)
			if !ok {
				return errUnknownLogLevel
			}

			logger.SetLevel(level)

			return nil
		},
	}
)

// Execute runs the crx-server CLI and exits with non-zero status on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bindFlags maps configuration keys to flags of fs. Only flags the user set
// override the file, unset flags fall through to the file and defaults.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", "", "path to configuration file (default "+config.DefaultConfigFilename+" if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCommand(),
		newPackCommand(),
		newBumpCommand(),
		newKeygenCommand(),
		newStatusCommand(),
		version.NewCommand(),
	)
}
