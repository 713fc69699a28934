package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/crx-server/internal/config"
	"github.com/oshokin/crx-server/internal/service/server"
)

func newServeCommand() *cobra.Command {
	v := config.NewViper()

	var skipInitialPack bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Pack the extension and serve it over a tunnel until interrupted.",
		Long: `Binds the HTTP server, opens the tunnel and packs the extension with the
initial version (a patch bump by default). With --watch every change under the
extension directory triggers another patch bump.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(contextOrBackground(cmd), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return server.Run(ctx, &server.Options{
				ConfigPath:      configPath,
				Viper:           v,
				SkipInitialPack: skipInitialPack,
			})
		},
	}

	flags := cmd.Flags()
	flags.IntP("port", "p", config.DefaultPort, "local HTTP port")
	flags.StringP("extension-dir", "e", "", "unpacked extension directory")
	flags.StringP("public-dir", "o", "", "directory receiving update.xml and extension.crx")
	flags.String("key", "", "PEM signing key (default <extension-dir>/key.pem)")
	flags.String("tunnel", "", "tunnel provider: ngrok or local")
	flags.String("initial-version", config.DefaultInitialVersion, "version spec for the pack on start")
	flags.String("control-addr", "", "gRPC health listen address")
	flags.String("metrics-addr", "", "prometheus listen address")
	flags.BoolP("watch", "w", false, "repack on every change")
	flags.BoolVar(&skipInitialPack, "skip-initial-pack", false, "serve the already published artifacts")

	bindFlags(v, flags, map[string]string{
		"port":             "port",
		"extension_dir":    "extension-dir",
		"public_dir":       "public-dir",
		"private_key_path": "key",
		"tunnel.provider":  "tunnel",
		"initial_version":  "initial-version",
		"control_addr":     "control-addr",
		"metrics_addr":     "metrics-addr",
		"watch":            "watch",
	})
	bindFlags(v, rootCmd.PersistentFlags(), map[string]string{"log_level": "log-level"})

	return cmd
}

// contextOrBackground guards commands executed without ExecuteContext.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}

	return context.Background()
}
