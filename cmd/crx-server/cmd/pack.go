package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/oshokin/crx-server/internal/config"
	"github.com/oshokin/crx-server/internal/service/repack"
)

func newPackCommand() *cobra.Command {
	v := config.NewViper()

	var (
		baseURL     string
		versionSpec string
	)

	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Run one pack cycle without serving.",
		Long: `Packs and signs the extension, writing update.xml and extension.crx into the
public directory. The version spec is empty (keep the published version), a bump
keyword (major, minor, patch) or an explicit version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, v)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}

			if baseURL == "" {
				baseURL = "http://127.0.0.1:" + strconv.Itoa(cfg.Port)
			}

			result, err := repack.Run(contextOrBackground(cmd), &repack.Options{
				ExtensionDir:   cfg.ExtensionDir,
				PublicDir:      cfg.PublicDir,
				BaseURL:        baseURL,
				UpdatePath:     cfg.UpdatePath,
				BundlePath:     cfg.BundlePath,
				PrivateKeyPath: cfg.PrivateKeyPath,
				Version:        versionSpec,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "extension id: %s\n", result.ExtensionID)
			_, _ = fmt.Fprintf(out, "version:      %s (was %s)\n", result.Version, result.PreviousVersion)
			_, _ = fmt.Fprintf(out, "update url:   %s\n", result.UpdateURL)
			_, _ = fmt.Fprintf(out, "bundle:       %s\n", result.BundlePath)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringP("extension-dir", "e", "", "unpacked extension directory")
	flags.StringP("public-dir", "o", "", "directory receiving update.xml and extension.crx")
	flags.String("key", "", "PEM signing key (default <extension-dir>/key.pem)")
	flags.IntP("port", "p", config.DefaultPort, "port used for the default base URL")
	flags.StringVar(&baseURL, "base-url", "", "public base URL (default http://127.0.0.1:<port>)")
	flags.StringVarP(&versionSpec, "version", "V", "patch", "version spec")

	bindFlags(v, flags, map[string]string{
		"extension_dir":    "extension-dir",
		"public_dir":       "public-dir",
		"private_key_path": "key",
		"port":             "port",
	})

	return cmd
}
