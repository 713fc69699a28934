package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oshokin/crx-server/internal/config"
	"github.com/oshokin/crx-server/internal/domain/manifest"
	"github.com/oshokin/crx-server/internal/domain/semver"
	"github.com/oshokin/crx-server/internal/repository/artifact"
)

func newBumpCommand() *cobra.Command {
	v := config.NewViper()

	var from string

	cmd := &cobra.Command{
		Use:   "bump <version-spec>",
		Short: "Print the version a pack cycle would produce.",
		Long: `Resolves a version spec against --from, or against the published update
document (falling back to manifest.json) when --from is not set. Nothing is written.`,
		Example: "  crx-server bump patch --from 1.2.3\n  crx-server bump minor -e ./ext -o ./public",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			previous := from

			if !cmd.Flags().Changed("from") {
				cfg, err := config.Load(configPath, v)
				if err != nil {
					return fmt.Errorf("load settings: %w", err)
				}

				previous, err = currentVersion(cmd, cfg)
				if err != nil {
					return err
				}
			}

			next := semver.Resolve(args[0], previous)

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), next)

			if previous != "" && next != previous && !semver.IsUpgrade(previous, next) {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is not newer than %s\n", next, previous)
			}

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&from, "from", "", "previous version")
	flags.StringP("extension-dir", "e", "", "unpacked extension directory")
	flags.StringP("public-dir", "o", "", "directory holding the published update.xml")

	bindFlags(v, flags, map[string]string{
		"extension_dir": "extension-dir",
		"public_dir":    "public-dir",
	})

	return cmd
}

func currentVersion(cmd *cobra.Command, cfg *config.Config) (string, error) {
	version, err := artifact.NewStore(cfg.PublicDir).PreviousVersion(contextOrBackground(cmd))
	if err == nil {
		return version, nil
	}

	if !errors.Is(err, artifact.ErrNotFound) {
		return "", err
	}

	m, err := manifest.Load(cfg.ExtensionDir)
	if err != nil {
		return "", err
	}

	return m.Version(), nil
}
