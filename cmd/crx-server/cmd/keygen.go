package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oshokin/crx-server/internal/crx"
)

func newKeygenCommand() *cobra.Command {
	var (
		out   string
		bits  int
		force bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key and print the resulting extension ID.",
		Long: `Writes a PKCS#8 PEM private key with mode 0600. The extension ID is fixed by
the key, so keep the file: a new key means browsers see a different extension.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crx.GenerateKey(bits)
			if err != nil {
				return err
			}

			if err = crx.WriteKey(out, key, force); err != nil {
				return err
			}

			id, err := crx.IDFromKey(key)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "key:          %s\nextension id: %s\n", filepath.Clean(out), id)

			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", crx.DefaultKeyFilename, "key file path")
	cmd.Flags().IntVar(&bits, "bits", crx.DefaultKeyBits, "RSA modulus size")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing key")

	return cmd
}
