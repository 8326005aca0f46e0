package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/confluence/internal/identity"
)

type keygenOutput struct {
	ID        identity.InstanceID `json:"id"`
	PublicKey string              `json:"public_key"`
	File      string              `json:"file"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create or show the instance signing key",
		Long: `Load the Ed25519 key at the configured key_file (or --out), creating it
when missing, and print the instance ID and hex public key. Share both
with peers so they can list this instance under peers:.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := out
			if path == "" {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.KeyFile
			}
			kp, err := identity.LoadOrGenerate(path)
			if err != nil {
				return err
			}
			res := keygenOutput{ID: kp.ID, PublicKey: hex.EncodeToString(kp.Public), File: path}

			p := printer{w: cmd.OutOrStdout(), format: rootOpts.Format}
			if p.format == "json" {
				return p.json(res)
			}
			fmt.Fprintf(p.w, "id:         %s\npublic key: %s\nkey file:   %s\n", res.ID, res.PublicKey, res.File)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "key file path (default: key_file from config)")
	return cmd
}
