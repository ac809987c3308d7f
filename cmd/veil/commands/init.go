package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// init: first-run setup, or maintenance when an identity already exists.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and register this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			if err := wire.Lifecycle.Initialize(cmd.Context(), passphrase); err != nil {
				return err
			}
			fp, err := wire.Identity.Fingerprint(passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("identity fingerprint: %s\n", fp)
			return nil
		},
	}
}
