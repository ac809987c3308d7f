package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// fingerprint: print the short fingerprint of the local identity key.
func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Show the local identity key fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			fp, err := wire.Identity.Fingerprint(passphrase)
			if err != nil {
				return err
			}
			fmt.Println(fp)
			return nil
		},
	}
}
