package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// signout: deregister this device and wipe local key material.
func signoutCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "signout",
		Short: "Deregister this device and wipe local keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("this wipes all local key material; re-run with --yes")
			}
			if err := wire.Lifecycle.Cleanup(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("signed out")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the wipe")
	return cmd
}
