package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"veil/internal/domain"
)

// safety <peer>: print the 60-digit number both sides compare out of band.
func safetyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "safety <peer>",
		Short: "Show the safety number shared with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			n, err := wire.Trust.SafetyNumber(cmd.Context(), passphrase,
				domain.UserID(user), domain.UserID(args[0]))
			if err != nil {
				return err
			}
			// 12 groups of five digits, six per line.
			for i := 0; i < len(n); i += 30 {
				line := n[i : i+30]
				for j := 0; j < len(line); j += 5 {
					fmt.Printf("%s ", line[j:j+5])
				}
				fmt.Println()
			}
			return nil
		},
	}
}
