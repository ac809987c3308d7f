package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"veil/internal/domain"
)

// trust: inspect and manage pinned peer identities.
func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Inspect and manage pinned peer identities",
	}
	cmd.AddCommand(trustStatusCmd(), trustVerifyCmd(), trustUnverifyCmd(), trustAcceptCmd())
	return cmd
}

func trustStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <peer>",
		Short: "Show the trust state for a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := wire.Trust.Status(domain.UserID(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	}
}

func trustVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <peer>",
		Short: "Mark a peer's identity as verified after comparing safety numbers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wire.Trust.MarkVerified(domain.UserID(args[0]))
		},
	}
}

func trustUnverifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unverify <peer>",
		Short: "Clear a peer's verified flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wire.Trust.MarkUnverified(domain.UserID(args[0]))
		},
	}
}

func trustAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <peer>",
		Short: "Accept a peer's changed identity key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wire.Trust.AcceptKeyChange(domain.UserID(args[0])); err != nil {
				return err
			}
			fmt.Println("accepted; re-verify the safety number when possible")
			return nil
		},
	}
}
