package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"veil/internal/domain"
)

// devices: list and revoke registered devices.
func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List and revoke registered devices",
	}
	cmd.AddCommand(devicesListCmd(), devicesRevokeCmd(), devicesRevokeOthersCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List this account's devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := wire.Devices.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, d := range devices {
				marker := " "
				if d.IsCurrentDevice {
					marker = "*"
				}
				last := time.Unix(d.LastActiveUTC, 0).UTC().Format(time.RFC3339)
				fmt.Printf("%s %-16s %-24s fp=%s last-active=%s\n",
					marker, d.DeviceID, d.DeviceName, d.IdentityFingerprint, last)
			}
			return nil
		},
	}
}

func devicesRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Deregister another device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wire.Devices.Revoke(cmd.Context(), domain.DeviceID(args[0]))
		},
	}
}

func devicesRevokeOthersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-others",
		Short: "Deregister every device except this one",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := wire.Devices.RevokeAllOtherDevices(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("revoked %d device(s)\n", n)
			return nil
		},
	}
}
