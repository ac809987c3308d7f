package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"veil/internal/services/backup"
)

// backup: create, restore, and delete the encrypted key backup.
func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage the encrypted key backup",
	}
	cmd.AddCommand(backupCreateCmd(), backupRestoreCmd(), backupDeleteCmd(), backupStatusCmd())
	return cmd
}

func backupCreateCmd() *cobra.Command {
	var backupPass string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Export keys and upload the sealed backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			if backupPass == "" {
				return fmt.Errorf("--backup-passphrase required")
			}
			if s := backup.EvaluatePassphraseStrength(backupPass); s == backup.StrengthWeak {
				fmt.Println("warning: weak backup passphrase")
			}
			return wire.Backup.Create(cmd.Context(), passphrase, backupPass)
		},
	}
	cmd.Flags().StringVar(&backupPass, "backup-passphrase", "", "passphrase sealing the backup")
	return cmd
}

func backupRestoreCmd() *cobra.Command {
	var backupPass string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Download the backup and replace the local key store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			if backupPass == "" {
				return fmt.Errorf("--backup-passphrase required")
			}
			if err := wire.Backup.Restore(cmd.Context(), passphrase, backupPass); err != nil {
				return err
			}
			fmt.Println("restored")
			return nil
		},
	}
	cmd.Flags().StringVar(&backupPass, "backup-passphrase", "", "passphrase sealing the backup")
	return cmd
}

func backupDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the uploaded backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wire.Backup.Delete(cmd.Context())
		},
	}
}

func backupStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a backup exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := wire.Backup.Has(cmd.Context())
			if err != nil {
				return err
			}
			if ok {
				fmt.Println("backup present")
			} else {
				fmt.Println("no backup")
			}
			return nil
		},
	}
}
