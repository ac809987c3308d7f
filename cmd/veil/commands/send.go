package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"veil/internal/domain"
	"veil/internal/media"
)

// send <peer> <message>: encrypt and queue a message for <peer>.
func sendCmd() *cobra.Command {
	var toDevice string
	var filePath string

	cmd := &cobra.Command{
		Use:   "send <peer> [message]",
		Short: "Encrypt and send a message or file to a peer",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			peer := domain.UserID(args[0])

			var content domain.DecryptedContent
			switch {
			case filePath != "":
				key, hash, out, err := encryptFileArg(filePath)
				if err != nil {
					return err
				}
				content = domain.DecryptedContent{
					Type:      domain.MessageTypeMedia,
					Body:      out,
					MediaKey:  key,
					MediaHash: hash,
				}
			case len(args) == 2:
				content = domain.DecryptedContent{
					Type: domain.MessageTypeText,
					Body: args[1],
				}
			default:
				return fmt.Errorf("either a message argument or --file is required")
			}

			msg, err := wire.Messages.Send(cmd.Context(), passphrase, peer, domain.DeviceID(toDevice), content)
			if err != nil {
				return err
			}
			fmt.Printf("sent %s\n", msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&toDevice, "to-device", "", "target device id (default most recent session)")
	cmd.Flags().StringVar(&filePath, "file", "", "encrypt and send a file instead of text")
	return cmd
}

// encryptFileArg seals the file beside the original and returns the key
// string, plaintext hash, and ciphertext path. The ciphertext itself moves
// over whatever media transport the host app uses; only the key material
// rides inside the encrypted envelope.
func encryptFileArg(path string) (key string, hash []byte, outPath string, err error) {
	plain, err := os.ReadFile(path)
	if err != nil {
		return "", nil, "", err
	}
	sealed, key, hash, err := media.EncryptFile(plain)
	if err != nil {
		return "", nil, "", err
	}
	outPath = path + ".enc"
	if err := os.WriteFile(outPath, sealed, 0o600); err != nil {
		return "", nil, "", err
	}
	return key, hash, outPath, nil
}
