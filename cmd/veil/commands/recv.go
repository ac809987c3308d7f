package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"veil/internal/domain"
)

// recv: fetch, decrypt, and acknowledge queued messages.
func recvCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt your queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			received, err := wire.Messages.Receive(cmd.Context(), passphrase, limit)
			if err != nil {
				return err
			}
			for _, r := range received {
				if r.Err != nil {
					fmt.Printf("[%s] <undecryptable: %v>\n", r.Message.From, r.Err)
					continue
				}
				switch r.Content.Type {
				case domain.MessageTypeMedia:
					fmt.Printf("[%s] file %s (key %s)\n", r.Message.From, r.Content.Body, r.Content.MediaKey)
				default:
					fmt.Printf("[%s] %s\n", r.Message.From, r.Content.Body)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages to fetch (0 = all)")
	return cmd
}
