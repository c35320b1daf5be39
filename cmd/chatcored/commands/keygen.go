package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/factory"
)

func keygenCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate and store an X25519 key pair for a user",
		Long:  "Generates a key pair, replacing any previous one. Sessions derived from the old pair are re-derived on next use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			ctx := commandContext(cmd)
			f, err := factory.NewServiceFactory(cfg)
			if err != nil {
				return err
			}
			st, err := f.CreateStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			kp, err := crypto.NewManager(st, factory.SessionConfig(f.Config())).GenerateKeyPair(ctx, userID)
			if err != nil {
				return err
			}
			defer crypto.WipeKeyPair(kp)
			fmt.Fprintf(cmd.OutOrStdout(), "user: %s\nfingerprint: %s\n", kp.UserID, kp.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user to generate keys for")
	return cmd
}
