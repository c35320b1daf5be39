package commands

import (
	"github.com/spf13/cobra"

	"github.com/opd-ai/chatcore/config"
)

var (
	configPath string
	cfg        *config.Config
)

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "chatcored",
		Short:        "Real-time delivery core for end-to-end encrypted chat",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := config.ConfigureLogging(loaded.Log, cmd.ErrOrStderr()); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(serveCmd(), issueTokenCmd(), keygenCmd(), roomCmd())
	return root
}
