package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/chatcore/factory"
)

func roomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Manage chat rooms in the configured database",
	}
	cmd.AddCommand(roomCreateCmd())
	return cmd
}

func roomCreateCmd() *cobra.Command {
	var (
		id      string
		name    string
		members []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a chat room with initial members",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn is required; in-memory rooms do not outlive this command")
			}
			if id == "" || name == "" {
				return errors.New("--id and --name are required")
			}
			ctx := commandContext(cmd)
			f, err := factory.NewServiceFactory(cfg)
			if err != nil {
				return err
			}
			rooms, closeRooms, err := f.CreateCollaborators(ctx)
			if err != nil {
				return err
			}
			defer closeRooms()

			if err := rooms.CreateRoom(ctx, id, name, members...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created room %s with %d members\n", id, len(members))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "room id")
	cmd.Flags().StringVar(&name, "name", "", "room name")
	cmd.Flags().StringSliceVar(&members, "member", nil, "member user id (repeatable)")
	return cmd
}
