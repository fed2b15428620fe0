package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cipherfan/internal/domain"
)

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Track chat membership changes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <chat> <user>",
		Short: "Discover a new member's devices and establish sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, failures := appCtx.Fanout.AddMember(cmd.Context(), domain.ChatID(args[0]), domain.UserID(args[1]))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d devices ready\n", args[1], n)
			for _, f := range failures {
				fmt.Fprintf(cmd.OutOrStdout(), "  failed %s.%d: %v\n", f.UserID, f.DeviceID, f.Err)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <chat> <user>",
		Short: "Drop a member and delete their sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := appCtx.Fanout.RemoveMember(cmd.Context(), domain.ChatID(args[0]), domain.UserID(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed, %d sessions deleted\n", args[1], n)
			return nil
		},
	})
	return cmd
}
