package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cipherfan/internal/domain"
)

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Group key maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate <chat> <member>...",
		Short: "Refresh cached devices for every member after a membership change",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			members := make([]domain.UserID, 0, len(args)-1)
			for _, u := range args[1:] {
				members = append(members, domain.UserID(u))
			}
			if err := appCtx.Fanout.RotateGroupKeys(cmd.Context(), domain.ChatID(args[0]), members); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated %s for %d members\n", args[0], len(members))
			return nil
		},
	})
	return cmd
}
