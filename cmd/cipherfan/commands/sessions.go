package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune ratchet sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions with peer devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := appCtx.Sessions.ListSessions()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tMESSAGES\tLAST USED\tPENDING")
			for _, s := range infos {
				fmt.Fprintf(w, "%s\t%d\t%s\t%t\n", s.Address, s.MessageCount,
					time.UnixMilli(s.LastUsedAt).Format(time.RFC3339), s.Pending)
			}
			return w.Flush()
		},
	})

	var maxAge time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions idle for longer than --max-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-age") {
				appCtx.Config.Sessions.MaxAge = maxAge
			}
			n, err := appCtx.PruneSessions()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d sessions\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&maxAge, "max-age", 0, "idle age (default sessions.max_age)")
	cmd.AddCommand(prune)
	return cmd
}
