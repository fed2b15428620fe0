package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// publish: top up one-time prekeys and upload the bundle to the relay.
func publishCmd() *cobra.Command {
	var rotate bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Top up prekeys and publish the key bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rotate {
				spk, err := appCtx.PreKeys.RotateSignedPreKey()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rotated signed prekey (id %d).\n", spk.KeyID)
			}
			cfg := appCtx.Config.PreKeys
			n, err := appCtx.PreKeys.Replenish(cfg.MinAvailable, cfg.BatchSize)
			if err != nil {
				return err
			}
			b, err := appCtx.PreKeys.Publish(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published bundle for %s.%d: %d one-time prekeys (%d new).\n",
				b.UserID, b.DeviceID, len(b.PreKeys), n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate-signed", false, "rotate the signed prekey first")
	return cmd
}
