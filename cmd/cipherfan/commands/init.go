package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cipherfan/internal/app"
	"cipherfan/internal/domain"
	"cipherfan/internal/services/identity"
)

func initCmd() *cobra.Command {
	var (
		user       string
		device     uint32
		deviceName string
		deviceType string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the device identity and publish its key bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appCtx.Config
			if err := identity.CheckPassphrase(cfg.Store.Passphrase); err != nil {
				return err
			}
			if user == "" {
				user = cfg.Identity.UserID
			}
			if user == "" {
				return fmt.Errorf("--user required")
			}
			if !cmd.Flags().Changed("device") {
				device = cfg.Identity.DeviceID
			}
			if deviceName == "" {
				deviceName = cfg.Identity.DeviceName
			}
			if deviceType == "" {
				deviceType = cfg.Identity.DeviceType
			}

			res, err := appCtx.Init(cmd.Context(), domain.LocalRegistration{
				UserID:     domain.UserID(user),
				DeviceID:   domain.DeviceID(device),
				DeviceName: deviceName,
				DeviceType: domain.DeviceType(deviceType),
			})
			if err != nil {
				return err
			}
			reg := res.Registration
			if err := app.SaveIdentity(cfg.Home, app.IdentityConfig{
				UserID:     string(reg.UserID),
				DeviceID:   uint32(reg.DeviceID),
				DeviceName: reg.DeviceName,
				DeviceType: string(reg.DeviceType),
			}); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device %s.%d ready (registration id %d).\n", reg.UserID, reg.DeviceID, reg.RegistrationID)
			fmt.Fprintf(out, "Fingerprint: %s\n", res.Fingerprint)
			fmt.Fprintf(out, "Published %d one-time prekeys.\n", len(res.Bundle.PreKeys))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "your user id")
	cmd.Flags().Uint32Var(&device, "device", 1, "this device's id")
	cmd.Flags().StringVar(&deviceName, "device-name", "", "human readable device name")
	cmd.Flags().StringVar(&deviceType, "device-type", "", "device type label (phone, desktop, web)")
	return cmd
}
