package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"cipherfan/internal/domain"
)

type sendFlags struct {
	to        []string
	noOffline bool
	progress  bool
}

func (f *sendFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.to, "to", nil, "recipient user ids (repeat or comma separate)")
	cmd.Flags().BoolVar(&f.noOffline, "no-offline", false, "do not store for devices that are offline")
	cmd.Flags().BoolVar(&f.progress, "progress", false, "print progress to stderr")
	_ = cmd.MarkFlagRequired("to")
}

func (f *sendFlags) recipients() []domain.UserID {
	out := make([]domain.UserID, 0, len(f.to))
	for _, u := range f.to {
		out = append(out, domain.UserID(u))
	}
	return out
}

// metadata allocates an operation id and hooks up progress output.
func (f *sendFlags) metadata(cmd *cobra.Command) domain.Metadata {
	meta := domain.Metadata{OperationID: appCtx.Fanout.NewOperationID()}
	if f.noOffline {
		off := false
		meta.StoreForOffline = &off
	}
	if f.progress {
		errOut := cmd.ErrOrStderr()
		appCtx.Fanout.RegisterProgress(meta.OperationID, func(p domain.Progress) {
			fmt.Fprintf(errOut, "%3d%% %s\n", p.Percent, p.Stage)
		})
	}
	return meta
}

func printResult(w io.Writer, res domain.FanoutResult) {
	fmt.Fprintf(w, "operation %s: %d devices", res.OperationID, len(res.Ciphertexts))
	if res.MessageID != "" {
		fmt.Fprintf(w, ", message %s", res.MessageID)
	}
	if res.MediaURL != "" {
		fmt.Fprintf(w, ", media %s", res.MediaURL)
	}
	fmt.Fprintln(w)
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  failed %s.%d: %v\n", f.UserID, f.DeviceID, f.Err)
	}
}

// send <chat> <message>: encrypt for every device of every recipient.
func sendCmd() *cobra.Command {
	var f sendFlags
	cmd := &cobra.Command{
		Use:   "send <chat> <message>",
		Short: "Encrypt and send a message to every recipient device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := appCtx.Fanout.Send(cmd.Context(), domain.ChatID(args[0]), f.recipients(), []byte(args[1]), f.metadata(cmd))
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}
	f.register(cmd)
	return cmd
}
