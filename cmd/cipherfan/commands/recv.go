package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cipherfan/internal/store"
)

// recv: fetch and decrypt queued messages for this device.
func recvCmd() *cobra.Command {
	var (
		limit  int
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt your queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := appCtx.Receive(cmd.Context(), limit)
			out := cmd.OutOrStdout()
			for _, m := range res.Messages {
				ts := time.UnixMilli(m.Timestamp).Format(time.RFC3339)
				if m.Media == nil {
					fmt.Fprintf(out, "[%s] %s in %s: %s\n", ts, m.From, m.ChatID, string(m.Plaintext))
					continue
				}
				if m.Plaintext == nil {
					fmt.Fprintf(out, "[%s] %s in %s: %s (download failed)\n", ts, m.From, m.ChatID, m.Media.FileName)
					continue
				}
				path := filepath.Join(outDir, filepath.Base(m.Media.FileName))
				if werr := store.WriteFileAtomic(path, m.Plaintext, 0o600); werr != nil {
					return werr
				}
				fmt.Fprintf(out, "[%s] %s in %s: %s %s -> %s\n", ts, m.From, m.ChatID, m.Media.MediaType, m.Media.FileName, path)
			}
			for _, f := range res.Failures {
				fmt.Fprintf(cmd.ErrOrStderr(), "message %s from %s: %v\n", f.MessageID, f.From, f.Err)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to fetch (0 = all)")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory for received media files")
	return cmd
}
