package commands

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"cipherfan/internal/domain"
)

func mediaTypeFor(mimeType string) domain.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return domain.MediaTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return domain.MediaTypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return domain.MediaTypeAudio
	}
	return domain.MediaTypeFile
}

// send-media <chat> <path>: encrypt a file once and fan out its key.
func sendMediaCmd() *cobra.Command {
	var (
		f        sendFlags
		mimeType string
	)
	cmd := &cobra.Command{
		Use:   "send-media <chat> <path>",
		Short: "Encrypt a file once, upload it and send its key to every recipient device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			name := filepath.Base(args[1])
			if mimeType == "" {
				mimeType = mime.TypeByExtension(filepath.Ext(name))
			}
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			res, err := appCtx.Fanout.SendMedia(cmd.Context(), domain.ChatID(args[0]), f.recipients(),
				data, name, mimeType, mediaTypeFor(mimeType), f.metadata(cmd))
			printResult(cmd.OutOrStdout(), res)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%d bytes, %s)\n", name, len(data), mimeType)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&mimeType, "mime", "", "mime type (default from file extension)")
	return cmd
}
