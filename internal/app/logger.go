package app

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// NewLogger builds the root logger. Output defaults to stderr so command
// output on stdout stays machine readable.
func NewLogger(cfg LogConfig, w io.Writer) hclog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "cipherfan",
		Level:      level,
		Output:     w,
		JSONFormat: cfg.JSON,
	})
}
