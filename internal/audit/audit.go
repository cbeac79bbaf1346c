package audit

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	RefreshFromEnv()
}

// Set enables or disables the SMTP wire transcript.
func Set(on bool) {
	enabled.Store(on)
}

// Enabled reports whether transcript lines are logged.
func Enabled() bool {
	return enabled.Load()
}

// RefreshFromEnv re-reads MAILDOVE_DEBUG.
func RefreshFromEnv() {
	Set(os.Getenv("MAILDOVE_DEBUG") == "1")
}

// Log records one protocol line exchanged with a remote server. dir is
// "SEND" or "RECV".
func Log(logger *slog.Logger, dir, line string) {
	if !Enabled() || logger == nil {
		return
	}
	logger.LogAttrs(context.Background(), slog.LevelDebug, dir, slog.String("line", line))
}
