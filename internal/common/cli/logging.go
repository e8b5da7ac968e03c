// Package cli holds the command line plumbing shared by both services: logging setup and layered configuration.
package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/stravabronze/activity-sync/internal/common/constants"
)

var (
	level = new(slog.LevelVar)

	// output is where structured logs are written.
	output io.Writer = os.Stderr
)

// sensitiveKeys are attribute keys whose values are masked in structured logs.
var sensitiveKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
	"password":      true,
	"verify_token":  true,
}

// SetVerbosity sets the logging level of the default logger from the verbose flag count.
//
// This function has the same behaviors as slog.SetLogLoggerLevel.
func SetVerbosity(n int) {
	level.Set(levelFor(n))
	slog.SetLogLoggerLevel(levelFor(n))
}

// SetSlog sets the logging level and format of the default logger.
//
// JSON logs are written to stderr with sensitive attributes masked. Otherwise, the default
// logger is kept, or restored to text if JSON logs were enabled before.
func SetSlog(n int, jsonLogs bool) {
	SetVerbosity(n)

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: maskSensitive}
	if jsonLogs {
		slog.SetDefault(slog.New(slog.NewJSONHandler(output, opts)))
		return
	}
	if _, ok := slog.Default().Handler().(*slog.JSONHandler); ok {
		slog.SetDefault(slog.New(slog.NewTextHandler(output, opts)))
	}
}

func levelFor(n int) slog.Level {
	switch n {
	case 0:
		return constants.DefaultLogLevel
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func maskSensitive(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] && !a.Equal(slog.String(a.Key, "")) {
		return slog.String(a.Key, "***")
	}
	return a
}
