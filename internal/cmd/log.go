package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prismdns/prism/internal/configmgr"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger returns a logger configured with the given settings.  When a log
// file is configured, it is rotated by size.  ls must not be nil.
func newLogger(ls *configmgr.LogSettings) (l *slog.Logger) {
	lvl := slog.LevelInfo
	if ls.Verbose {
		lvl = slog.LevelDebug
	}

	var output io.Writer = os.Stderr
	if ls.File != "" {
		output = &lumberjack.Logger{
			Filename:   ls.File,
			MaxSize:    ls.MaxSizeMB,
			MaxBackups: ls.MaxBackups,
		}
	}

	return slogutil.New(&slogutil.Config{
		Output:       output,
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		AddTimestamp: true,
	})
}
