package globals

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "lightspeed-session",
	Level: hclog.LevelFromString("DEBUG"),
})

// LogFileConfig configures the optional rotating log file.
type LogFileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SetupLogger replaces AppLogger with a logger of the given level. If a log file path is given, output goes to a
// lumberjack-rotated file instead of stderr. The returned io.Closer must be closed on shutdown.
func SetupLogger(level string, file LogFileConfig) io.Closer {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if file.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   true,
		}
		out = lj
		closer = lj
	}
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	AppLogger = hclog.New(&hclog.LoggerOptions{
		Name:   "lightspeed-session",
		Level:  lvl,
		Output: out,
	})
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
