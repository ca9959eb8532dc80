package runtime

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// ConfigureLogging installs the process-wide slog logger: a text handler
// when stdout is a terminal, a JSON handler otherwise (piped output,
// service logs), matching the teacher's unconditional text handler but
// adding the TTY check this module's log consumers (dashboards, journald)
// need. verbose lowers the level to debug.
func ConfigureLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
