// Package bclog wires up the process-wide zerolog logger, with a
// colorized console writer for interactive terminals and structured JSON
// everywhere else.
package bclog

import (
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger at the given level ("debug",
// "info", "warn", "error"). When stdout is a terminal it writes a
// human-friendly colorized console format; otherwise structured JSON.
func Setup(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out zerolog.ConsoleWriter
	if isatty.IsTerminal(os.Stdout.Fd()) {
		out = zerolog.ConsoleWriter{Out: colorable.NewColorableStdout(), TimeFormat: "15:04:05"}
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// For starts a debug log entry tagged with the FEI the event concerns,
// matching the interpreter's habit of logging every control-message
// dispatch with its target.
func For(fei string) *zerolog.Event {
	return log.Debug().Str("fei", fei)
}
