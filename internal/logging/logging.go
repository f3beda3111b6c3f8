package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the zerolog global logger. Output goes to stderr so stdout
// stays free for media dumps.
func Setup(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if strings.EqualFold(os.Getenv("CALLCORE_LOG_FORMAT"), "json") {
		out = os.Stderr
	}
	log.Logger = log.Output(out)

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// For returns the global logger tagged with module.
func For(module string) zerolog.Logger {
	return log.With().Str("module", module).Logger()
}
