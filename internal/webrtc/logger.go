package webrtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// loggerFactory routes pion's internal logs through zerolog.
type loggerFactory struct {
	log zerolog.Logger
}

func newLoggerFactory(log zerolog.Logger) logging.LoggerFactory {
	return &loggerFactory{log: log}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.log.With().Str("pion", scope).Logger()}
}

// leveledLogger demotes pion info logs to debug; they are chatty.
type leveledLogger struct {
	log zerolog.Logger
}

func (l *leveledLogger) Trace(msg string)                  { l.log.Trace().Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...any) { l.log.Trace().Msgf(format, args...) }
func (l *leveledLogger) Debug(msg string)                  { l.log.Trace().Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.log.Trace().Msgf(format, args...) }
func (l *leveledLogger) Info(msg string)                   { l.log.Debug().Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...any)  { l.log.Debug().Msgf(format, args...) }
func (l *leveledLogger) Warn(msg string)                   { l.log.Warn().Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...any)  { l.log.Warn().Msgf(format, args...) }
func (l *leveledLogger) Error(msg string)                  { l.log.Error().Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.log.Error().Msgf(format, args...) }
