package logger

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface. The
// relay daemon logs through it; library consumers usually prefer the
// slog-backed implementation.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerolog wraps a zerolog logger.
func NewZerolog(log zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{log: log}
}

// Error implements Logger.
func (z *ZerologLogger) Error(msg string, args ...any) {
	withFields(z.log.Error(), args).Msg(msg)
}

// Warn implements Logger.
func (z *ZerologLogger) Warn(msg string, args ...any) {
	withFields(z.log.Warn(), args).Msg(msg)
}

// Info implements Logger.
func (z *ZerologLogger) Info(msg string, args ...any) {
	withFields(z.log.Info(), args).Msg(msg)
}

// Debug implements Logger.
func (z *ZerologLogger) Debug(msg string, args ...any) {
	withFields(z.log.Debug(), args).Msg(msg)
}

// withFields folds key-value pairs into the event. A trailing
// valueless key is logged as-is rather than dropped.
func withFields(ev *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		ev = ev.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		ev = ev.Interface("arg", args[len(args)-1])
	}
	return ev
}
