package logging

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

type cronLogger struct {
	logger *slog.Logger
}

// CronLogger adapts a slog logger to cron's logr-style interface. Routine
// scheduler chatter goes to debug.
func CronLogger(logger *slog.Logger) cron.Logger {
	return cronLogger{logger: WithComponent(logger, "cron")}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
