package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Level  string
	Format string
	Writer io.Writer
}

// New builds the root logger. Components derive their own loggers from it
// with WithPrefix.
func New(cfg Config) *log.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stderr
	}

	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = log.InfoLevel
	}

	return log.NewWithOptions(writer, log.Options{
		Level:           level,
		Prefix:          "filevora",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       parseFormatter(cfg.Format),
	})
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

func parseFormatter(format string) log.Formatter {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

// CronLogger adapts a logger to the robfig/cron logging interface.
func CronLogger(logger *log.Logger) cron.Logger {
	return cronLogger{logger: logger}
}

type cronLogger struct {
	logger *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error(msg, append(keysAndValues, "error", err)...)
}
