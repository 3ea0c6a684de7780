package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// pahoLogger adapts an [slog.Logger] to the Println/Printf logger
// interface both Paho clients accept, emitting every line at a fixed
// level tagged with component=paho.
type pahoLogger struct {
	logger *slog.Logger
	level  slog.Level
}

func newPahoLogger(logger *slog.Logger, level slog.Level) pahoLogger {
	return pahoLogger{logger: logger, level: level}
}

func (l pahoLogger) Println(v ...interface{}) {
	if !l.logger.Enabled(context.Background(), l.level) {
		return
	}
	l.emit(fmt.Sprintln(v...))
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	if !l.logger.Enabled(context.Background(), l.level) {
		return
	}
	l.emit(fmt.Sprintf(format, v...))
}

func (l pahoLogger) emit(msg string) {
	l.logger.Log(context.Background(), l.level, strings.TrimSpace(msg), "component", "paho")
}
