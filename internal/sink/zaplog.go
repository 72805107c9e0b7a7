package sink

import (
	"sync/atomic"

	gobgplog "github.com/osrg/gobgp/v3/pkg/log"
	"go.uber.org/zap"
)

// zapLogger routes the embedded GoBGP server's logs through zap. GoBGP's
// own level gate is kept so its debug chatter stays off unless asked for.
type zapLogger struct {
	logger *zap.Logger
	level  atomic.Uint32
}

func newZapLogger(logger *zap.Logger) *zapLogger {
	l := &zapLogger{logger: logger}
	l.level.Store(uint32(gobgplog.InfoLevel))
	return l
}

func (l *zapLogger) enabled(level gobgplog.LogLevel) bool {
	return level <= gobgplog.LogLevel(l.level.Load())
}

func (l *zapLogger) Panic(msg string, fields gobgplog.Fields) {
	l.logger.Panic(msg, zapFields(fields)...)
}

func (l *zapLogger) Fatal(msg string, fields gobgplog.Fields) {
	l.logger.Fatal(msg, zapFields(fields)...)
}

func (l *zapLogger) Error(msg string, fields gobgplog.Fields) {
	if l.enabled(gobgplog.ErrorLevel) {
		l.logger.Error(msg, zapFields(fields)...)
	}
}

func (l *zapLogger) Warn(msg string, fields gobgplog.Fields) {
	if l.enabled(gobgplog.WarnLevel) {
		l.logger.Warn(msg, zapFields(fields)...)
	}
}

func (l *zapLogger) Info(msg string, fields gobgplog.Fields) {
	if l.enabled(gobgplog.InfoLevel) {
		l.logger.Info(msg, zapFields(fields)...)
	}
}

func (l *zapLogger) Debug(msg string, fields gobgplog.Fields) {
	if l.enabled(gobgplog.DebugLevel) {
		l.logger.Debug(msg, zapFields(fields)...)
	}
}

func (l *zapLogger) SetLevel(level gobgplog.LogLevel) {
	l.level.Store(uint32(level))
}

func (l *zapLogger) GetLevel() gobgplog.LogLevel {
	return gobgplog.LogLevel(l.level.Load())
}

func zapFields(fields gobgplog.Fields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
