package notify

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warden.org/internal/obs"
)

// Log writes events to the structured log under the "event" logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(l *zap.Logger) *Log {
	if l == nil {
		l = obs.Named("event")
	}
	return &Log{logger: l}
}

func (*Log) Name() string { return "log" }

func (l *Log) Notify(ctx context.Context, ev Event) error {
	ev, err := prepare(ctx, ev)
	if err != nil {
		return err
	}
	fields := []zap.Field{
		zap.String("event", ev.Kind),
		zap.Time("ts", ev.Time),
	}
	if ev.Tick != "" {
		fields = append(fields, obs.Tick(ev.Tick))
	}
	if len(ev.Fields) > 0 {
		fields = append(fields, zap.Any("fields", ev.Fields))
	}
	lvl := zapcore.InfoLevel
	if ev.Level == LevelError {
		lvl = zapcore.ErrorLevel
	}
	l.logger.Log(lvl, ev.Text, fields...)
	return nil
}
