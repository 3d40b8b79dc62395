package cartsession

import (
	"context"

	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a short user-facing message, the kind a UI shows as a toast.
type Notification struct {
	Level   Level
	Message string
	Err     error
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, note Notification) {
	logger := n.Logger
	if logger == nil {
		return
	}
	fields := []zap.Field{zap.String("notification", note.Message)}
	if note.Err != nil {
		fields = append(fields, zap.Error(note.Err))
	}
	switch note.Level {
	case LevelError:
		logger.Error("user notification", fields...)
	case LevelWarning:
		logger.Warn("user notification", fields...)
	default:
		logger.Info("user notification", fields...)
	}
}
