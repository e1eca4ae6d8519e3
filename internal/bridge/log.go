package bridge

import (
	"context"

	logx "remindd/pkg/logx"
)

// LogBridge writes deliveries to the log. It is the default transport for
// local runs and keeps the engine fully exercisable without credentials.
type LogBridge struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *LogBridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogBridge{log: log}
}

func (b *LogBridge) Deliver(_ context.Context, userID, reminderID, title, body string) error {
	b.log.Info("reminder delivered",
		logx.String("user", userID),
		logx.String("reminder", reminderID),
		logx.String("title", title),
		logx.Int("body_len", len(body)),
	)
	return nil
}
