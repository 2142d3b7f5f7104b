package notifier

import (
	"context"

	logx "reminderd/pkg/logx"
)

// Log delivers by writing an info line. It never fails.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "notifier.log"))}
}

func (l *Log) Send(ctx context.Context, audienceKey string, msg Message, meta map[string]string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.log.Info("notification",
		logx.String("audience", audienceKey),
		logx.String("title", msg.Title),
		logx.String("body", msg.Body),
		logx.String("habit_id", meta[MetaHabitID]),
		logx.String("job", meta[MetaJobName]),
	)
	return true, nil
}
