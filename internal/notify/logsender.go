package notify

import (
	"context"

	logx "schoolops/pkg/logx"
)

// LogSender writes messages to the log. Used for the "log" channel and
// for running without real transports.
type LogSender struct{ log logx.Logger }

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log.With(logx.String("comp", "notify.log"))}
}

func (s *LogSender) Send(_ context.Context, m Message) error {
	s.log.Info("notification",
		logx.String("to", m.To.String()),
		logx.String("subject", m.Subject),
		logx.String("body", m.Body),
	)
	return nil
}
