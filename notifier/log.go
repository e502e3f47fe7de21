package notifier

import (
	"context"

	"porsche-tracker/models"
	"porsche-tracker/utils"
)

// LogSender writes alerts to the application log.
type LogSender struct {
	logger *utils.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *utils.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Type() models.ChannelType { return models.ChannelLog }

func (s *LogSender) Send(_ context.Context, target string, ev models.AlertEvent) error {
	msg := Render(ev)
	s.logger.Info("[alert] %s -> %s: %s", ev.DedupKey, target, msg.Subject)
	return nil
}
