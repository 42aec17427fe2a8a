package monitor

import "xtp-bridge/pkg/logger"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	logger.GetLogger().WithComponent("alert").Warn(message)
	return nil
}
