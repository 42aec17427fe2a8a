package monitor

import (
	"context"
	"time"

	"xtp-bridge/internal/events"
	"xtp-bridge/pkg/logger"
)

// Monitor watches the notification stream and emits alerts.
type Monitor struct {
	Bus   *events.Bus
	Sink  AlertSink
	Rules []Rule
}

func (m *Monitor) Start(ctx context.Context) {
	log := logger.GetLogger().WithComponent("monitor")
	if m.Bus == nil || m.Sink == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	if len(m.Rules) == 0 {
		m.Rules = DefaultRules()
	}
	stream, unsub := m.Bus.Subscribe(events.EventNotification, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				n, ok := msg.(events.Notification)
				if !ok {
					continue
				}
				for _, rule := range m.Rules {
					if fire, text := rule(n); fire {
						if err := m.Sink.Send(formatAlert(text)); err != nil {
							log.WithError(err).Warn("alert delivery failed")
						}
					}
				}
			}
		}
	}()
}

func formatAlert(msg string) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + msg
}
