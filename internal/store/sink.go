package store

import (
	"context"
	"log/slog"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
)

// eventSeverity maps an events.Kind to the Severity this sink records
// it under; everything not listed here is informational.
var eventSeverity = map[string]Severity{
	events.KindCriticalError: SeverityCritical,
	events.KindUUBRemoved:    SeverityWarning,
}

// RunEventSink subscribes to bus and records every event as an
// Incident until ctx is canceled, the SQLite counterpart to the other
// pipeline sinks (CSV, MQTT, report) registered against the same bus.
func (s *Store) RunEventSink(ctx context.Context, bus *events.Bus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			sev, ok := eventSeverity[e.Kind]
			if !ok {
				sev = SeverityInfo
			}
			if err := s.Record(Incident{
				Timestamp: e.Timestamp,
				Severity:  sev,
				Source:    e.Source,
				Kind:      e.Kind,
				Data:      e.Data,
			}); err != nil {
				log.Warn("store: failed to record incident", "error", err)
			}
		}
	}
}
