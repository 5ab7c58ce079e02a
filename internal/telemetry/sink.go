package telemetry

import (
	"context"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/pipeline"
)

// Sink adapts a Publisher to pipeline.Handler so a campaign's
// internal/pipeline.Pipeline can register MQTT fan-out alongside its
// file and audit sinks. PublishRecord is fire-and-forget, so WriteRec
// never returns an error on its own: a broker outage must never stall
// or fail the rest of the DataLogger chain.
type Sink struct {
	pub     *Publisher
	timeout time.Duration
}

// NewSink wraps pub for pipeline registration. A nil pub is valid and
// every call becomes a no-op, mirroring Publisher's own nil-receiver
// contract.
func NewSink(pub *Publisher) *Sink {
	return &Sink{pub: pub, timeout: 5 * time.Second}
}

func (s *Sink) Label() string { return "telemetry:mqtt" }

func (s *Sink) WriteRec(rec pipeline.Record) error {
	if s.pub == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.pub.PublishRecord(ctx, rec)
	return nil
}

func (s *Sink) Stop() {
	if s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.pub.Stop(ctx)
}
