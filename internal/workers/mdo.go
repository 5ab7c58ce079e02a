package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
	"github.com/auger-prime-sde/ess-sub000/internal/transport/tek"
)

// MDOWorker reacts to "mdo.capture" tick flags by reading one or more
// waveform channels off the oscilloscope and fanning each raw waveform
// out to the data-processor queue, grounded on original_source/daq.py's
// MDO-to-dataproc hand-off (the "q_ndata" submission in the original).
type MDOWorker struct {
	conn   tek.Conn
	submit func(uubnum int, ch int, wf tek.Waveform)
	bus    *events.Bus
	log    *slog.Logger
}

// NewMDOWorker wires an already-dialed tek.Conn to the scheduler.
// submit is called once per captured channel with the raw waveform;
// it is expected to enqueue onto (*dataproc.Pool).Submit.
func NewMDOWorker(conn tek.Conn, submit func(uubnum, ch int, wf tek.Waveform), bus *events.Bus, log *slog.Logger) *MDOWorker {
	if log == nil {
		log = slog.Default()
	}
	return &MDOWorker{conn: conn, submit: submit, bus: bus, log: log}
}

// Run processes ticks until ctx is canceled or ticks is closed.
func (w *MDOWorker) Run(ctx context.Context, ticks <-chan scheduler.Tick) error {
	w.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStarted, Data: map[string]any{"worker": "mdo"}})
	defer w.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStopped, Data: map[string]any{"worker": "mdo"}})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := w.handleTick(ctx, tick); err != nil {
				w.log.Error("mdo: tick handling failed", "error", err)
			}
		}
	}
}

func (w *MDOWorker) handleTick(ctx context.Context, tick scheduler.Tick) error {
	v, ok := tick.Flags["mdo.capture"]
	if !ok {
		return nil
	}
	cap, ok := v.(MDOCapture)
	if !ok {
		return fmt.Errorf("mdo: \"mdo.capture\" flag has wrong type %T", v)
	}
	for _, ch := range cap.Channels {
		wf, err := tek.ReadWaveform(ctx, w.conn, ch)
		if err != nil {
			return fmt.Errorf("mdo: read waveform ch%d: %w", ch, err)
		}
		w.submit(cap.UUBNum, ch, wf)
	}
	return nil
}

// MDOCapture is the payload of an "mdo.capture" tick flag: which
// channels to read out for which UUB.
type MDOCapture struct {
	UUBNum   int
	Channels []int
}
