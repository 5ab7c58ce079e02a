package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
	"github.com/auger-prime-sde/ess-sub000/internal/transport/tek"
)

// AFGWorker reacts to "afg" tick flags by reprogramming the function
// generator and optionally triggering a burst, grounded on
// original_source/afg.py's dispatch from the ESS timer loop.
type AFGWorker struct {
	afg *tek.AFG
	bus *events.Bus
	log *slog.Logger
}

// NewAFGWorker wires an already-dialed *tek.AFG to the scheduler.
func NewAFGWorker(afg *tek.AFG, bus *events.Bus, log *slog.Logger) *AFGWorker {
	if log == nil {
		log = slog.Default()
	}
	return &AFGWorker{afg: afg, bus: bus, log: log}
}

// Run processes ticks until ctx is canceled or ticks is closed.
func (w *AFGWorker) Run(ctx context.Context, ticks <-chan scheduler.Tick) error {
	w.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStarted, Data: map[string]any{"worker": "afg"}})
	defer w.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStopped, Data: map[string]any{"worker": "afg"}})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := w.handleTick(ctx, tick); err != nil {
				w.log.Error("afg: tick handling failed", "error", err)
			}
		}
	}
}

func (w *AFGWorker) handleTick(ctx context.Context, tick scheduler.Tick) error {
	if v, ok := tick.Flags["afg.params"]; ok {
		params, ok := v.(tek.AFGParams)
		if !ok {
			return fmt.Errorf("afg: \"afg.params\" flag has wrong type %T", v)
		}
		if err := w.afg.SetParams(ctx, params); err != nil {
			return fmt.Errorf("afg: set params: %w", err)
		}
	}
	if v, ok := tick.Flags["afg.on"]; ok {
		state, _ := v.(bool)
		if err := w.afg.SwitchOn(ctx, state); err != nil {
			return fmt.Errorf("afg: switch on=%v: %w", state, err)
		}
	}
	if _, ok := tick.Flags["afg.trigger"]; ok {
		if err := w.afg.Trigger(ctx); err != nil {
			return fmt.Errorf("afg: trigger: %w", err)
		}
	}
	return nil
}
