package chamber

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
)

// Device is the common surface MB1 and MB2 expose to the Worker.
type Device interface {
	GetActTemp() (float32, error)
	GetActHumid() (float32, error)
	GetState() (string, error)
	StartProg(progno int) error
	StopProg(manual bool) error
	LoadProg(progno int, prog *Program) error
}

// LoadedProgram pairs a program number with its compiled source, the
// payload carried by a "binder.prog" tick's detail.
type LoadedProgram struct {
	Progno int
	Prog   *Program
}

// Worker owns the chamber's Modbus link and reacts to scheduler ticks,
// following original_source/chamber.py's Chamber.run loop: state
// changes on "binder.state", temperature/humidity readout on
// "meas.thp"/"meas.point", program upload on "binder.prog".
type Worker struct {
	dev    Device
	resp   chan<- map[string]any
	bus    *events.Bus
	log    *slog.Logger
}

// NewWorker wires dev (an *MB1 or *MB2) to resp, the shared response
// channel, and bus for operational events.
func NewWorker(dev Device, resp chan<- map[string]any, bus *events.Bus, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{dev: dev, resp: resp, bus: bus, log: log}
}

// Run processes ticks from in until ctx is canceled or in is closed.
func (w *Worker) Run(ctx context.Context, ticks <-chan scheduler.Tick) error {
	w.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStarted, Data: map[string]any{"worker": "chamber"}})
	defer w.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStopped, Data: map[string]any{"worker": "chamber"}})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := w.handleTick(tick); err != nil {
				w.log.Error("chamber: tick handling failed", "error", err)
			}
		}
	}
}

func (w *Worker) handleTick(tick scheduler.Tick) error {
	if v, ok := tick.Flags["binder.state"]; ok {
		if err := w.handleState(v); err != nil {
			return err
		}
	}
	_, meastHP := tick.Flags["meas.thp"]
	measPoint, hasMeasPoint := tick.Flags["meas.point"]
	if meastHP || hasMeasPoint {
		temp, err := w.dev.GetActTemp()
		if err != nil {
			return fmt.Errorf("chamber: read temperature: %w", err)
		}
		humid, err := w.dev.GetActHumid()
		if err != nil {
			return fmt.Errorf("chamber: read humidity: %w", err)
		}
		rec := map[string]any{
			"timestamp":     tick.Timestamp,
			"chamber_temp":  float64(temp),
			"chamber_humid": float64(humid),
		}
		if hasMeasPoint {
			if flags, ok := measPoint.(map[string]any); ok {
				if mp, ok := flags["meas_point"]; ok {
					rec["meas_point"] = mp
				}
			}
		}
		w.resp <- rec
	}
	if v, ok := tick.Flags["binder.prog"]; ok {
		lp, ok := v.(LoadedProgram)
		if !ok {
			return fmt.Errorf("chamber: binder.prog detail has wrong type %T", v)
		}
		w.log.Info("chamber: loading program", "progno", lp.Progno)
		if err := w.dev.LoadProg(lp.Progno, lp.Prog); err != nil {
			return fmt.Errorf("chamber: load program %d: %w", lp.Progno, err)
		}
		w.bus.Publish(events.Event{
			Source: events.SourceChamber, Kind: events.KindProgramUploaded,
			Data: map[string]any{"progno": lp.Progno},
		})
	}
	return nil
}

func (w *Worker) handleState(detail any) error {
	if detail == nil {
		w.log.Info("chamber: stopping program")
		return w.dev.StopProg(true)
	}
	progno, ok := toInt(detail)
	if !ok {
		return fmt.Errorf("chamber: unrecognized binder.state detail %v", detail)
	}
	w.log.Info("chamber: starting program", "progno", progno)
	return w.dev.StartProg(progno)
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
