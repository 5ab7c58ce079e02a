// Package workers implements the instrument worker loops of §4.C: one
// long-lived goroutine per instrument, each reacting to scheduler
// ticks and publishing results onto the shared response channel.
// Grounded on the per-device original_source/*.py modules.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
	"github.com/auger-prime-sde/ess-sub000/internal/transport"
)

var reBMEMeas = regexp.MustCompile(
	`(?s).*(?P<dt>20\d{2}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})` +
		` +(?P<temp1>-?\d+(\.\d*)?).*` +
		` +(?P<humid1>\d+(\.\d*)?).*` +
		` +(?P<press1>\d+(\.\d*)?).*` +
		` +(?P<temp2>-?\d+(\.\d*)?).*` +
		` +(?P<humid2>\d+(\.\d*)?).*` +
		` +(?P<press2>\d+(\.\d*)?)[\r\n]*`)

// BME drives the Arduino carrying the pair of BME280 sensors, grounded
// on original_source/BME.py's BME class.
type BME struct {
	port transport.ByteReader
	wr   interface{ Write([]byte) (int, error) }
	resp chan<- map[string]any
	bus  *events.Bus
	log  *slog.Logger
}

// NewBME wires a serial port (already opened at 115200 baud) to the
// shared response channel.
func NewBME(port transport.ByteReader, wr interface{ Write([]byte) (int, error) }, resp chan<- map[string]any, bus *events.Bus, log *slog.Logger) *BME {
	if log == nil {
		log = slog.Default()
	}
	return &BME{port: port, wr: wr, resp: resp, bus: bus, log: log}
}

// Run processes ticks until ctx is canceled or ticks is closed,
// reading a measurement whenever a tick carries "meas.thp",
// "meas.pulse" or "meas.freq", matching BME.run's flag check.
func (b *BME) Run(ctx context.Context, ticks <-chan scheduler.Tick) error {
	b.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStarted, Data: map[string]any{"worker": "bme"}})
	defer b.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStopped, Data: map[string]any{"worker": "bme"}})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if !wantsMeasurement(tick.Flags) {
				continue
			}
			if err := b.measure(tick.Timestamp); err != nil {
				b.log.Error("bme: measurement failed", "error", err)
			}
		}
	}
}

func wantsMeasurement(flags map[string]any) bool {
	for _, k := range []string{"meas.thp", "meas.pulse", "meas.freq"} {
		if _, ok := flags[k]; ok {
			return true
		}
	}
	return false
}

func (b *BME) measure(ts time.Time) error {
	if _, err := b.wr.Write([]byte("m")); err != nil {
		return fmt.Errorf("bme: write trigger: %w", err)
	}
	buf, err := transport.ReadUntil(b.port, reBMEMeas, time.Now().Add(2*time.Second))
	if err != nil {
		return fmt.Errorf("bme: read measurement: %w", err)
	}
	m := reBMEMeas.FindSubmatch(buf)
	if m == nil {
		return fmt.Errorf("bme: response %q did not match expected format", buf)
	}
	names := reBMEMeas.SubexpNames()
	rec := map[string]any{"timestamp": ts}
	for i, name := range names {
		switch name {
		case "temp1", "humid1", "press1", "temp2", "humid2", "press2":
			var f float64
			if _, err := fmt.Sscanf(string(m[i]), "%g", &f); err == nil {
				rec["bme_"+name] = f
			}
		}
	}
	b.resp <- rec
	return nil
}
