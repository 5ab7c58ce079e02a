package workers

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
)

// PSUModel identifies which power-supply dialect a PowerSupply speaks,
// detected from its *IDN? response, grounded on
// original_source/power.py's PowerSupply constructor dispatch.
type PSUModel int

const (
	PSUModelHMP4040 PSUModel = iota // Rohde & Schwarz HMP4040, 4 channels
	PSUModelCPX400                  // TTi CPX400SP, 1 channel
)

// PSUDriver is the per-model command set PowerSupply dispatches to,
// one implementation per PSUModel.
type PSUDriver interface {
	Output(chans []int, on bool) error
	SetVoltage(ch int, volts float64) error
	SetCurrLim(ch int, amps float64) error
	SetVoltCurrLim(ch int, volts, amps float64) error
	ReadVoltCurr(ch int) (volts, amps float64, err error)
	NumChannels() int
}

// ChannelConfig mirrors one ch<n> argument tuple from original_source/
// power.py's config(): any nil field is left unchanged.
type ChannelConfig struct {
	Voltage *float64
	CurrLim *float64
	On      *bool
	Off     *bool
}

// PowerFlags is the payload of a "power" tick flag: a per-channel
// configuration to apply, and an optional voltage ramp to launch on
// the UUB channel, matching original_source/power.py's run loop
// branch on 'power' in flags / 'volt_ramp' in flags['power'].
type PowerFlags struct {
	Channels map[int]ChannelConfig
	VoltRamp *VoltRamp
}

// VoltRamp describes a linear voltage sweep on the UUB channel,
// matching original_source/power.py's volt_ramp dict before and after
// _voltRamp_validate fills in the derived fields.
type VoltRamp struct {
	VoltStart float64
	VoltEnd   float64
	VoltStep  float64
	TimeStep  time.Duration

	// Derived by validate; zero until then.
	NStep    int
	Duration time.Duration
}

// rampEPS mitigates rounding error in the step-count calculation, the
// same epsilon original_source/power.py's PowerSupply.EPS uses.
const rampEPS = 1e-3

func validateVoltRamp(vr VoltRamp) VoltRamp {
	vstep := math.Abs(vr.VoltStep)
	nstep := int((math.Abs(vr.VoltEnd-vr.VoltStart) + rampEPS) / vstep)
	if vr.VoltEnd < vr.VoltStart {
		vstep = -vstep
	}
	vr.VoltStep = vstep
	vr.NStep = nstep
	vr.Duration = vr.TimeStep * time.Duration(nstep)
	return vr
}

// PowerSupply drives a programmable PSU (HMP4040 or CPX400) over
// serial, reacting to "power" and "meas.sc" tick flags, following
// original_source/power.py's PowerSupply.run loop.
type PowerSupply struct {
	driver PSUDriver
	uubch  int
	resp   chan<- map[string]any
	bus    *events.Bus
	log    *slog.Logger

	mu     sync.Mutex
	ramps  sync.WaitGroup
}

// NewPowerSupply wires driver (already identified via *IDN?) to the
// shared response channel; uubch selects which channel voltageRamp and
// meas.sc readout target.
func NewPowerSupply(driver PSUDriver, uubch int, resp chan<- map[string]any, bus *events.Bus, log *slog.Logger) *PowerSupply {
	if log == nil {
		log = slog.Default()
	}
	return &PowerSupply{driver: driver, uubch: uubch, resp: resp, bus: bus, log: log}
}

// Run processes ticks until ctx is canceled or ticks is closed.
func (p *PowerSupply) Run(ctx context.Context, ticks <-chan scheduler.Tick) error {
	p.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStarted, Data: map[string]any{"worker": "power"}})
	defer func() {
		p.ramps.Wait()
		p.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStopped, Data: map[string]any{"worker": "power"}})
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := p.handleTick(ctx, tick); err != nil {
				p.log.Error("power: tick handling failed", "error", err)
			}
		}
	}
}

func (p *PowerSupply) handleTick(ctx context.Context, tick scheduler.Tick) error {
	if v, ok := tick.Flags["power"]; ok {
		pf, ok := v.(PowerFlags)
		if !ok {
			return fmt.Errorf("power: \"power\" flag has wrong type %T", v)
		}
		if pf.Channels != nil {
			if err := p.Configure(pf.Channels); err != nil {
				return fmt.Errorf("power: configure: %w", err)
			}
		}
		if pf.VoltRamp != nil {
			ramp := *pf.VoltRamp
			p.ramps.Add(1)
			go func() {
				defer p.ramps.Done()
				if err := p.VoltageRamp(ctx, ramp, tick.Timestamp); err != nil {
					p.log.Error("power: voltage ramp failed", "error", err)
				}
			}()
		}
	}
	if _, ok := tick.Flags["meas.sc"]; ok {
		volts, amps, err := p.driver.ReadVoltCurr(p.uubch)
		if err != nil {
			return fmt.Errorf("power: read voltage/current: %w", err)
		}
		p.resp <- map[string]any{
			"timestamp": tick.Timestamp,
			"meas_sc":   true,
			"ps_u":      volts,
			"ps_i":      amps,
		}
	}
	return nil
}

// Configure applies a ch<n>->ChannelConfig map: channels flagged off
// are switched off first, then voltage/current-limit are set, then
// channels flagged on are switched on — the exact ordering
// original_source/power.py's config method uses.
func (p *PowerSupply) Configure(chans map[int]ChannelConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var off, on []int
	for ch, cfg := range chans {
		if cfg.Off != nil && *cfg.Off {
			off = append(off, ch)
		}
		if cfg.On != nil && *cfg.On {
			on = append(on, ch)
		}
	}
	if len(off) > 0 {
		if err := p.driver.Output(off, false); err != nil {
			return err
		}
	}
	for ch, cfg := range chans {
		switch {
		case cfg.Voltage != nil && cfg.CurrLim != nil:
			if err := p.driver.SetVoltCurrLim(ch, *cfg.Voltage, *cfg.CurrLim); err != nil {
				return err
			}
		case cfg.Voltage != nil:
			if err := p.driver.SetVoltage(ch, *cfg.Voltage); err != nil {
				return err
			}
		case cfg.CurrLim != nil:
			if err := p.driver.SetCurrLim(ch, *cfg.CurrLim); err != nil {
				return err
			}
		}
	}
	if len(on) > 0 {
		if err := p.driver.Output(on, true); err != nil {
			return err
		}
	}
	return nil
}

// VoltageRamp walks the UUB channel from VoltStart to VoltEnd in
// VoltStep increments, sleeping TimeStep between calls so each
// setVoltage lands on its scheduled wall-clock offset, following
// original_source/power.py's voltageRamp. The initial setVoltage at
// VoltStart happens immediately; NStep further calls follow at
// ts_start + k*TimeStep for k = 1..NStep.
func (p *PowerSupply) VoltageRamp(ctx context.Context, vr VoltRamp, tsStart time.Time) error {
	vr = validateVoltRamp(vr)
	if err := p.driver.SetVoltage(p.uubch, vr.VoltStart); err != nil {
		return fmt.Errorf("power: initial setVoltage: %w", err)
	}
	volt := vr.VoltStart
	target := tsStart
	for i := 0; i < vr.NStep; i++ {
		volt += vr.VoltStep
		target = target.Add(vr.TimeStep)
		if d := time.Until(target); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
		if err := p.driver.SetVoltage(p.uubch, volt); err != nil {
			return fmt.Errorf("power: setVoltage step %d: %w", i, err)
		}
	}
	return nil
}
