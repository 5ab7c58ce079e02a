package tek

import (
	"context"
	"fmt"
	"math"
)

// FunctionType selects what waveform the AFG channels emit: a pulse
// train of five half-sine pulses (as the real stimulus does) or a
// plain sinusoid used for frequency-response sweeps.
type FunctionType string

const (
	FunctionPulse FunctionType = "P"
	FunctionSine  FunctionType = "F"
)

// AFGParams mirrors original_source/afg.py's AFG.PARAM defaults: the
// knobs a campaign can override per channel.
type AFGParams struct {
	FuncType    FunctionType
	Gains       [2]*float64 // nil channel gain means the channel stays off
	Offsets     [2]float64
	UserFunc    int
	HalfSineUs  float64
	PulseVolt   float64
	FreqHz      float64
	SineVolt    float64
}

// DefaultAFGParams returns the stimulus defaults: pulse mode, channel
// 0 enabled at unity gain, 80kHz-equivalent half-sine width.
func DefaultAFGParams() AFGParams {
	g0 := 1.0
	return AFGParams{
		FuncType:   FunctionPulse,
		Gains:      [2]*float64{&g0, nil},
		UserFunc:   4,
		HalfSineUs: 0.625,
		PulseVolt:  1.6,
		FreqHz:     1.0e6,
		SineVolt:   0.5,
	}
}

// AFG drives a Tektronix AFG3000-series function generator over an
// already-dialed Conn, reproducing the channel/function setup sequence
// afg.py's AFG.setParams performs.
type AFG struct {
	conn   Conn
	params AFGParams
}

// NewAFG initializes the generator: external trigger source, then the
// channel/function parameters in params.
func NewAFG(ctx context.Context, conn Conn, params AFGParams) (*AFG, error) {
	a := &AFG{conn: conn}
	if err := a.send(ctx, "trigger:sequence:source ext"); err != nil {
		return nil, err
	}
	if err := a.SetParams(ctx, params); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AFG) send(ctx context.Context, line string) error {
	return a.conn.Send(ctx, line)
}

// SetParams applies params: every channel with a non-nil gain is
// reprogrammed and every other channel is switched off. It does not
// compare params against the previously applied ones.
func (a *AFG) SetParams(ctx context.Context, params AFGParams) error {
	for ch := 0; ch < 2; ch++ {
		if params.Gains[ch] == nil {
			if err := a.switchOn(ctx, false, ch); err != nil {
				return err
			}
			continue
		}
		if err := a.setChannel(ctx, ch, params); err != nil {
			return err
		}
	}

	switch params.FuncType {
	case FunctionPulse:
		pulseFreqMHz := 1.0 / (20 * params.HalfSineUs)
		for ch := 0; ch < 2; ch++ {
			if params.Gains[ch] == nil {
				continue
			}
			for _, line := range []string{
				fmt.Sprintf("source%d:function user%d", ch+1, params.UserFunc),
				fmt.Sprintf("source%d:burst:ncycles 1", ch+1),
				fmt.Sprintf("source%d:frequency %fMHz", ch+1, pulseFreqMHz),
				fmt.Sprintf("source%d:phase 0 deg", ch+1),
			} {
				if err := a.send(ctx, line); err != nil {
					return err
				}
			}
			if err := a.setAmplitude(ctx, ch, params.PulseVolt); err != nil {
				return err
			}
		}
	case FunctionSine:
		const duration = 22e-6
		ncycles := int(math.Ceil(duration * params.FreqHz))
		for ch := 0; ch < 2; ch++ {
			if params.Gains[ch] == nil {
				continue
			}
			for _, line := range []string{
				fmt.Sprintf("source%d:function sinusoid", ch+1),
				fmt.Sprintf("source%d:phase 90 deg", ch+1),
				fmt.Sprintf("source%d:frequency %fHz", ch+1, params.FreqHz),
				fmt.Sprintf("source%d:burst:ncycles %d", ch+1, ncycles),
			} {
				if err := a.send(ctx, line); err != nil {
					return err
				}
			}
			if err := a.setAmplitude(ctx, ch, 2*params.SineVolt); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("tek: unknown function type %q", params.FuncType)
	}

	a.params = params
	return nil
}

func (a *AFG) setChannel(ctx context.Context, ch int, params AFGParams) error {
	polarity := "NORM"
	lines := fmt.Sprintf(
		"output%d:state off\n"+
			"source%d:burst:mode triggered\n"+
			"source%d:burst:state ON\n"+
			"source%d:burst:tdelay 0\n"+
			"source%d:voltage:unit Vpp\n"+
			"output%d:impedance 50 Ohm\n"+
			"output%d:polarity %s\n"+
			"source%d:voltage:level:immediate:low %f\n",
		ch+1, ch+1, ch+1, ch+1, ch+1, ch+1, ch+1, polarity, ch+1, params.Offsets[ch])
	for _, line := range splitLines(lines) {
		if err := a.send(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (a *AFG) setAmplitude(ctx context.Context, ch int, volts float64) error {
	return a.send(ctx, fmt.Sprintf("source%d:voltage:level:immediate:amplitude %fVpp", ch+1, volts))
}

// SwitchOn toggles output state on one or both channels.
func (a *AFG) SwitchOn(ctx context.Context, state bool, chans ...int) error {
	if len(chans) == 0 {
		chans = []int{0, 1}
	}
	for _, ch := range chans {
		if err := a.switchOn(ctx, state, ch); err != nil {
			return err
		}
	}
	return nil
}

func (a *AFG) switchOn(ctx context.Context, state bool, ch int) error {
	word := "off"
	if state {
		word = "on"
	}
	return a.send(ctx, fmt.Sprintf("output%d:state %s", ch+1, word))
}

// Trigger fires the burst on both channels.
func (a *AFG) Trigger(ctx context.Context) error {
	return a.send(ctx, "trigger")
}

// Stop switches off every enabled channel before the caller closes
// the underlying Conn.
func (a *AFG) Stop(ctx context.Context) error {
	for ch := 0; ch < 2; ch++ {
		if a.params.Gains[ch] != nil {
			if err := a.switchOn(ctx, false, ch); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
