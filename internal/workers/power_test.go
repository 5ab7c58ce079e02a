package workers

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingPSU struct {
	mu    sync.Mutex
	volts []float64
}

func (r *recordingPSU) Output([]int, bool) error                   { return nil }
func (r *recordingPSU) SetVoltage(ch int, v float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volts = append(r.volts, v)
	return nil
}
func (r *recordingPSU) SetCurrLim(int, float64) error               { return nil }
func (r *recordingPSU) SetVoltCurrLim(int, float64, float64) error  { return nil }
func (r *recordingPSU) ReadVoltCurr(int) (float64, float64, error)  { return 0, 0, nil }
func (r *recordingPSU) NumChannels() int                            { return 1 }

func TestVoltageRamp_ExactStepCountAndValues(t *testing.T) {
	psu := &recordingPSU{}
	p := NewPowerSupply(psu, 1, nil, nil, nil)

	vr := VoltRamp{VoltStart: 10.5, VoltEnd: 12.0, VoltStep: 0.5, TimeStep: 1 * time.Millisecond}
	ts := time.Now()
	if err := p.VoltageRamp(context.Background(), vr, ts); err != nil {
		t.Fatalf("VoltageRamp: %v", err)
	}

	want := []float64{10.5, 11.0, 11.5, 12.0}
	if len(psu.volts) != len(want) {
		t.Fatalf("setVoltage called %d times, want %d: %v", len(psu.volts), len(want), psu.volts)
	}
	for i, w := range want {
		if diff := psu.volts[i] - w; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("call %d: setVoltage(%v), want %v", i, psu.volts[i], w)
		}
	}
}

func TestValidateVoltRampStepCount(t *testing.T) {
	vr := validateVoltRamp(VoltRamp{VoltStart: 10.5, VoltEnd: 12.0, VoltStep: 0.5, TimeStep: 250 * time.Millisecond})
	if vr.NStep != 3 {
		t.Errorf("NStep = %d, want 3", vr.NStep)
	}
	if vr.Duration != 750*time.Millisecond {
		t.Errorf("Duration = %v, want 750ms", vr.Duration)
	}
}

func TestConfigureOrdersOffThenSetThenOn(t *testing.T) {
	psu := &recordingPSU{}
	p := NewPowerSupply(psu, 1, nil, nil, nil)
	onTrue := true
	v := 5.0
	err := p.Configure(map[int]ChannelConfig{
		1: {Voltage: &v, On: &onTrue},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(psu.volts) != 1 || psu.volts[0] != 5.0 {
		t.Errorf("volts = %v, want [5.0]", psu.volts)
	}
}
