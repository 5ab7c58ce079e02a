package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
)

// fakePCLink is a scripted ByteReader/Writer pair standing in for the
// relay bank's serial port: responses are queued in the order they
// will be consumed, writes are recorded for assertions.
type fakePCLink struct {
	mu      sync.Mutex
	queue   [][]byte
	written []string
}

func (f *fakePCLink) push(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, []byte(s))
}

func (f *fakePCLink) ReadAvailable() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	b := f.queue[0]
	f.queue = f.queue[1:]
	return b, nil
}

func (f *fakePCLink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(p))
	return len(p), nil
}

func newTestPowerControl(t *testing.T, resp chan map[string]any) (*PowerControl, *fakePCLink) {
	t.Helper()
	link := &fakePCLink{}
	link.push("PowerControl 12\r\n")
	link.push("OK")
	// portOrder index 0..9, uub 1101 on port 0, uub 1102 on port 1
	pc, err := NewPowerControl(link, link, resp, events.New(), nil, []int{1101, 1102}, SplitModeFrequency)
	if err != nil {
		t.Fatalf("NewPowerControl: %v", err)
	}
	return pc, link
}

func TestNewPowerControlSetsInitialSplitterMode(t *testing.T) {
	pc, link := newTestPowerControl(t, nil)
	if got := pc.SplitMode(); got != SplitModeFrequency {
		t.Errorf("SplitMode() = %d, want %d", got, SplitModeFrequency)
	}
	found := false
	for _, w := range link.written {
		if w == "m 1\r" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected initial splitter mode command, got writes %v", link.written)
	}
}

func TestSwitchRawSendsRawPortMask(t *testing.T) {
	pc, link := newTestPowerControl(t, nil)
	link.push("OK")
	if err := pc.SwitchRaw(false, 0x4); err != nil {
		t.Fatalf("SwitchRaw: %v", err)
	}
	last := link.written[len(link.written)-1]
	if last != "f 4\r" {
		t.Errorf("SwitchRaw wrote %q, want \"f 4\\r\" (octal 4)", last)
	}
}

func TestSwitchTranslatesUUBNumsToPortMask(t *testing.T) {
	pc, link := newTestPowerControl(t, nil)
	link.push("OK")
	if err := pc.Switch(true, []int{1102}); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	last := link.written[len(link.written)-1]
	if last != "n 2\r" { // port 1 -> mask 0b10 -> octal 2
		t.Errorf("Switch wrote %q, want \"n 2\\r\"", last)
	}
}

func TestRunPublishesItotPerLiveUUBOnMeasIV(t *testing.T) {
	resp := make(chan map[string]any, 1)
	pc, link := newTestPowerControl(t, resp)
	link.push("1.50     2.75     0.00     0.00     0.00     0.00     0.00     0.00     0.00     0.00     OK")

	ticks := make(chan scheduler.Tick, 1)
	ticks <- scheduler.Tick{Timestamp: time.Now(), Flags: map[string]any{"meas.iv": true}}
	close(ticks)

	if err := pc.Run(context.Background(), ticks); err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case rec := <-resp:
		if got := rec["itot_u1101"]; got != 1.5 {
			t.Errorf("itot_u1101 = %v, want 1.5", got)
		}
		if got := rec["itot_u1102"]; got != 2.75 {
			t.Errorf("itot_u1102 = %v, want 2.75", got)
		}
	default:
		t.Fatal("expected a published reading")
	}
}

func TestSetCurrLimitsSwitchesOffOverLimitChannel(t *testing.T) {
	resp := make(chan map[string]any, 1)
	pc, link := newTestPowerControl(t, resp)
	link.push("5.0      0.0      0.0      0.0      0.0      0.0      0.0      0.0      0.0      0.0      OK")
	link.push("OK") // ack for the enforced switch-off

	if err := pc.SetCurrLimits(map[int]float64{1101: 2.0}, true); err != nil {
		t.Fatalf("SetCurrLimits: %v", err)
	}
	last := link.written[len(link.written)-1]
	if last != "f 1\r" {
		t.Errorf("expected over-limit channel switched off, last write %q", last)
	}
}
