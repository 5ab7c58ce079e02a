package workers

import (
	"context"
	"testing"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
	"github.com/auger-prime-sde/ess-sub000/internal/transport/tek"
)

// fakeTekConn answers every SendQuery with a canned response so
// tek.ReadWaveform can be driven without real instrument hardware.
type fakeTekConn struct {
	sent    []string
	queries map[string]string
}

func (f *fakeTekConn) Send(_ context.Context, line string) error {
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeTekConn) SendQuery(_ context.Context, line string) (string, error) {
	f.sent = append(f.sent, line)
	return f.queries[line], nil
}

func (f *fakeTekConn) Close() error { return nil }

func newFakeTekConn() *fakeTekConn {
	return &fakeTekConn{
		queries: map[string]string{
			"WFMOUTPRE?": `BYT_OR LSB;BIT_NR 8;XUNIT "s";XZERO 0;XINCR 1e-9;YUNIT "V";YZERO 0;YMULT 0.01;YOFF 0`,
			"CURVE?":     "#15" + string([]byte{10, 20, 30, 40, 50}),
		},
	}
}

type capturedWaveform struct {
	uubnum, ch int
	wf         tek.Waveform
}

func TestMDOWorkerCapturesRequestedChannels(t *testing.T) {
	conn := newFakeTekConn()
	var captured []capturedWaveform
	w := NewMDOWorker(conn, func(uubnum, ch int, wf tek.Waveform) {
		captured = append(captured, capturedWaveform{uubnum, ch, wf})
	}, events.New(), nil)

	ticks := make(chan scheduler.Tick, 1)
	ticks <- scheduler.Tick{Flags: map[string]any{
		"mdo.capture": MDOCapture{UUBNum: 7, Channels: []int{1, 2}},
	}}
	close(ticks)

	if err := w.Run(context.Background(), ticks); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(captured) != 2 {
		t.Fatalf("captured %d waveforms, want 2", len(captured))
	}
	for i, ch := range []int{1, 2} {
		if captured[i].uubnum != 7 || captured[i].ch != ch {
			t.Errorf("captured[%d] = %+v, want uubnum=7 ch=%d", i, captured[i], ch)
		}
		if len(captured[i].wf.Y) != 5 {
			t.Errorf("captured[%d].wf.Y has %d samples, want 5", i, len(captured[i].wf.Y))
		}
	}
}

func TestMDOWorkerIgnoresTicksWithoutCaptureFlag(t *testing.T) {
	conn := newFakeTekConn()
	calls := 0
	w := NewMDOWorker(conn, func(uubnum, ch int, wf tek.Waveform) { calls++ }, events.New(), nil)

	ticks := make(chan scheduler.Tick, 1)
	ticks <- scheduler.Tick{Flags: map[string]any{}}
	close(ticks)

	if err := w.Run(context.Background(), ticks); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if calls != 0 {
		t.Errorf("submit called %d times, want 0", calls)
	}
}
