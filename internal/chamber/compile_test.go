package chamber

import (
	"testing"

	"github.com/auger-prime-sde/ess-sub000/internal/transport/modbus"
)

func float64p(v float64) *float64 { return &v }

func TestCompileMB2_CycleBackJump(t *testing.T) {
	humidity := 40.0
	prog := &Program{
		Temperature: 25,
		Humidity:    &humidity,
		Cycles:      []Cycle{{Start: 1, End: 2, Repeat: 3}},
		Segments: []Segment{
			{Duration: 600, Temperature: float64p(25)},
			{Duration: 3600, Temperature: float64p(-20)},
			{Duration: 600, Temperature: float64p(25)},
		},
	}

	segs, err := CompileMB2(prog)
	if err != nil {
		t.Fatalf("CompileMB2: %v", err)
	}
	if len(segs) != 4 {
		t.Fatalf("len(segs) = %d, want 4", len(segs))
	}
	if segs[2].Jumps&0xFF != 2 {
		t.Errorf("segment 2 numjump = %d, want 2", segs[2].Jumps&0xFF)
	}
	if segs[2].Jumps>>8 != 2 {
		t.Errorf("segment 2 segjump = %d, want 2", segs[2].Jumps>>8)
	}
	for i, s := range segs[:3] {
		if s.Duration != prog.Segments[i].Duration {
			t.Errorf("segment %d duration = %d, want %d", i, s.Duration, prog.Segments[i].Duration)
		}
	}
	if segs[3].Duration != 1 {
		t.Errorf("tail segment duration = %d, want 1", segs[3].Duration)
	}
}

func TestCompileMB2_ZeroRepeatCycleDeleted(t *testing.T) {
	prog := &Program{
		Temperature: 20,
		Cycles:      []Cycle{{Start: 0, End: 1, Repeat: 0}},
		Segments: []Segment{
			{Duration: 100, Temperature: float64p(30)},
			{Duration: 100, Temperature: float64p(20)},
			{Duration: 200, Temperature: float64p(25)},
		},
	}
	segs, err := CompileMB2(prog)
	if err != nil {
		t.Fatalf("CompileMB2: %v", err)
	}
	// Only segment 2 (200s) plus the 1s tail should remain; the
	// zero-repeat cycle's window is deleted without emitting an
	// end-of-cycle segment.
	if len(segs) != 2 {
		t.Fatalf("len(segs) = %d, want 2", len(segs))
	}
	if segs[0].Duration != 200 {
		t.Errorf("surviving segment duration = %d, want 200", segs[0].Duration)
	}
}

func TestCompileMB1_CycleBackJump(t *testing.T) {
	prog := &Program{
		Temperature: 25,
		Cycles:      []Cycle{{Start: 1, End: 2, Repeat: 3}},
		Segments: []Segment{
			{Duration: 600, Temperature: float64p(25)},
			{Duration: 3600, Temperature: float64p(-20)},
			{Duration: 600, Temperature: float64p(25)},
		},
	}
	tempSegs, humidSegs, err := CompileMB1(prog)
	if err != nil {
		t.Fatalf("CompileMB1: %v", err)
	}
	if humidSegs != nil {
		t.Errorf("humidSegs = %v, want nil (no humidity stream declared)", humidSegs)
	}
	if len(tempSegs) != 4 {
		t.Fatalf("len(tempSegs) = %d, want 4", len(tempSegs))
	}
	if tempSegs[2].NumJump != 2 || tempSegs[2].SegJump != 1 {
		t.Errorf("tempSegs[2] = %+v, want NumJump=2 SegJump=1 (MB1's segjump is the cycle start index)", tempSegs[2])
	}
}

func TestWordsToFloatRoundTrip(t *testing.T) {
	for _, v := range []float32{0, 1.0, -1.0, 3.14159, 1e10, -1e-10} {
		words := floatToWordsLSW(float64(v), 0)
		got := modbus.WordsToFloat(words[0], words[1])
		if got != v {
			t.Errorf("round trip %v -> %v", v, got)
		}
	}
}

func TestFloatToWordsSwap(t *testing.T) {
	// spec scenario: 1.0 encodes as [0x0000, 0x3F80] — low word first,
	// each word itself big-endian.
	words := modbus.FloatToWords(1.0)
	if words[0] != 0x0000 || words[1] != 0x3F80 {
		t.Errorf("FloatToWords(1.0) = %#04x, want [0x0000, 0x3f80]", words)
	}
}
