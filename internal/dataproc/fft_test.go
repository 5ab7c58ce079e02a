package dataproc

import (
	"math"
	"testing"
)

func TestFFTConstantSignalHasOnlyDCTerm(t *testing.T) {
	x := make([]complex128, 8)
	for i := range x {
		x[i] = complex(3, 0)
	}
	out := fft(x)
	if math.Abs(real(out[0])-24) > 1e-9 {
		t.Errorf("DC term = %v, want 24", out[0])
	}
	for i := 1; i < len(out); i++ {
		if cabs(out[i]) > 1e-9 {
			t.Errorf("out[%d] = %v, want ~0", i, out[i])
		}
	}
}

func TestFFTSingleToneMagnitude(t *testing.T) {
	n := 16
	x := make([]complex128, n)
	for i := 0; i < n; i++ {
		x[i] = complex(math.Sin(2*math.Pi*float64(i)/float64(n)), 0)
	}
	out := fft(x)
	// energy should concentrate at bin 1 and bin n-1 (conjugate)
	mag1 := cabs(out[1])
	if mag1 < float64(n)/2*0.9 {
		t.Errorf("bin 1 magnitude = %v, want close to %v", mag1, float64(n)/2)
	}
}

func TestAbs2MatchesSquaredMagnitude(t *testing.T) {
	c := []complex128{complex(3, 4), complex(0, -2)}
	got := abs2(c)
	want := []float64{25, 4}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("abs2[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
