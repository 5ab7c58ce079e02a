package dataproc

import (
	"math"
	"testing"
)

func TestHalfSineFitterRecoversKnownAmplitude(t *testing.T) {
	f := NewHalfSineFitter(0.625, HalfSineFitterConfig{})
	wantAmpli := 250.0
	col := f.halfsine(wantAmpli, 1000, float64(600))
	res := f.Fit([][]float64{col}, StageAmpli)
	if len(res.Ampli) != 1 {
		t.Fatalf("Ampli has %d entries, want 1", len(res.Ampli))
	}
	gotAmpli := res.Ampli[0]
	if math.Abs(gotAmpli-wantAmpli)/wantAmpli > 0.05 {
		t.Errorf("Ampli = %v, want close to %v", gotAmpli, wantAmpli)
	}
}

func TestHalfSineFitterPedestalStage(t *testing.T) {
	f := NewHalfSineFitter(0.625, HalfSineFitterConfig{})
	col := f.halfsine(100, 500, float64(600))
	res := f.Fit([][]float64{col}, StagePede)
	if len(res.Pede) != 1 {
		t.Fatalf("Pede has %d entries, want 1", len(res.Pede))
	}
	if math.Abs(res.Pede[0]-500) > 50 {
		t.Errorf("Pede = %v, want close to 500", res.Pede[0])
	}
}

func TestUnwrapRemovesLargeJumps(t *testing.T) {
	phase := []float64{0, 3.0, -3.0, 3.0}
	unwrap(phase)
	for i := 1; i < len(phase); i++ {
		d := math.Abs(phase[i] - phase[i-1])
		if d > math.Pi+1e-9 {
			t.Errorf("unwrap left a jump of %v between index %d and %d", d, i-1, i)
		}
	}
}
