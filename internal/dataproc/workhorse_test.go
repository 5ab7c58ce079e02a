package dataproc

import (
	"math"
	"testing"
)

func TestPedestalFitMeanAndStddev(t *testing.T) {
	col := make([]float64, 600)
	for i := 50; i < 550; i++ {
		col[i] = 10
	}
	item := Item{UUBNum: 3, YAll: [][]float64{col}}
	p := NewPedestalFit()
	res := p.Calculate(item)
	if got := res["pede_u0003_c1"]; got.(float64) != 10 {
		t.Errorf("pede_u0003_c1 = %v, want 10", got)
	}
	if got := res["pedesig_u0003_c1"]; got.(float64) != 0 {
		t.Errorf("pedesig_u0003_c1 = %v, want 0", got)
	}
}

func TestItemLabelJoinsPresentFields(t *testing.T) {
	v := 1.2
	item := Item{UUBNum: 7, Volt: &v}
	if got, want := item.label(11), "u0007_c1_v12"; got != want {
		t.Errorf("label = %q, want %q", got, want)
	}
}

func TestHalfSineAmpliFitPublishesPerChannel(t *testing.T) {
	h := NewHalfSineAmpliFit(0.625)
	col := h.fitter.halfsine(80, 0, 600)
	item := Item{UUBNum: 1, YAll: [][]float64{col}}
	res := h.Calculate(item)
	v, ok := res["ampli_u0001_c1"]
	if !ok {
		t.Fatalf("result %v missing ampli_u0001_c1", res)
	}
	if math.Abs(v.(float64)-80) > 10 {
		t.Errorf("ampli = %v, want close to 80", v)
	}
}
