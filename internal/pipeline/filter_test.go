package pipeline

import (
	"testing"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
)

type recordingHandler struct {
	label string
	recs  []Record
}

func (h *recordingHandler) Label() string { return h.label }
func (h *recordingHandler) WriteRec(rec Record) error {
	h.recs = append(h.recs, rec)
	return nil
}
func (h *recordingHandler) Stop() {}

func newTestPipeline() *Pipeline {
	in := make(chan Record)
	return New(in, time.Second, events.New(), nil)
}

func TestLinearityFilterComputesGainAfterTwoVoltagePoints(t *testing.T) {
	p := newTestPipeline()
	lin := NewLinearityFilter("lin", "linearity")
	h := &recordingHandler{label: "h"}
	p.AddHandler(h, []*Filter{lin}, nil)

	base := time.Unix(1700000000, 0)
	p.flushOne(base, Record{"ampli_u1101_c1_v05": 10.0})
	p.flushOne(base.Add(time.Second), Record{"ampli_u1101_c1_v10": 20.0})

	if len(h.recs) != 2 {
		t.Fatalf("got %d records, want 2", len(h.recs))
	}
	if _, ok := h.recs[0]["gain_u1101_c1"]; ok {
		t.Error("gain present after a single voltage point, want absent")
	}
	gain, ok := h.recs[1]["gain_u1101_c1"].(float64)
	if !ok {
		t.Fatal("gain_u1101_c1 missing or wrong type after second point")
	}
	if gain < 19.0 || gain > 21.0 {
		t.Errorf("gain = %v, want ~20 (10 units amplitude per 0.5V step)", gain)
	}
	corr, ok := h.recs[1]["lincorr_u1101_c1"].(float64)
	if !ok || corr < 0.99 {
		t.Errorf("lincorr_u1101_c1 = %v, want ~1 for a perfectly linear pair", corr)
	}
}

// TestFilterChainSharedAcrossHandlers registers two handlers whose
// filter chains share the same linearity filter as a common prefix
// (one chains only linearity, the other chains linearity then
// cutoff) and checks that both handlers observe the identical
// gain value the shared filter computed exactly once per flush,
// exercising AddHandler's chain-forest reuse rather than two
// independent per-handler evaluations.
func TestFilterChainSharedAcrossHandlers(t *testing.T) {
	p := newTestPipeline()
	lin := NewLinearityFilter("lin", "linearity")

	calls := 0
	realApply := lin.Apply
	lin.Apply = func(rec Record) (Record, error) {
		calls++
		return realApply(rec)
	}
	cutoff := NewCutoffFilter("cutoff", "cutoff")

	justLinear := &recordingHandler{label: "linear-only"}
	linearThenCutoff := &recordingHandler{label: "linear-then-cutoff"}
	p.AddHandler(justLinear, []*Filter{lin}, nil)
	p.AddHandler(linearThenCutoff, []*Filter{lin, cutoff}, nil)

	base := time.Unix(1700000000, 0)
	p.flushOne(base, Record{"ampli_u1101_c1_v05": 10.0, "freq": 100.0})
	p.flushOne(base.Add(time.Second), Record{"ampli_u1101_c1_v10": 20.0, "freq": 200.0})

	if calls != 2 {
		t.Fatalf("linearity filter Apply called %d times, want 2 (once per flush, shared across handlers)", calls)
	}

	g1 := justLinear.recs[1]["gain_u1101_c1"]
	g2 := linearThenCutoff.recs[1]["gain_u1101_c1"]
	if g1 == nil || g2 == nil || g1 != g2 {
		t.Errorf("gain_u1101_c1 diverged across shared chain: linear-only=%v linear-then-cutoff=%v", g1, g2)
	}
}

func TestStatFilterAccumulatesRepeatsAcrossFlushes(t *testing.T) {
	p := newTestPipeline()
	stat := NewStatFilter("pede", "stat-pede", "pedestal stats")
	h := &recordingHandler{label: "h"}
	p.AddHandler(h, []*Filter{stat}, nil)

	base := time.Unix(1700000000, 0)
	p.flushOne(base, Record{"pede_u1101_c1_v05": 100.0})
	p.flushOne(base.Add(time.Second), Record{"pede_u1101_c1_v05": 102.0})
	p.flushOne(base.Add(2*time.Second), Record{"pede_u1101_c1_v05": 98.0})

	mean, ok := h.recs[2]["pedemean_u1101_c1_v05"].(float64)
	if !ok {
		t.Fatal("pedemean_u1101_c1_v05 missing after three repeats")
	}
	if mean < 99.9 || mean > 100.1 {
		t.Errorf("mean = %v, want 100", mean)
	}
	if _, ok := h.recs[2]["pedestdev_u1101_c1_v05"].(float64); !ok {
		t.Error("pedestdev_u1101_c1_v05 missing after three repeats")
	}
}

func TestCutoffFilterReportsHalfPowerCrossing(t *testing.T) {
	p := newTestPipeline()
	lin := NewLinearityFilter("lin", "linearity")
	cutoff := NewCutoffFilter("cutoff", "cutoff")
	h := &recordingHandler{label: "h"}
	p.AddHandler(h, []*Filter{lin, cutoff}, nil)

	base := time.Unix(1700000000, 0)
	gains := []float64{10.0, 10.0, 4.0}
	freqs := []float64{100.0, 200.0, 300.0}
	for i, g := range gains {
		rec := Record{"gain_u1101_c1": g, "freq": freqs[i]}
		p.flushOne(base.Add(time.Duration(i)*time.Second), rec)
	}

	cutoffFreq, ok := h.recs[2]["cutoff_u1101_c1"].(float64)
	if !ok {
		t.Fatal("cutoff_u1101_c1 missing once gain drops below 1/sqrt(2) of its peak")
	}
	if cutoffFreq <= 200.0 || cutoffFreq >= 300.0 {
		t.Errorf("cutoff = %v, want between 200 and 300", cutoffFreq)
	}
}
