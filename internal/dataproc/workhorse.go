package dataproc

import "math"

// Workhorse computes one derived quantity from an Item and returns the
// partial record fields it produced, grounded on dataproc.py's
// DP_pede/DP_hsampli "workhorse" convention: a pool runs every
// registered workhorse against each item it dequeues.
type Workhorse interface {
	Calculate(item Item) map[string]any
}

// PedestalFit computes the mean and standard deviation of each
// channel's pedestal region, grounded on dataproc.py's DP_pede.
type PedestalFit struct {
	BinStart int
	BinEnd   int
}

// NewPedestalFit returns a PedestalFit using dataproc.py's default
// pedestal window (bins 50-550).
func NewPedestalFit() PedestalFit {
	return PedestalFit{BinStart: 50, BinEnd: 550}
}

func (p PedestalFit) Calculate(item Item) map[string]any {
	res := map[string]any{"timestamp": item.Timestamp}
	if item.MeasPoint != "" {
		res["meas_point"] = item.MeasPoint
	}
	for ch, col := range item.YAll {
		lo, hi := p.BinStart, p.BinEnd
		if hi > len(col) {
			hi = len(col)
		}
		if lo > hi {
			lo = hi
		}
		window := col[lo:hi]
		mean, stddev := meanStddev(window)
		label := item.label(ch + 1)
		res["pede_"+label] = mean
		res["pedesig_"+label] = stddev
	}
	return res
}

func meanStddev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var sqsum float64
	for _, x := range xs {
		d := x - mean
		sqsum += d * d
	}
	stddev = math.Sqrt(sqsum / float64(len(xs)))
	return mean, stddev
}

// HalfSineAmpliFit computes the half-sine pulse amplitude of each
// channel via HalfSineFitter, grounded on dataproc.py's DP_hsampli.
type HalfSineAmpliFit struct {
	fitter *HalfSineFitter
}

// NewHalfSineAmpliFit wraps a fitter built for half-sine width w
// microseconds.
func NewHalfSineAmpliFit(w float64) HalfSineAmpliFit {
	return HalfSineAmpliFit{fitter: NewHalfSineFitter(w, HalfSineFitterConfig{})}
}

func (h HalfSineAmpliFit) Calculate(item Item) map[string]any {
	res := map[string]any{"timestamp": item.Timestamp}
	if item.MeasPoint != "" {
		res["meas_point"] = item.MeasPoint
	}
	fit := h.fitter.Fit(item.YAll, StageAmpli)
	for ch, ampli := range fit.Ampli {
		res["ampli_"+item.label(ch+1)] = ampli
	}
	return res
}
