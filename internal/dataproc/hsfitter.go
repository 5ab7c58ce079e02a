package dataproc

import "math"

// Stage selects how much of HalfSineFitter.Fit to compute, mirroring
// hsfitter.py's (AMPLI, PEDE, PHASE, YVAL) cascade — each stage reuses
// the previous one's work and stops early when the caller only needs
// amplitude (the common case for DP_hsampli).
type Stage int

const (
	StageAmpli Stage = iota
	StagePede
	StagePhase
	StageYval
)

// HalfSineFitter fits a train of half-sine pulses via an FFT
// projection against a fixed model waveform, grounded on
// original_source/hsfitter.py's HalfSineFitter.
type HalfSineFitter struct {
	w        float64 // half period of sine, in microseconds
	n        int     // number of bins
	freq     float64 // ADC sampling rate in MHz
	npeak    int     // number of half-sine pulses in the train
	binStart int
	nAmpli   int // fft coefficient cutoff for amplitude
	nPhase   int // fft coefficient cutoff for phase

	model     []float64
	modelAbs2 []float64
	power     float64
	c0        float64
	mphase    []float64
	normphase float64
}

// HalfSineFitterConfig carries the fixed parameters hsfitter.py's
// constructor defaults; a zero-value field falls back to the
// original's default.
type HalfSineFitterConfig struct {
	N        int
	FreqMHz  float64
	NPeak    int
	BinStart int
	NAmpli   int
	NPhase   int
}

// NewHalfSineFitter builds a fitter for half-sine pulses of half-width
// w microseconds.
func NewHalfSineFitter(w float64, cfg HalfSineFitterConfig) *HalfSineFitter {
	f := &HalfSineFitter{
		w:        w,
		n:        orDefault(cfg.N, 2048),
		freq:     orDefaultF(cfg.FreqMHz, 120.0),
		npeak:    orDefault(cfg.NPeak, 5),
		binStart: orDefault(cfg.BinStart, 600),
		nAmpli:   orDefault(cfg.NAmpli, 200),
		nPhase:   orDefault(cfg.NPhase, 100),
	}
	f.calcModel()
	return f
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultF(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// halfsine generates N samples of a periodic half-sine pulse train:
// amplitude ampli over a half-sine of width w, pedestal pede elsewhere,
// starting at binstart. Direct translation of hsfitter.py's halfsine.
func (f *HalfSineFitter) halfsine(ampli, pede, binstart float64) []float64 {
	res := make([]float64, f.n)
	k := math.Pi / (f.w * f.freq)
	for i := 0; i < f.n; i++ {
		arg := k * (float64(i) - binstart)
		res[i] = pede
		mod := math.Mod(arg, 4*math.Pi)
		if mod < 0 {
			mod += 4 * math.Pi
		}
		if mod < math.Pi && arg > 0 && arg < float64(f.npeak)*4*math.Pi {
			res[i] += ampli * math.Sin(arg)
		}
	}
	return res
}

func (f *HalfSineFitter) calcModel() {
	f.model = f.halfsine(1, 0, float64(f.binStart))
	yfft := realFFT(f.model)
	f.modelAbs2 = abs2(yfft[:f.nAmpli])
	f.power = dotf(f.modelAbs2[1:], f.modelAbs2[1:])
	f.c0 = cabs(yfft[0])
	f.mphase = make([]float64, f.nPhase)
	for i := 0; i < f.nPhase; i++ {
		f.mphase[i] = cangle(yfft[i])
	}
	f.normphase = 0
	for i := 0; i < f.nPhase; i++ {
		f.normphase += float64(i) * f.modelAbs2[i]
	}
}

// HalfSineFitResult holds whichever fields Stage requested.
type HalfSineFitResult struct {
	Ampli    []float64
	Pede     []float64
	BinStart []float64
	YVal     [][]float64
}

// Fit runs the cascade against yall, a slice of equal-length columns
// (one per channel), stopping at stage.
func (f *HalfSineFitter) Fit(yall [][]float64, stage Stage) HalfSineFitResult {
	ncol := len(yall)
	ffts := make([][]complex128, ncol)
	ampli := make([]float64, ncol)
	for i, col := range yall {
		ffts[i] = realFFT(col)
		yabs := abs2(ffts[i][1:f.nAmpli])
		ampli[i] = math.Sqrt(dotf(f.modelAbs2[1:], yabs) / f.power)
	}
	res := HalfSineFitResult{Ampli: ampli}
	if stage == StageAmpli {
		return res
	}

	pede := make([]float64, ncol)
	for i := range yall {
		pede[i] = (cabs(ffts[i][0]) - ampli[i]*f.c0) / float64(f.n)
	}
	res.Pede = pede
	if stage == StagePede {
		return res
	}

	binstart := make([]float64, ncol)
	for i := range yall {
		phasedif := make([]float64, f.nPhase)
		for k := 0; k < f.nPhase; k++ {
			phasedif[k] = cangle(ffts[i][k]) - f.mphase[k]
		}
		unwrap(phasedif)
		var slope float64
		for k := 0; k < f.nPhase; k++ {
			slope += f.modelAbs2[k] * phasedif[k]
		}
		slope /= f.normphase
		binstart[i] = float64(f.binStart) - float64(f.n)/2/math.Pi*slope
	}
	res.BinStart = binstart
	if stage == StagePhase {
		return res
	}

	yval := make([][]float64, ncol)
	for i := range yall {
		yval[i] = f.halfsine(ampli[i], pede[i], binstart[i])
	}
	res.YVal = yval
	return res
}

func cabs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func cangle(c complex128) float64 {
	return math.Atan2(imag(c), real(c))
}

// unwrap adjusts phase in place by multiples of 2*pi so that
// consecutive samples never jump by more than pi, matching numpy's
// unwrap used by hsfitter.py's phase-slope calculation.
func unwrap(phase []float64) {
	for i := 1; i < len(phase); i++ {
		d := phase[i] - phase[i-1]
		for d > math.Pi {
			phase[i] -= 2 * math.Pi
			d = phase[i] - phase[i-1]
		}
		for d < -math.Pi {
			phase[i] += 2 * math.Pi
			d = phase[i] - phase[i-1]
		}
	}
}
