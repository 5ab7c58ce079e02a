package pipeline

import (
	"fmt"
	"math"
	"regexp"
	"sync"
)

// This file implements the concrete derived-quantity filters
// original_source/ess.py builds via its make_DPfilter_linear,
// make_DPfilter_cutoff and make_DPfilter_stat factories and installs
// on the data logger as (filter, label) pairs. The retrieved
// dataproc.py snapshot does not carry those factories' bodies (see
// DESIGN.md); the field-naming convention below — gain/lincorr,
// cutoff, <styp>mean/<styp>stdev — follows logger.py's makeDLlinear,
// makeDLcutoff and makeDLstat formatters, which consume exactly these
// field names.

var (
	reAmpliLabel = regexp.MustCompile(`^ampli_(u\d+_c\d+)_v(\d+)$`)
	reGainLabel  = regexp.MustCompile(`^gain_(.+)$`)
	reStatPrefix = func(styp string) *regexp.Regexp {
		return regexp.MustCompile(`^` + regexp.QuoteMeta(styp) + `_(.+)$`)
	}
)

// NewLinearityFilter returns a Filter that tracks half-sine amplitude
// against swept voltage for every "ampli_<base>_v<NN>" field it sees
// and, once two or more voltage points have been collected for a
// base, writes "gain_<base>" (the regression slope, amplitude per
// volt) and "lincorr_<base>" (the correlation coefficient), matching
// make_DPfilter_linear's role of turning a voltage sweep into a gain
// estimate before makeDLlinear formats it for the log.
func NewLinearityFilter(id, label string) *Filter {
	lf := &linearityFilter{points: make(map[string][]voltPoint)}
	return &Filter{ID: id, Label: label, Apply: lf.apply}
}

type voltPoint struct {
	volt, ampli float64
}

type linearityFilter struct {
	mu     sync.Mutex
	points map[string][]voltPoint
}

func (lf *linearityFilter) apply(rec Record) (Record, error) {
	out := cloneRecord(rec)
	lf.mu.Lock()
	defer lf.mu.Unlock()
	updated := make(map[string]bool)
	for k, v := range rec {
		m := reAmpliLabel.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		ampli, ok := toFloat(v)
		if !ok {
			continue
		}
		var voltCode int
		if _, err := fmt.Sscanf(m[2], "%d", &voltCode); err != nil {
			continue
		}
		base := m[1]
		lf.points[base] = append(lf.points[base], voltPoint{volt: float64(voltCode) / 10, ampli: ampli})
		updated[base] = true
	}
	for base := range updated {
		pts := lf.points[base]
		if len(pts) < 2 {
			continue
		}
		xs := make([]float64, len(pts))
		ys := make([]float64, len(pts))
		for i, p := range pts {
			xs[i] = p.volt
			ys[i] = p.ampli
		}
		slope, _, corr := linreg(xs, ys)
		out["gain_"+base] = slope
		out["lincorr_"+base] = corr
	}
	return out, nil
}

// NewCutoffFilter returns a Filter, meant to chain after a
// NewLinearityFilter in the same frequency sweep, that tracks
// "gain_<base>" against the record's "freq" field and writes
// "cutoff_<base>" the first time the swept gain drops to 1/sqrt(2) of
// its peak (-3dB, half power), interpolating between the two bracketing frequency
// points. Grounded on make_DPfilter_cutoff; the original's cutoff
// sweep varies frequency rather than voltage, so this filter expects
// a top-level "freq" field the frequency-sweep driver attaches to
// every record in the sweep.
func NewCutoffFilter(id, label string) *Filter {
	cf := &cutoffFilter{series: make(map[string][]freqGain), done: make(map[string]bool)}
	return &Filter{ID: id, Label: label, Apply: cf.apply}
}

type freqGain struct {
	freq, gain float64
}

type cutoffFilter struct {
	mu     sync.Mutex
	series map[string][]freqGain
	done   map[string]bool
}

func (cf *cutoffFilter) apply(rec Record) (Record, error) {
	out := cloneRecord(rec)
	freqVal, ok := rec["freq"]
	if !ok {
		return out, nil
	}
	freq, ok := toFloat(freqVal)
	if !ok {
		return out, nil
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	for k, v := range rec {
		m := reGainLabel.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		base := m[1]
		if cf.done[base] {
			continue
		}
		gain, ok := toFloat(v)
		if !ok {
			continue
		}
		series := append(cf.series[base], freqGain{freq: freq, gain: gain})
		cf.series[base] = series

		cutoff, found := halfPowerCrossing(series)
		if found {
			out["cutoff_"+base] = cutoff
			cf.done[base] = true
		}
	}
	return out, nil
}

// halfPowerCrossing walks series in arrival order and returns the
// frequency at which gain first falls to 1/sqrt(2) (-3dB, half power)
// of the peak gain seen so far, linearly interpolated between the bracketing
// points.
func halfPowerCrossing(series []freqGain) (float64, bool) {
	if len(series) < 2 {
		return 0, false
	}
	peak := series[0].gain
	for _, p := range series[:len(series)-1] {
		if p.gain > peak {
			peak = p.gain
		}
	}
	threshold := peak / math.Sqrt2
	prev := series[len(series)-2]
	cur := series[len(series)-1]
	if prev.gain >= threshold && cur.gain < threshold && cur.gain != prev.gain {
		frac := (prev.gain - threshold) / (prev.gain - cur.gain)
		return prev.freq + frac*(cur.freq-prev.freq), true
	}
	return 0, false
}

// NewStatFilter returns a Filter that accumulates every repeat
// measurement seen under "<styp>_<base>" keys (e.g. styp "pede" over
// repeated pedestal readings at the same voltage) and writes the
// running "<styp>mean_<base>" and "<styp>stdev_<base>" fields,
// matching make_DPfilter_stat(styp) and the field names
// makeDLstat expects.
func NewStatFilter(styp, id, label string) *Filter {
	sf := &statFilter{re: reStatPrefix(styp), styp: styp, samples: make(map[string][]float64)}
	return &Filter{ID: id, Label: label, Apply: sf.apply}
}

type statFilter struct {
	mu      sync.Mutex
	re      *regexp.Regexp
	styp    string
	samples map[string][]float64
}

func (sf *statFilter) apply(rec Record) (Record, error) {
	out := cloneRecord(rec)
	sf.mu.Lock()
	defer sf.mu.Unlock()
	updated := make(map[string]bool)
	for k, v := range rec {
		m := sf.re.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		x, ok := toFloat(v)
		if !ok {
			continue
		}
		base := m[1]
		sf.samples[base] = append(sf.samples[base], x)
		updated[base] = true
	}
	for base := range updated {
		mean, stddev := meanStdev(sf.samples[base])
		out[sf.styp+"mean_"+base] = mean
		out[sf.styp+"stdev_"+base] = stddev
	}
	return out, nil
}

func meanStdev(xs []float64) (mean, stddev float64) {
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

// linreg fits y = slope*x + intercept by least squares and returns
// the Pearson correlation coefficient alongside.
func linreg(xs, ys []float64) (slope, intercept, corr float64) {
	n := float64(len(xs))
	var sx, sy, sxx, syy, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		syy += ys[i] * ys[i]
		sxy += xs[i] * ys[i]
	}
	denom := n*sxx - sx*sx
	if denom == 0 {
		return 0, sy / n, 0
	}
	slope = (n*sxy - sx*sy) / denom
	intercept = (sy - slope*sx) / n
	covNumer := n*sxy - sx*sy
	varX := n*sxx - sx*sx
	varY := n*syy - sy*sy
	if varX <= 0 || varY <= 0 {
		return slope, intercept, 0
	}
	corr = covNumer / math.Sqrt(varX*varY)
	return slope, intercept, corr
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec)+2)
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
