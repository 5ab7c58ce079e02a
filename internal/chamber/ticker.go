package chamber

import (
	"fmt"
	"sort"
)

// TimePoint is one (elapsed-seconds, temperature) vertex of the
// piecewise-linear set-point curve a compiled Program describes,
// built the way ChamberTicker's constructor accumulates time_temp.
type TimePoint struct {
	T    int
	Temp float64
}

// BuildTimeTemp reconstructs the (time, temperature) vertex list a
// Program implies, by walking segments exactly as CompileMB1/MB2 do
// but recording cumulative duration instead of emitting device
// segments. The returned points are monotonically increasing in T.
func BuildTimeTemp(prog *Program) []TimePoint {
	var pts []TimePoint
	tempPrev := prog.Temperature
	t := 0
	first := true
	for _, seg := range prog.Segments {
		if first {
			first = false
			if seg.Duration == 0 {
				if seg.Temperature != nil {
					tempPrev = *seg.Temperature
				}
				continue
			}
		}
		pts = append(pts, TimePoint{T: t, Temp: tempPrev})
		t += seg.Duration
		if seg.Temperature != nil {
			tempPrev = *seg.Temperature
		}
	}
	pts = append(pts, TimePoint{T: t, Temp: tempPrev})
	return pts
}

// InterpolateTemp returns the programmed set-point temperature at
// elapsed seconds past program start, linearly interpolating between
// the bracketing vertices of timeTemp (clamping to the last value past
// the end), matching ChamberTicker.run's interpolation.
func InterpolateTemp(timeTemp []TimePoint, elapsed float64) float64 {
	if len(timeTemp) == 0 {
		return 0
	}
	if elapsed <= float64(timeTemp[0].T) {
		return timeTemp[0].Temp
	}
	for i := 1; i < len(timeTemp); i++ {
		if elapsed < float64(timeTemp[i].T) {
			t0, temp0 := timeTemp[i-1].T, timeTemp[i-1].Temp
			t1, temp1 := timeTemp[i].T, timeTemp[i].Temp
			x := (elapsed - float64(t0)) / float64(t1-t0)
			return x*temp1 + (1-x)*temp0
		}
	}
	return timeTemp[len(timeTemp)-1].Temp
}

// MeasPointGenerator replays a Program's declared meas offsets as
// scheduler ticks, tagging each with its index so downstream pipeline
// handlers can label the resulting record, matching
// ChamberTicker.measpoint_tick.
type MeasPointGenerator struct {
	points []MeasPoint
	base   int
	idx    int
}

// NewMeasPointGenerator flattens every segment's Meas entries into a
// single offset-ordered list anchored at base (seconds past the
// scheduler's basetime that the program itself starts at).
func NewMeasPointGenerator(prog *Program, base int) (*MeasPointGenerator, error) {
	type entry struct {
		offset int
		flags  map[string]any
	}
	t := 0
	var entries []entry
	for _, seg := range prog.Segments {
		for _, mp := range seg.Meas {
			offset := mp.Offset
			at := t + offset
			if offset < 0 {
				at += seg.Duration
			}
			flags := make(map[string]any, len(mp.Flags))
			for k, v := range mp.Flags {
				flags[k] = v
			}
			entries = append(entries, entry{offset: at, flags: flags})
		}
		t += seg.Duration
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("chamber: program declares no measurement points")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].offset < entries[j].offset })

	points := make([]MeasPoint, len(entries))
	for i, e := range entries {
		points[i] = MeasPoint{Offset: e.offset, Flags: e.flags}
	}
	return &MeasPointGenerator{points: points, base: base}, nil
}

// Next implements scheduler.Generator.
func (g *MeasPointGenerator) Next() (int, any, bool) {
	if g.idx >= len(g.points) {
		return 0, nil, false
	}
	p := g.points[g.idx]
	flags := make(map[string]any, len(p.Flags)+1)
	for k, v := range p.Flags {
		flags[k] = v
	}
	flags["meas_point"] = g.idx
	g.idx++
	return p.Offset + g.base, flags, true
}
