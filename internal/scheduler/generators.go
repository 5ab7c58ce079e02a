package scheduler

import (
	"fmt"
	"time"
)

// periodicGenerator yields offset, offset+interval, offset+2*interval, ...
// count times, or forever when count is 0.
type periodicGenerator struct {
	interval int
	count    int
	next     int
	fired    int
}

// NewPeriodic builds a Generator that fires every interval seconds,
// starting at offset, for count ticks (0 means unbounded). Grounded on
// periodic_ticker in the original timer module.
func NewPeriodic(interval, count, offset int) (Generator, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("periodic ticker: interval must be positive, got %d", interval)
	}
	if count < 0 {
		return nil, fmt.Errorf("periodic ticker: count must be >= 0, got %d", count)
	}
	return &periodicGenerator{interval: interval, next: offset, count: count}, nil
}

func (g *periodicGenerator) Next() (int, any, bool) {
	if g.count > 0 && g.fired >= g.count {
		return 0, nil, false
	}
	val := g.next
	g.next += g.interval
	g.fired++
	return val, nil, true
}

// pointGenerator replays a fixed, caller-supplied list of offsets,
// optionally attaching a named detail value per tick looked up from a
// timepoints map. Grounded on point_ticker / list_ticker.
type pointGenerator struct {
	offsets    []int
	idx        int
	base       int
	pointName  string
	timepoints map[int]any
}

// NewPointTicker builds a Generator over an explicit offset list. When
// pointName is non-empty, each tick's detail is a one-entry map
// {pointName: timepoints[offset]}; timepoints may be nil, in which case
// the detail value is the offset itself (matching point_ticker's
// behavior when no lookup table is given).
func NewPointTicker(offsets []int, base int, pointName string, timepoints map[int]any) (Generator, error) {
	if len(offsets) == 0 {
		return nil, fmt.Errorf("point ticker: offsets must not be empty")
	}
	cp := make([]int, len(offsets))
	copy(cp, offsets)
	return &pointGenerator{offsets: cp, base: base, pointName: pointName, timepoints: timepoints}, nil
}

func (g *pointGenerator) Next() (int, any, bool) {
	if g.idx >= len(g.offsets) {
		return 0, nil, false
	}
	t := g.offsets[g.idx]
	g.idx++
	if g.pointName == "" {
		return t + g.base, nil, true
	}
	var v any = t
	if g.timepoints != nil {
		if tv, ok := g.timepoints[t]; ok {
			v = tv
		}
	}
	return t + g.base, map[string]any{g.pointName: v}, true
}

// oneTickGenerator fires exactly once, after a fixed delay (possibly
// computed relative to a reference timestamp), then is exhausted.
// Grounded on one_tick.
type oneTickGenerator struct {
	offset int
	detail any
	fired  bool
}

// NewOneShot builds a Generator firing a single tick. When ref is
// non-nil, delay is added on top of the seconds elapsed between
// basetime and *ref (rounded up), matching one_tick's "delay after a
// past/future instant" semantics; when ref is nil, delay is used
// directly as the offset.
func NewOneShot(basetime time.Time, ref *time.Time, delay int, detail any) (Generator, error) {
	offset := delay
	if ref != nil {
		elapsed := ref.Sub(basetime).Seconds()
		offset = int(elapsed+0.999999) + delay
	}
	return &oneTickGenerator{offset: offset, detail: detail}, nil
}

func (g *oneTickGenerator) Next() (int, any, bool) {
	if g.fired {
		return 0, nil, false
	}
	g.fired = true
	return g.offset, g.detail, true
}
