package chamber

import "fmt"

// MB1Segment is one compiled MB1 program segment: a register-ready
// value/duration pair plus jump-back controls and, for temperature
// segments, the operational-contact bits.
type MB1Segment struct {
	Value    float64
	Duration int
	Grad     float64
	MinLim   float64
	MaxLim   float64
	Operc    int
	R6       int
	NumJump  int
	SegJump  int
}

const mb1OpAnticond = 1

// defaultMB1Segment mirrors Binder_MKFT115_MB1.Segment's defaults.
func defaultMB1Segment(value float64, duration int) MB1Segment {
	return MB1Segment{Value: value, Duration: duration, Grad: 200004.0, MinLim: -999.0, MaxLim: 999.0}
}

// CompileMB1 lowers prog into temperature and humidity segment lists
// for the MB1 controller, following convert_chamber2binder exactly:
// carry-forward of previous values, cycle back-jump with
// numjump=repeat-1/segjump=cycle_start, and zero-repeat cycle
// deletion. humidSegs is nil when prog carries no humidity stream.
func CompileMB1(prog *Program) (tempSegs, humidSegs []MB1Segment, err error) {
	if err := validateCycles(prog.Cycles, len(prog.Segments)); err != nil {
		return nil, nil, err
	}

	tempPrev := prog.Temperature
	var humidPrev *float64
	if prog.Humidity != nil {
		h := *prog.Humidity
		humidPrev = &h
	}
	anticondPrev := prog.Anticond

	var cycleStart = -1

	for i, seg := range prog.Segments {
		tempEnd := tempPrev
		if seg.Temperature != nil {
			tempEnd = *seg.Temperature
		}
		anticond := anticondPrev
		if seg.Anticond != nil {
			anticond = *seg.Anticond
		}
		operc := 0
		if anticond {
			operc = mb1OpAnticond
		}
		tseg := defaultMB1Segment(tempPrev, seg.Duration)
		tseg.Operc = operc

		cyc, isStart, isEnd := cycleForIndex(prog.Cycles, i)
		if isStart {
			if cycleStart != -1 {
				return nil, nil, fmt.Errorf("chamber: nested cycles at segment %d", i)
			}
			cycleStart = i
		}
		skipSegment := false
		if isEnd {
			if cycleStart == -1 {
				return nil, nil, fmt.Errorf("chamber: cycle end while not in cycle at segment %d", i)
			}
			if cyc.Repeat > 0 {
				tseg.NumJump = cyc.Repeat - 1
				tseg.SegJump = cycleStart
			} else {
				tempSegs = tempSegs[:cycleStart]
				if humidPrev != nil {
					humidSegs = humidSegs[:cycleStart]
				}
				skipSegment = true
			}
			cycleStart = -1
		}
		if skipSegment {
			continue
		}

		tempSegs = append(tempSegs, tseg)
		tempPrev = tempEnd
		anticondPrev = anticond

		if humidPrev != nil {
			humidEnd := *humidPrev
			if seg.Humidity != nil {
				humidEnd = *seg.Humidity
			}
			hseg := defaultMB1Segment(*humidPrev, seg.Duration)
			hseg.NumJump = tseg.NumJump
			hseg.SegJump = tseg.SegJump
			humidSegs = append(humidSegs, hseg)
			humidPrev = &humidEnd
		}
	}
	if cycleStart != -1 {
		return nil, nil, fmt.Errorf("chamber: unfinished cycle starting at segment %d", cycleStart)
	}

	tempSegs = append(tempSegs, defaultMB1Segment(tempPrev, 1))
	if humidPrev != nil {
		humidSegs = append(humidSegs, defaultMB1Segment(*humidPrev, 1))
	} else {
		humidSegs = nil
	}
	return tempSegs, humidSegs, nil
}
