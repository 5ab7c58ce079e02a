package chamber

import "fmt"

// mb2Prog carries the running state convert_chamber2binder's Bprog
// threads through segment construction: the last emitted temperature,
// humidity and anticond values, plus the fixed limit pairs every
// segment's float blob repeats.
type mb2Prog struct {
	lastTemp, lastHumid float64
	lastAnticond        bool
	zHumid              bool
	limitTempLow        float64
	limitTempHigh       float64
	limitHumidLow       float64
	limitHumidHigh      float64
}

func newMB2Prog(prog *Program) *mb2Prog {
	p := &mb2Prog{
		lastTemp:      prog.Temperature,
		lastAnticond:  prog.Anticond,
		limitTempLow:  -260.0,
		limitTempHigh: 260.0,
		limitHumidLow: -98.0,
		limitHumidHigh: 98.0,
	}
	if prog.Humidity != nil {
		p.zHumid = true
		p.lastHumid = *prog.Humidity
	} else {
		p.lastHumid = 60.0
	}
	return p
}

const (
	mb2OpHumidOff  = 1 << 0
	mb2OpAnticond  = 1 << 6
)

// MB2Segment is one compiled MB2 program segment: the 36-word float
// blob (current/low-limit/high-limit temperature+humidity pairs, each
// followed by 8 padding words), the operational-contact bits, and the
// packed (segjump<<8)|numjump repeat word.
type MB2Segment struct {
	Duration int
	FloatsLE []uint16 // 36 words, ready for WriteMultipleRegisters
	Operc    int
	Jumps    int // (segjump << 8) + numjump
}

// CompileMB2 lowers prog into the MB2 controller's segment list,
// following Binder_MKFT115_MB2.convert_chamber2binder: cycle back-jump
// here uses segjump = cycle_start+1 (one more than MB1's segjump),
// matching the controller's 1-based segment numbering for jump
// targets.
//
// This reproduces a known upstream quirk verbatim: building each
// segment's float blob assigns an end-of-segment humidity override
// into lastTemp instead of lastHumid (see DESIGN.md's Open Question
// decision on Bprog's humidity field). Carried forward rather than
// fixed, since no hardware log has confirmed which behavior operators
// actually rely on.
func CompileMB2(prog *Program) ([]MB2Segment, error) {
	if err := validateCycles(prog.Cycles, len(prog.Segments)); err != nil {
		return nil, err
	}
	bprog := newMB2Prog(prog)

	var segments []MB2Segment
	cycleStart := -1

	for i, seg := range prog.Segments {
		cyc, isStart, isEnd := cycleForIndex(prog.Cycles, i)
		if isStart {
			if cycleStart != -1 {
				return nil, fmt.Errorf("chamber: nested cycles at segment %d", i)
			}
			cycleStart = i
		}

		numjump, segjump := 0, 1
		discardCycle := false
		if isEnd {
			if cycleStart == -1 {
				return nil, fmt.Errorf("chamber: cycle end while not in cycle at segment %d", i)
			}
			switch {
			case cyc.Repeat > 1:
				numjump = cyc.Repeat - 1
				segjump = cycleStart + 1
			case cyc.Repeat == 0:
				segments = segments[:cycleStart]
				discardCycle = true
			}
			cycleStart = -1
		}
		if discardCycle {
			continue
		}

		segments = append(segments, buildMB2Segment(bprog, seg, numjump, segjump))
	}
	if cycleStart != -1 {
		return nil, fmt.Errorf("chamber: unfinished cycle starting at segment %d", cycleStart)
	}
	segments = append(segments, buildMB2Segment(bprog, Segment{Duration: 1}, 0, 1))
	return segments, nil
}

func buildMB2Segment(bprog *mb2Prog, seg Segment, numjump, segjump int) MB2Segment {
	var floats []uint16
	floats = append(floats, floatToWordsLSW(bprog.lastTemp, bprog.lastHumid)...)
	floats = append(floats, make([]uint16, 8)...)
	floats = append(floats, floatToWordsLSW(bprog.limitTempLow, bprog.limitHumidLow)...)
	floats = append(floats, make([]uint16, 8)...)
	floats = append(floats, floatToWordsLSW(bprog.limitTempHigh, bprog.limitHumidHigh)...)
	floats = append(floats, make([]uint16, 8)...)

	if seg.Temperature != nil {
		bprog.lastTemp = *seg.Temperature
	}
	if seg.Humidity != nil {
		// Reproduces original_source/binder.py's Segment.__init__ bug:
		// the humidity override is assigned into lastTemp, not
		// lastHumid.
		bprog.lastTemp = *seg.Humidity
	}
	anticond := bprog.lastAnticond
	if seg.Anticond != nil {
		anticond = *seg.Anticond
		bprog.lastAnticond = anticond
	}
	operc := 0
	if anticond {
		operc |= mb2OpAnticond
	}
	if !bprog.zHumid {
		operc |= mb2OpHumidOff
	}

	return MB2Segment{
		Duration: seg.Duration,
		FloatsLE: floats,
		Operc:    operc,
		Jumps:    (segjump << 8) + numjump,
	}
}
