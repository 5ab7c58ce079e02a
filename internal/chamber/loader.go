package chamber

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultLoadProgDelay is how long after startup the compiled program
// upload ("binder.prog") fires by default, matching
// ChamberTicker.loadprog's delay=60 default.
const DefaultLoadProgDelay = 60

// DefaultStartProgDelay is how long after startup the program start
// ("binder.state") and the first "meas.point" tick fire by default,
// matching ChamberTicker.startprog's delay=31 default.
const DefaultStartProgDelay = 31

// programFile is the on-disk JSON shape of an ESS program file (§6):
// title, temperature, optional humidity/anticond, cycles as
// (start_seg, repeat, end_seg) triples, segments, and macros/progno
// carried through to the compiled Program. Grounded on
// original_source/chamber.py's ChamberTicker constructor, which reads
// the same jso['macros']/jso['progno'] pair before walking segments.
type programFile struct {
	Title       string          `json:"title"`
	Temperature float64         `json:"temperature"`
	Humidity    *float64        `json:"humidity"`
	Anticond    bool            `json:"anticond"`
	Cycles      [][3]int        `json:"cycles"`
	Segments    []segmentFile   `json:"segments"`
	Macros      map[string]any  `json:"macros"`
	Progno      int             `json:"progno"`
}

type segmentFile struct {
	Duration    int        `json:"duration"`
	Temperature *float64   `json:"temperature"`
	Humidity    *float64   `json:"humidity"`
	Anticond    *bool      `json:"anticond"`
	Meas        []measFile `json:"meas"`
}

// measFile's Offset and Flags values may each be a macro name (a JSON
// string looked up in programFile.Macros) instead of a literal value,
// matching ChamberTicker._macro's resolution of mp["offset"] and
// mp["flags"].
type measFile struct {
	Offset any `json:"offset"`
	Flags  any `json:"flags"`
}

// LoadProgramFile reads and parses an ESS program file from path.
func LoadProgramFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chamber: read program file %s: %w", path, err)
	}
	prog, err := ParseProgram(data)
	if err != nil {
		return nil, fmt.Errorf("chamber: parse program file %s: %w", path, err)
	}
	return prog, nil
}

// ParseProgram decodes an ESS program file's JSON bytes into a
// Program, resolving macro references and converting the JSON cycle
// tuple order (start_seg, repeat, end_seg) into Cycle's field order
// (Start, Repeat, End do not align positionally; Cycle is built field
// by field below rather than by naive tuple decode).
func ParseProgram(data []byte) (*Program, error) {
	var pf programFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, err
	}

	macro := func(v any) any {
		if s, ok := v.(string); ok {
			if r, ok := pf.Macros[s]; ok {
				return r
			}
		}
		return v
	}

	prog := &Program{
		Title:       pf.Title,
		Temperature: pf.Temperature,
		Humidity:    pf.Humidity,
		Anticond:    pf.Anticond,
		Progno:      pf.Progno,
	}

	for _, c := range pf.Cycles {
		// c is [start_seg, repeat, end_seg] per §6's JSON tuple order.
		prog.Cycles = append(prog.Cycles, Cycle{Start: c[0], Repeat: c[1], End: c[2]})
	}

	for _, sf := range pf.Segments {
		seg := Segment{
			Duration:    sf.Duration,
			Temperature: sf.Temperature,
			Humidity:    sf.Humidity,
			Anticond:    sf.Anticond,
		}
		for _, mf := range sf.Meas {
			offset, ok := toInt(macro(mf.Offset))
			if !ok {
				return nil, fmt.Errorf("chamber: meas offset %v is not an int or a known macro", mf.Offset)
			}
			rawFlags, ok := macro(mf.Flags).(map[string]any)
			if !ok && mf.Flags != nil {
				return nil, fmt.Errorf("chamber: meas flags %v is not an object or a known macro", mf.Flags)
			}
			flags := make(map[string]any, len(rawFlags))
			for k, v := range rawFlags {
				flags[k] = macro(v)
			}
			seg.Meas = append(seg.Meas, MeasPoint{Offset: offset, Flags: flags})
		}
		prog.Segments = append(prog.Segments, seg)
	}

	if err := validateCycles(prog.Cycles, len(prog.Segments)); err != nil {
		return nil, err
	}
	return prog, nil
}
