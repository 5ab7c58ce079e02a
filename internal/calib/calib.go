// Package calib looks up splitter-calibration gain factors that
// convert a target stimulus amplitude into the voltage that must
// actually be programmed at the source, given which splitter channel
// and splitter mode is in the signal path. No instrument worker
// applies these gains; cmd/essctl only constructs one.
//
// Grounded on original_source/calib.py's usage of a SplitterGain type
// (constructed as SplitterGain(pregains=afg.param['gains'],
// mdochans=mdochans), queried as splitgain.gainMDO(splitmode, mdoch),
// and exposing a mdomap attribute) and on original_source/ess.py's
// import of SplitterGain, DirectGain and make_notcalc from dataproc.
// None of those three definitions were present in the retrieved
// dataproc.py — only their call sites survived — so the lookup table
// and gain model below are this repo's own reconstruction from usage,
// not a literal translation. See DESIGN.md.
package calib

import (
	"encoding/json"
	"fmt"
	"os"
)

// Gain converts a target (pre-splitter) amplitude into the amplitude
// that must be programmed at the source for splitter mode splitmode on
// MDO channel mdoch.
type Gain interface {
	GainMDO(splitmode, mdoch int) float64
}

// DirectGain is the no-splitter identity gain, used when a campaign
// bypasses the splitter entirely (ess.py's make_notcalc path).
type DirectGain struct{}

func (DirectGain) GainMDO(splitmode, mdoch int) float64 { return 1.0 }

// Table holds measured gain factors per (splitter channel label,
// splitter mode), as produced by a calibration campaign and persisted
// to JSON (the runtime counterpart of calib.py's fitpulses.json /
// fitfreqs.json dump).
type Table struct {
	// Gains maps "<splitch>:<splitmode>" to a measured gain factor.
	Gains map[string]float64 `json:"gains"`
}

func tableKey(splitch string, splitmode int) string {
	return fmt.Sprintf("%s:%d", splitch, splitmode)
}

// LoadTable reads a calibration table previously written by Table.Save.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calib: read table %s: %w", path, err)
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("calib: parse table %s: %w", path, err)
	}
	if t.Gains == nil {
		t.Gains = make(map[string]float64)
	}
	return &t, nil
}

// Save writes the table to path as JSON.
func (t *Table) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Set records a measured gain for a splitter channel/mode pair.
func (t *Table) Set(splitch string, splitmode int, gain float64) {
	if t.Gains == nil {
		t.Gains = make(map[string]float64)
	}
	t.Gains[tableKey(splitch, splitmode)] = gain
}

// Lookup returns the measured gain for splitch/splitmode and whether
// a calibration value was found.
func (t *Table) Lookup(splitch string, splitmode int) (float64, bool) {
	g, ok := t.Gains[tableKey(splitch, splitmode)]
	return g, ok
}

// SplitterGain combines the AFG's per-channel pre-gain (a fixed
// attenuation factor configured on each AFG output) with a measured
// Table, exposing the MDO-channel-to-splitter-label map the original's
// mdomap attribute provided.
type SplitterGain struct {
	// MDOMap maps an MDO channel number to the splitter-output label
	// wired into it. Channels absent from mdochans (the trigger slot,
	// in the original) are simply not present as keys.
	MDOMap map[int]string

	pregains map[int]float64
	table    *Table
}

// NewSplitterGain builds a SplitterGain from the AFG's per-channel
// pre-gains (nil entries mean that AFG channel is disabled, mirroring
// afg.param['gains']) and the MDO channel assignment (mdochans[i] is
// the splitter label wired to MDO channel i+1, or "" for an unused
// slot such as the trigger channel).
func NewSplitterGain(pregains []*float64, mdochans []string, table *Table) *SplitterGain {
	sg := &SplitterGain{MDOMap: make(map[int]string), pregains: make(map[int]float64), table: table}
	for i, g := range pregains {
		if g != nil {
			sg.pregains[i] = *g
		}
	}
	for i, label := range mdochans {
		if label != "" {
			sg.MDOMap[i+1] = label
		}
	}
	return sg
}

// GainMDO returns the pre-gain for the splitter channel wired to
// mdoch, corrected by the measured table entry for splitmode if one
// exists, falling back to the raw pre-gain otherwise.
func (sg *SplitterGain) GainMDO(splitmode, mdoch int) float64 {
	splitch, ok := sg.MDOMap[mdoch]
	if !ok {
		return 1.0
	}
	pre := sg.pregains[mdoch-1]
	if pre == 0 {
		pre = 1.0
	}
	if sg.table != nil {
		if measured, ok := sg.table.Lookup(splitch, splitmode); ok {
			return measured
		}
	}
	return pre
}
