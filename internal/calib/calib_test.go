package calib

import (
	"path/filepath"
	"testing"
)

func TestTableSaveLoadRoundTrip(t *testing.T) {
	tbl := &Table{}
	tbl.Set("A", 1, 2.5)
	path := filepath.Join(t.TempDir(), "table.json")
	if err := tbl.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	g, ok := loaded.Lookup("A", 1)
	if !ok || g != 2.5 {
		t.Errorf("Lookup(A,1) = %v,%v want 2.5,true", g, ok)
	}
}

func TestSplitterGainFallsBackToPregain(t *testing.T) {
	g1 := 0.5
	sg := NewSplitterGain([]*float64{&g1, nil}, []string{"A", ""}, nil)
	if got := sg.GainMDO(0, 1); got != 0.5 {
		t.Errorf("GainMDO(0,1) = %v, want 0.5", got)
	}
	if got := sg.GainMDO(0, 2); got != 1.0 {
		t.Errorf("GainMDO(0,2) = %v, want 1.0 (no splitch mapped)", got)
	}
}

func TestSplitterGainPrefersTableValue(t *testing.T) {
	g1 := 0.5
	tbl := &Table{}
	tbl.Set("A", 3, 1.75)
	sg := NewSplitterGain([]*float64{&g1}, []string{"A"}, tbl)
	if got := sg.GainMDO(3, 1); got != 1.75 {
		t.Errorf("GainMDO(3,1) = %v, want 1.75 (measured)", got)
	}
	if got := sg.GainMDO(9, 1); got != 0.5 {
		t.Errorf("GainMDO(9,1) = %v, want 0.5 (no measured entry, fallback)", got)
	}
}

func TestDirectGainIsIdentity(t *testing.T) {
	var g Gain = DirectGain{}
	if got := g.GainMDO(1, 2); got != 1.0 {
		t.Errorf("DirectGain.GainMDO = %v, want 1.0", got)
	}
}
