package chamber

import "testing"

const testProgramJSON = `{
	"title": "ESS burn-in",
	"temperature": 25,
	"humidity": 40,
	"anticond": true,
	"progno": 2,
	"macros": {"ramp_flags": {"meas.thp": true, "power": "on"}},
	"cycles": [[1, 3, 2]],
	"segments": [
		{"duration": 600, "temperature": 25},
		{"duration": 3600, "temperature": -20, "meas": [
			{"offset": 0, "flags": "ramp_flags"},
			{"offset": -10, "flags": {"meas.thp": true}}
		]},
		{"duration": 600, "temperature": 25}
	]
}`

func TestParseProgramBasicFields(t *testing.T) {
	prog, err := ParseProgram([]byte(testProgramJSON))
	if err != nil {
		t.Fatalf("ParseProgram: %v", err)
	}
	if prog.Title != "ESS burn-in" {
		t.Errorf("Title = %q", prog.Title)
	}
	if prog.Progno != 2 {
		t.Errorf("Progno = %d, want 2", prog.Progno)
	}
	if prog.Humidity == nil || *prog.Humidity != 40 {
		t.Errorf("Humidity = %v, want 40", prog.Humidity)
	}
	if !prog.Anticond {
		t.Error("Anticond = false, want true")
	}
	if len(prog.Segments) != 3 {
		t.Fatalf("len(Segments) = %d, want 3", len(prog.Segments))
	}
}

func TestParseProgramCycleTupleOrder(t *testing.T) {
	prog, err := ParseProgram([]byte(testProgramJSON))
	if err != nil {
		t.Fatalf("ParseProgram: %v", err)
	}
	if len(prog.Cycles) != 1 {
		t.Fatalf("len(Cycles) = %d, want 1", len(prog.Cycles))
	}
	c := prog.Cycles[0]
	// JSON tuple is (start_seg, repeat, end_seg) = (1, 3, 2).
	if c.Start != 1 || c.Repeat != 3 || c.End != 2 {
		t.Errorf("Cycle = %+v, want {Start:1 End:2 Repeat:3}", c)
	}
}

func TestParseProgramResolvesMacros(t *testing.T) {
	prog, err := ParseProgram([]byte(testProgramJSON))
	if err != nil {
		t.Fatalf("ParseProgram: %v", err)
	}
	meas := prog.Segments[1].Meas
	if len(meas) != 2 {
		t.Fatalf("len(Meas) = %d, want 2", len(meas))
	}
	if meas[0].Offset != 0 {
		t.Errorf("meas[0].Offset = %d, want 0", meas[0].Offset)
	}
	if v, ok := meas[0].Flags["power"]; !ok || v != "on" {
		t.Errorf("meas[0].Flags[power] = %v, want \"on\" (resolved via macro)", v)
	}
	if meas[1].Offset != -10 {
		t.Errorf("meas[1].Offset = %d, want -10", meas[1].Offset)
	}
}

func TestParseProgramRejectsNonIntegerOffset(t *testing.T) {
	bad := `{"title":"x","temperature":20,"cycles":[],"segments":[
		{"duration":10,"temperature":20,"meas":[{"offset":"missing_macro","flags":{}}]}
	]}`
	if _, err := ParseProgram([]byte(bad)); err == nil {
		t.Error("expected error for unresolvable meas offset macro")
	}
}
