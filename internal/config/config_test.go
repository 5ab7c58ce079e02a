package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "campaign.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `{
		"phase": "ess",
		"tester": "jdoe",
		"uubnums": [101, null, 103],
		"chans": [1, 2, 3, 4]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Phase != PhaseESS {
		t.Errorf("phase = %q, want %q", cfg.Phase, PhaseESS)
	}
	live := cfg.LiveUUBs()
	if len(live) != 2 || live[0] != 101 || live[1] != 103 {
		t.Errorf("LiveUUBs() = %v, want [101 103]", live)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/campaign.json")
	if err == nil {
		t.Fatal("Load with missing file should error")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load with invalid JSON should error")
	}
}

func TestLoad_InvalidPhase(t *testing.T) {
	path := writeConfig(t, `{"phase": "bogus", "tester": "x", "uubnums": [1]}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for invalid phase")
	}
	if !strings.Contains(err.Error(), "phase") {
		t.Errorf("error should mention phase, got: %v", err)
	}
}

func TestLoad_EmptyUubnums(t *testing.T) {
	path := writeConfig(t, `{"phase": "pretest", "tester": "x", "uubnums": []}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for empty uubnums")
	}
}

func TestLoad_TooManyUubnums(t *testing.T) {
	path := writeConfig(t, `{"phase": "pretest", "tester": "x", "uubnums": [1,2,3,4,5,6,7,8,9,10,11]}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for more than 10 uubnums")
	}
}

func TestLoad_InvalidPowerdev(t *testing.T) {
	path := writeConfig(t, `{"phase": "pretest", "tester": "x", "uubnums": [1], "powerdev": "power_bogus"}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for invalid powerdev")
	}
}

func TestLoad_InvalidTrigger(t *testing.T) {
	path := writeConfig(t, `{"phase": "pretest", "tester": "x", "uubnums": [1], "trigger": "bogus"}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for invalid trigger")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `{"phase": "pretest", "tester": "x", "uubnums": [1]}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.NDP != 1 {
		t.Errorf("n_dp default = %d, want 1", cfg.NDP)
	}
	if cfg.Tickers.MeasTHP != 30 {
		t.Errorf("tickers.meas.thp default = %d, want 30", cfg.Tickers.MeasTHP)
	}
	if cfg.Tickers.MeasSC != 60 {
		t.Errorf("tickers.meas.sc default = %d, want 60", cfg.Tickers.MeasSC)
	}
	if cfg.Trigger != TriggerAFG {
		t.Errorf("trigger default = %q, want %q", cfg.Trigger, TriggerAFG)
	}
	if cfg.Datadir == "" {
		t.Error("datadir default should not be empty")
	}
}

func TestLoad_TickersAndPorts(t *testing.T) {
	path := writeConfig(t, `{
		"phase": "ess",
		"tester": "jdoe",
		"uubnums": [101],
		"ports": {"bme": "/dev/ttyUSB0", "chamber": "/dev/ttyUSB1"},
		"tickers": {"meas.thp": 15, "meas.sc": 45, "essprogram": "/data/prog.json", "startprog": 90}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Ports["bme"] != "/dev/ttyUSB0" {
		t.Errorf("ports[bme] = %q, want /dev/ttyUSB0", cfg.Ports["bme"])
	}
	if cfg.Tickers.MeasTHP != 15 || cfg.Tickers.MeasSC != 45 {
		t.Errorf("tickers = %+v, want meas.thp=15 meas.sc=45", cfg.Tickers)
	}
	if cfg.StartprogDelay().Seconds() != 90 {
		t.Errorf("StartprogDelay() = %v, want 90s", cfg.StartprogDelay())
	}
}
