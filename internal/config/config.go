// Package config handles ESS campaign configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Phase identifies which stage of the burn-in/test flow a campaign runs.
type Phase string

const (
	PhasePretest Phase = "pretest"
	PhaseESS     Phase = "ess"
	PhaseCombo   Phase = "combo"
	PhaseBurnin  Phase = "burnin"
	PhaseFinal   Phase = "final"
)

func (p Phase) valid() bool {
	switch p {
	case PhasePretest, PhaseESS, PhaseCombo, PhaseBurnin, PhaseFinal:
		return true
	}
	return false
}

// PowerDev identifies the power-supply model wired to the rig.
type PowerDev string

const (
	PowerCPX PowerDev = "power_cpx"
	PowerHMP PowerDev = "power_hmp"
)

// Trigger identifies how AFG bursts are triggered.
type Trigger string

const (
	TriggerRPi      Trigger = "RPi"
	TriggerTrigDelay Trigger = "TrigDelay"
	TriggerAFG      Trigger = "AFG"
)

// Config is the single top-level JSON object described in spec.md §6.
// All durations that are given in seconds in the JSON source are decoded
// into plain numbers (ints, or float64 for pc_rz_tout) and converted to
// time.Duration by callers — the wire format is seconds, not Go
// duration strings.
type Config struct {
	Phase   Phase  `json:"phase"`
	Tester  string `json:"tester"`
	// Uubnums is ordered by physical relay-bank port; a null entry marks
	// an unpopulated port.
	Uubnums []*int `json:"uubnums"`
	Chans   []int  `json:"chans"`
	// Datadir is an strftime pattern expanded against campaign start time.
	Datadir string `json:"datadir"`
	Comment string `json:"comment"`

	Logging json.RawMessage `json:"logging"` // external collaborator schema

	AFG          AFGConfig       `json:"afg"`
	SplitMode    int             `json:"splitmode"`
	SplitterCal  json.RawMessage `json:"splitter.calibration"`
	NDP          int             `json:"n_dp"`
	Devlist      []string        `json:"devlist"`
	Powerdev     PowerDev        `json:"powerdev"`
	Ports        map[string]string `json:"ports"`
	PCLimits     json.RawMessage `json:"pc_limits"`
	PCRzTout     float64         `json:"pc_rz_tout"`
	Tickers      TickersConfig   `json:"tickers"`
	Dataloggers  map[string]json.RawMessage `json:"dataloggers"`
	DBInfo       json.RawMessage `json:"dbinfo"`
	DownloadFn   string          `json:"download_fn"`
	Flir         FlirConfig      `json:"flir"`
	Evtdisp      bool            `json:"evtdisp"`
	Trigger      Trigger         `json:"trigger"`
}

// AFGConfig carries function-generator channel gain/offset and burst
// parameters shared by both waveform modes.
type AFGConfig struct {
	Gain    [2]float64 `json:"gain"`
	Offset  [2]float64 `json:"offset"`
	Wavefile string    `json:"wavefile"`
}

// FlirConfig selects which UUB the thermal camera watches and the image
// format used for transfer (the transfer itself is a collaborator).
type FlirConfig struct {
	Imtype string `json:"imtype"`
	Uubnum int    `json:"uubnum"`
}

// TickersConfig holds the periods and paths for the built-in tickers the
// scheduler is seeded with at startup.
type TickersConfig struct {
	MeasTHP        int    `json:"meas.thp"`
	MeasSC         int    `json:"meas.sc"`
	MeasIV         int    `json:"meas.iv"`
	Essprogram     string `json:"essprogram"`
	EssprogramMacros json.RawMessage `json:"essprogram.macros"`
	StartprogDelay int    `json:"startprog"`
}

// Load reads and validates a JSON configuration file. A parse or
// validation failure is a Configuration error (spec.md §7 kind 3): it is
// surfaced at startup and aborts the process before the scheduler starts.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Datadir == "" {
		c.Datadir = "./data/%Y%m%d"
	}
	if c.NDP == 0 {
		c.NDP = 1
	}
	if c.Tickers.MeasTHP == 0 {
		c.Tickers.MeasTHP = 30
	}
	if c.Tickers.MeasSC == 0 {
		c.Tickers.MeasSC = 60
	}
	if c.Tickers.MeasIV == 0 {
		c.Tickers.MeasIV = c.Tickers.MeasSC
	}
	if c.Trigger == "" {
		c.Trigger = TriggerAFG
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it may assume defaults are populated.
func (c *Config) Validate() error {
	if !c.Phase.valid() {
		return fmt.Errorf("phase %q invalid (pretest, ess, combo, burnin, final)", c.Phase)
	}
	if len(c.Uubnums) == 0 {
		return fmt.Errorf("uubnums must not be empty")
	}
	if len(c.Uubnums) > 10 {
		return fmt.Errorf("uubnums has %d entries, at most 10 supported", len(c.Uubnums))
	}
	switch c.Powerdev {
	case PowerCPX, PowerHMP, "":
	default:
		return fmt.Errorf("powerdev %q invalid (power_cpx, power_hmp)", c.Powerdev)
	}
	switch c.Trigger {
	case TriggerRPi, TriggerTrigDelay, TriggerAFG:
	default:
		return fmt.Errorf("trigger %q invalid (RPi, TrigDelay, AFG)", c.Trigger)
	}
	if c.Tickers.MeasTHP <= 0 {
		return fmt.Errorf("tickers.meas.thp must be positive")
	}
	if c.Tickers.MeasSC <= 0 {
		return fmt.Errorf("tickers.meas.sc must be positive")
	}
	return nil
}

// LiveUUBs returns the port-ordered list of populated UUB numbers,
// skipping null entries.
func (c *Config) LiveUUBs() []int {
	var out []int
	for _, n := range c.Uubnums {
		if n != nil {
			out = append(out, *n)
		}
	}
	return out
}

// StartprogDelay returns the configured start-program delay as a Duration.
func (c *Config) StartprogDelay() time.Duration {
	return time.Duration(c.Tickers.StartprogDelay) * time.Second
}

// CurrLimits parses pc_limits (a JSON object keyed by UUB number) into
// a uubnum->milliamp-limit map, matching ess.py's
// self.pc.setCurrLimits(d['pc_limits'], True) call. Returns nil
// without error when pc_limits was not set.
func (c *Config) CurrLimits() (map[int]float64, error) {
	if len(c.PCLimits) == 0 {
		return nil, nil
	}
	var raw map[string]float64
	if err := json.Unmarshal(c.PCLimits, &raw); err != nil {
		return nil, fmt.Errorf("parse pc_limits: %w", err)
	}
	out := make(map[int]float64, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("parse pc_limits key %q: %w", k, err)
		}
		out[n] = v
	}
	return out, nil
}

// RzTout returns the configured relay-off settle time as a Duration.
func (c *Config) RzTout() time.Duration {
	return time.Duration(c.PCRzTout * float64(time.Second))
}
