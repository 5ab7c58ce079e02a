package workers

import (
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/transport"
)

// psuSerial is the minimal surface both PSU drivers need: a writer
// plus a framed-read-to-regex byte source, matching the shared
// pyserial handle original_source/power.py's PowerSupply wraps.
type psuSerial struct {
	w   io.Writer
	r   transport.ByteReader
	mu  sync.Mutex
}

func readPSUValue(r transport.ByteReader, re *regexp.Regexp, timeout time.Duration) (string, error) {
	buf, err := transport.ReadUntil(r, re, time.Now().Add(timeout))
	if err != nil {
		return "", err
	}
	m := re.FindSubmatch(buf)
	if m == nil {
		return "", fmt.Errorf("workers: response %q did not match expected pattern", buf)
	}
	return string(m[1]), nil
}

var reFloat = regexp.MustCompile(`(-?[0-9]+(\.[0-9]*)?)`)
var reCPXVolt = regexp.MustCompile(`(-?[0-9]+(\.[0-9]*)?)V`)
var reCPXCurr = regexp.MustCompile(`(-?[0-9]+(\.[0-9]*)?)A`)

// HMP4040Driver speaks Rohde & Schwarz HMP4040's 4-channel SCPI
// dialect, grounded on original_source/power.py's _*_hmp methods.
type HMP4040Driver struct{ s *psuSerial }

// NewHMP4040Driver wraps an already-identified serial connection (the
// caller has already confirmed the *IDN? response matched "HMP4040").
func NewHMP4040Driver(w io.Writer, r transport.ByteReader) *HMP4040Driver {
	return &HMP4040Driver{s: &psuSerial{w: w, r: r}}
}

func (d *HMP4040Driver) NumChannels() int { return 4 }

func (d *HMP4040Driver) Output(chans []int, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, ch := range chans {
		if _, err := fmt.Fprintf(d.s.w, "INST OUT%d\n", ch); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(d.s.w, "OUTP:STATE %s\n", state); err != nil {
			return err
		}
	}
	return nil
}

func (d *HMP4040Driver) SetVoltage(ch int, volts float64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, err := fmt.Fprintf(d.s.w, "INST OUT%d\n", ch); err != nil {
		return err
	}
	_, err := fmt.Fprintf(d.s.w, "VOLT %f\n", volts)
	return err
}

func (d *HMP4040Driver) SetCurrLim(ch int, amps float64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, err := fmt.Fprintf(d.s.w, "INST OUT%d\n", ch); err != nil {
		return err
	}
	_, err := fmt.Fprintf(d.s.w, "CURR %f\n", amps)
	return err
}

func (d *HMP4040Driver) SetVoltCurrLim(ch int, volts, amps float64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, err := fmt.Fprintf(d.s.w, "INST OUT%d\n", ch); err != nil {
		return err
	}
	_, err := fmt.Fprintf(d.s.w, "APPL %f, %f\n", volts, amps)
	return err
}

func (d *HMP4040Driver) ReadVoltCurr(ch int) (volts, amps float64, err error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, err = fmt.Fprintf(d.s.w, "INST OUT%d\n", ch); err != nil {
		return 0, 0, err
	}
	if _, err = fmt.Fprint(d.s.w, "MEAS:VOLT?\n"); err != nil {
		return 0, 0, err
	}
	vs, err := readPSUValue(d.s.r, reFloat, 100*time.Millisecond)
	if err != nil {
		return 0, 0, fmt.Errorf("workers: read HMP voltage: %w", err)
	}
	if _, err = fmt.Fprint(d.s.w, "MEAS:CURR?\n"); err != nil {
		return 0, 0, err
	}
	is, err := readPSUValue(d.s.r, reFloat, 100*time.Millisecond)
	if err != nil {
		return 0, 0, fmt.Errorf("workers: read HMP current: %w", err)
	}
	fmt.Sscanf(vs, "%g", &volts)
	fmt.Sscanf(is, "%g", &amps)
	return volts, amps, nil
}

// CPX400Driver speaks TTi CPX400SP's single-channel dialect, grounded
// on original_source/power.py's _*_cpx methods.
type CPX400Driver struct{ s *psuSerial }

// NewCPX400Driver wraps an already-identified serial connection.
func NewCPX400Driver(w io.Writer, r transport.ByteReader) *CPX400Driver {
	return &CPX400Driver{s: &psuSerial{w: w, r: r}}
}

func (d *CPX400Driver) NumChannels() int { return 1 }

func (d *CPX400Driver) Output(chans []int, on bool) error {
	hasCh1 := false
	for _, c := range chans {
		if c == 1 {
			hasCh1 = true
		}
	}
	if !hasCh1 {
		return nil
	}
	state := 0
	if on {
		state = 1
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	_, err := fmt.Fprintf(d.s.w, "OP1 %d\n", state)
	return err
}

func (d *CPX400Driver) SetVoltage(ch int, volts float64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	_, err := fmt.Fprintf(d.s.w, "V1 %f\n", volts)
	return err
}

func (d *CPX400Driver) SetCurrLim(ch int, amps float64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	_, err := fmt.Fprintf(d.s.w, "I1 %f\n", amps)
	return err
}

func (d *CPX400Driver) SetVoltCurrLim(ch int, volts, amps float64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, err := fmt.Fprintf(d.s.w, "V1 %f\n", volts); err != nil {
		return err
	}
	_, err := fmt.Fprintf(d.s.w, "I1 %f\n", amps)
	return err
}

func (d *CPX400Driver) ReadVoltCurr(ch int) (volts, amps float64, err error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, err = fmt.Fprint(d.s.w, "V1O?\n"); err != nil {
		return 0, 0, err
	}
	vs, err := readPSUValue(d.s.r, reCPXVolt, 100*time.Millisecond)
	if err != nil {
		return 0, 0, fmt.Errorf("workers: read CPX voltage: %w", err)
	}
	if _, err = fmt.Fprint(d.s.w, "I1O?\n"); err != nil {
		return 0, 0, err
	}
	is, err := readPSUValue(d.s.r, reCPXCurr, 100*time.Millisecond)
	if err != nil {
		return 0, 0, fmt.Errorf("workers: read CPX current: %w", err)
	}
	fmt.Sscanf(vs, "%g", &volts)
	fmt.Sscanf(is, "%g", &amps)
	return volts, amps, nil
}
