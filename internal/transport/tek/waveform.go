package tek

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Preamble holds the fields of a WFMOUTPRE? response this module
// needs to convert the raw curve bytes into physical units, grounded
// on original_source/mdo.py's _parseWFM.
type Preamble struct {
	ByteOrder string // "MSB" or "LSB"
	BitNr     int
	XUnit     string
	XZero     float64
	XIncr     float64
	YUnit     string
	YZero     float64
	YMult     float64
	YOff      float64
}

// ParsePreamble parses a ";"-separated "KEY value" response to
// WFMOUTPRE? with HEADER 1 set, asserting the binary encodings this
// reader supports (BINARY / RI, matching mdo.py's own assertions).
func ParsePreamble(resp string) (Preamble, error) {
	fields := make(map[string]string)
	for _, item := range strings.Split(resp, ";") {
		kv := strings.SplitN(item, " ", 2)
		if len(kv) != 2 {
			continue
		}
		key := kv[0]
		if idx := strings.LastIndexByte(key, ':'); idx >= 0 {
			key = key[idx+1:]
		}
		fields[key] = kv[1]
	}
	if fields["ENCDG"] != "" && fields["ENCDG"] != "BINARY" {
		return Preamble{}, fmt.Errorf("tek: unsupported ENCDG %q", fields["ENCDG"])
	}
	if fields["BN_FMT"] != "" && fields["BN_FMT"] != "RI" {
		return Preamble{}, fmt.Errorf("tek: unsupported BN_FMT %q", fields["BN_FMT"])
	}

	var p Preamble
	p.ByteOrder = fields["BYT_OR"]
	p.XUnit = strings.Trim(fields["XUNIT"], `"`)
	p.YUnit = strings.Trim(fields["YUNIT"], `"`)
	var err error
	if p.BitNr, err = strconv.Atoi(fields["BIT_NR"]); err != nil {
		return Preamble{}, fmt.Errorf("tek: parse BIT_NR: %w", err)
	}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"XZERO", &p.XZero}, {"XINCR", &p.XIncr},
		{"YZERO", &p.YZero}, {"YMULT", &p.YMult}, {"YOFF", &p.YOff},
	} {
		if *f.dst, err = strconv.ParseFloat(fields[f.name], 64); err != nil {
			return Preamble{}, fmt.Errorf("tek: parse %s: %w", f.name, err)
		}
	}
	return p, nil
}

// Waveform is a read-out trace converted to physical units.
type Waveform struct {
	Y          []float64
	XIncr      float64
	XZero      float64
	XUnit      string
	YUnit      string
}

// ReadWaveform issues the DATA:SOURCE/WFMOUTPRE?/CURVE? sequence for
// channel ch and decodes the returned `#<n><len><bytes>` block-data
// curve into physical Y values, following readWFM step for step.
func ReadWaveform(ctx context.Context, c Conn, ch int) (Waveform, error) {
	if err := c.Send(ctx, fmt.Sprintf("DATA:SOURCE CH%d", ch)); err != nil {
		return Waveform{}, err
	}
	if err := c.Send(ctx, "HEADER 1"); err != nil {
		return Waveform{}, err
	}
	resp, err := c.SendQuery(ctx, "WFMOUTPRE?")
	if err != nil {
		return Waveform{}, fmt.Errorf("tek: WFMOUTPRE?: %w", err)
	}
	pre, err := ParsePreamble(resp)
	if err != nil {
		return Waveform{}, err
	}
	if err := c.Send(ctx, "HEADER 0"); err != nil {
		return Waveform{}, err
	}
	curve, err := c.SendQuery(ctx, "CURVE?")
	if err != nil {
		return Waveform{}, fmt.Errorf("tek: CURVE?: %w", err)
	}
	raw, err := decodeCurveBlock(curve)
	if err != nil {
		return Waveform{}, err
	}

	bytesPerSample := pre.BitNr / 8
	if bytesPerSample != 1 && bytesPerSample != 2 {
		return Waveform{}, fmt.Errorf("tek: unsupported BIT_NR %d", pre.BitNr)
	}
	n := len(raw) / bytesPerSample
	yvals := make([]float64, n)
	order := binaryOrder(pre.ByteOrder)
	for i := 0; i < n; i++ {
		chunk := raw[i*bytesPerSample : (i+1)*bytesPerSample]
		var raw16 int64
		if bytesPerSample == 1 {
			raw16 = int64(int8(chunk[0]))
		} else {
			raw16 = int64(int16(order.Uint16(chunk)))
		}
		yvals[i] = pre.YZero + pre.YMult*(float64(raw16)-pre.YOff)
	}
	return Waveform{Y: yvals, XIncr: pre.XIncr, XZero: pre.XZero, XUnit: pre.XUnit, YUnit: pre.YUnit}, nil
}

func binaryOrder(byteOrder string) binary.ByteOrder {
	if byteOrder == "LSB" {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// decodeCurveBlock strips the IEEE-488.2 definite-length block header
// ("#" + one digit giving the length of the following decimal length
// field + that many decimal digits) from a CURVE? response.
func decodeCurveBlock(resp string) ([]byte, error) {
	b := []byte(resp)
	if len(b) < 2 || b[0] != '#' {
		return nil, fmt.Errorf("tek: malformed curve block")
	}
	ndigits := int(b[1] - '0')
	if ndigits <= 0 || len(b) < 2+ndigits {
		return nil, fmt.Errorf("tek: malformed curve block length header")
	}
	n, err := strconv.Atoi(string(b[2 : 2+ndigits]))
	if err != nil {
		return nil, fmt.Errorf("tek: parse curve block length: %w", err)
	}
	start := 2 + ndigits
	if len(b) < start+n {
		return nil, fmt.Errorf("tek: curve block shorter than declared length")
	}
	return b[start : start+n], nil
}
