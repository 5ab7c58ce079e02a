// Package modbus implements the Modbus-RTU client subset this project
// needs: read/write holding registers and the 32-bit float/int
// convenience wrappers, serialized over a single serial line.
//
// Grounded on original_source/modbus.py's Modbus class: CRC-16/Modbus
// framing, the 5-byte header peek for early exception detection, and
// the LSW-first float word order (floats2words/words2floats).
package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

const (
	funcReadHoldingRegisters   = 0x03
	funcReadInputRegisters     = 0x04
	funcWriteSingleRegister    = 0x06
	funcWriteMultipleRegisters = 0x10

	exceptionBit = 0x80
)

// Exception is a device-reported Modbus exception response: the
// function byte's high bit was set. Code is the exception code
// carried in the third response byte.
type Exception struct {
	Code byte
}

func (e *Exception) Error() string {
	return fmt.Sprintf("modbus: exception code %d", e.Code)
}

// FramingError covers CRC mismatches, short reads, and surplus bytes
// left in the receive buffer after a nominally-sized reply — anything
// that indicates the wire framing itself, not the device logic, is
// wrong.
type FramingError struct {
	Msg string
}

func (e *FramingError) Error() string { return "modbus: framing: " + e.Msg }

// Line is the byte-oriented serial transport a Client drives. Real
// callers pass a serial.Port (github.com/hootrhino/goserial); tests
// pass an in-memory pipe.
type Line interface {
	io.ReadWriter
	// SetReadDeadline bounds the next Read call the way a serial
	// driver's own read timeout does.
	SetReadDeadline(t time.Time) error
}

// Client is a Modbus-RTU master over a single serial Line. At most one
// transaction may be outstanding at a time; Client serializes callers
// internally so instrument workers never need their own lock.
type Client struct {
	line    Line
	slaveID byte
	timeout time.Duration
	echo    bool

	mu sync.Mutex
}

// New wraps an already-open Line. slaveID is the Modbus unit address;
// timeout bounds each read; echo indicates the line echoes transmitted
// bytes back (some half-duplex RS485 adapters do).
func New(line Line, slaveID byte, timeout time.Duration, echo bool) *Client {
	return &Client{line: line, slaveID: slaveID, timeout: timeout, echo: echo}
}

// transact appends the CRC, writes the frame, and reads an n-byte
// reply (header included) plus its 2-byte CRC, per the §4.A
// contract: read a fixed 5-byte header first for early exception
// detection, then the remainder if no exception occurred.
func (c *Client) transact(frame []byte, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame = append(frame, crcBytes(frame)...)
	if err := c.line.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("modbus: set deadline: %w", err)
	}
	nw, err := c.line.Write(frame)
	if err != nil {
		return nil, fmt.Errorf("modbus: write: %w", err)
	}
	if nw < len(frame) {
		return nil, &FramingError{Msg: "incomplete serial data write"}
	}

	if c.echo {
		echoed := make([]byte, nw)
		if _, err := io.ReadFull(c.line, echoed); err != nil {
			return nil, fmt.Errorf("modbus: read echo: %w", err)
		}
	}

	header := make([]byte, 5)
	if _, err := io.ReadFull(c.line, header); err != nil {
		return nil, &FramingError{Msg: "incomplete serial data read"}
	}
	if header[1]&exceptionBit != 0 {
		if crc16(header) != 0 {
			return nil, &FramingError{Msg: "wrong CRC code"}
		}
		if header[0] != frame[0] || header[1]&0x7F != frame[1] {
			return nil, &FramingError{Msg: "malformed error response"}
		}
		return nil, &Exception{Code: header[2]}
	}

	resp := header
	if n > 3 {
		rest := make([]byte, n-3)
		if _, err := io.ReadFull(c.line, rest); err != nil {
			return nil, &FramingError{Msg: "incomplete serial data read"}
		}
		resp = append(resp, rest...)
	}
	if len(resp) != n+2 {
		return nil, &FramingError{Msg: "incomplete serial data read"}
	}
	if crc16(resp) != 0 {
		return nil, &FramingError{Msg: "wrong CRC code"}
	}
	return resp[:len(resp)-2], nil
}

// ReadHoldingRegisters reads regNb (1-80) registers starting at addr
// using function 0x03.
func (c *Client) ReadHoldingRegisters(addr uint16, regNb int) ([]uint16, error) {
	return c.readRegisters(funcReadHoldingRegisters, addr, regNb)
}

// ReadInputRegisters reads regNb (1-80) registers starting at addr
// using function 0x04.
func (c *Client) ReadInputRegisters(addr uint16, regNb int) ([]uint16, error) {
	return c.readRegisters(funcReadInputRegisters, addr, regNb)
}

func (c *Client) readRegisters(fn byte, addr uint16, regNb int) ([]uint16, error) {
	if regNb < 1 || regNb > 80 {
		return nil, fmt.Errorf("modbus: regNb %d out of range", regNb)
	}
	frame := make([]byte, 6)
	frame[0] = c.slaveID
	frame[1] = fn
	binary.BigEndian.PutUint16(frame[2:4], addr)
	binary.BigEndian.PutUint16(frame[4:6], uint16(regNb))

	resp, err := c.transact(frame, 3+2*regNb)
	if err != nil {
		return nil, err
	}
	if resp[0] != c.slaveID || resp[1] != fn || int(resp[2]) != 2*regNb {
		return nil, &FramingError{Msg: "wrong response header"}
	}
	vals := make([]uint16, regNb)
	for i := range vals {
		vals[i] = binary.BigEndian.Uint16(resp[3+2*i:])
	}
	return vals, nil
}

// WriteSingleRegister writes one register using function 0x06.
func (c *Client) WriteSingleRegister(addr uint16, value uint16) error {
	frame := make([]byte, 6)
	frame[0] = c.slaveID
	frame[1] = funcWriteSingleRegister
	binary.BigEndian.PutUint16(frame[2:4], addr)
	binary.BigEndian.PutUint16(frame[4:6], value)

	resp, err := c.transact(frame, 6)
	if err != nil {
		return err
	}
	for i, b := range frame[:6] {
		if resp[i] != b {
			return &FramingError{Msg: "wrong response"}
		}
	}
	return nil
}

// WriteMultipleRegisters writes up to 80 registers using function
// 0x10.
func (c *Client) WriteMultipleRegisters(addr uint16, values []uint16) error {
	n := len(values)
	if n < 1 || n > 80 {
		return fmt.Errorf("modbus: wrong length of values %d", n)
	}
	frame := make([]byte, 7+2*n)
	frame[0] = c.slaveID
	frame[1] = funcWriteMultipleRegisters
	binary.BigEndian.PutUint16(frame[2:4], addr)
	binary.BigEndian.PutUint16(frame[4:6], uint16(n))
	frame[6] = byte(2 * n)
	for i, v := range values {
		binary.BigEndian.PutUint16(frame[7+2*i:], v)
	}

	resp, err := c.transact(frame, 6)
	if err != nil {
		return err
	}
	for i := 0; i < 6; i++ {
		if resp[i] != frame[i] {
			return &FramingError{Msg: "wrong response"}
		}
	}
	return nil
}

// ReadFloat reads 2 words at addr and converts them to a float32
// using the word-swapped order the Binder chamber controllers use on
// the wire: the words arrive LSW-first, each word itself big-endian.
func (c *Client) ReadFloat(addr uint16) (float32, error) {
	words, err := c.ReadHoldingRegisters(addr, 2)
	if err != nil {
		return 0, err
	}
	return WordsToFloat(words[0], words[1]), nil
}

// WriteFloat converts f to 2 words (LSW-first) and writes them at
// addr.
func (c *Client) WriteFloat(addr uint16, f float32) error {
	return c.WriteMultipleRegisters(addr, FloatToWords(f))
}

// WriteInt converts i to 2 words, most-significant word first (the
// convention original_source/modbus.py's write_int uses), and writes
// them at addr.
func (c *Client) WriteInt(addr uint16, i int32) error {
	return c.WriteMultipleRegisters(addr, []uint16{
		uint16(uint32(i) / 0x10000),
		uint16(uint32(i) % 0x10000),
	})
}

// WriteIntLE converts i to 2 words, least-significant word first, the
// convention the MB2 chamber controller's duration/segment-type
// registers use.
func (c *Client) WriteIntLE(addr uint16, i int32) error {
	return c.WriteMultipleRegisters(addr, []uint16{
		uint16(uint32(i) % 0x10000),
		uint16(uint32(i) / 0x10000),
	})
}

// ReadIntLE reads 2 words at addr and interprets them least-
// significant word first.
func (c *Client) ReadIntLE(addr uint16) (int32, error) {
	words, err := c.ReadHoldingRegisters(addr, 2)
	if err != nil {
		return 0, err
	}
	return int32(uint32(words[1])<<16 | uint32(words[0])), nil
}

// WordsToFloat converts two Modbus words (w0 = low word, w1 = high
// word, each big-endian) into the IEEE-754 float32 they encode. This
// swap — low word first on the wire — is the wire contract, not an
// implementation detail.
func WordsToFloat(w0, w1 uint16) float32 {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], w1)
	binary.BigEndian.PutUint16(b[2:4], w0)
	bits := binary.BigEndian.Uint32(b[:])
	return math.Float32frombits(bits)
}

// FloatToWords converts f into its two word-swapped Modbus words
// (low word first), the inverse of WordsToFloat.
func FloatToWords(f float32) []uint16 {
	bits := math.Float32bits(f)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], bits)
	w1 := binary.BigEndian.Uint16(b[0:2])
	w0 := binary.BigEndian.Uint16(b[2:4])
	return []uint16{w0, w1}
}

func crcBytes(data []byte) []byte {
	v := crc16(data)
	b := make([]byte, 2)
	// CRC is appended little-endian per the Modbus wire format.
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	return b
}

// crc16 computes the Modbus CRC-16 over data. When called on a full
// frame including its trailing CRC bytes, a correct frame yields 0.
func crc16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
