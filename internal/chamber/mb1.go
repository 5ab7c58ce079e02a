package chamber

import (
	"fmt"

	"github.com/auger-prime-sde/ess-sub000/internal/transport/modbus"
)

// MB1 register addresses, from original_source/binder.py's
// Binder_MKFT115_MB1 (Binder MKFT 115 E.2, MB1 controller).
const (
	mb1AddrActTemp     = 0x11A9
	mb1AddrActHumid    = 0x11CD
	mb1AddrMode        = 0x1A22
	mb1AddrProgno      = 0x1A23
	mb1AddrProgReset   = 0x1A00
	mb1AddrProgStatus  = 0x1A01
	mb1AddrProgNo      = 0x1A02
	mb1AddrProgType    = 0x1A03
	mb1AddrProgSeg     = 0x1A04
	mb1AddrProgNSeg    = 0x1A05
	mb1AddrProg6       = 0x1A06
	mb1AddrProgVal     = 0x1A07
	mb1AddrProgGrad    = 0x1A09
	mb1AddrProgLimi    = 0x1A0B
	mb1AddrProgLima    = 0x1A0D
	mb1AddrProgDur     = 0x1A0F
	mb1AddrProgOperc   = 0x1A11
	mb1AddrProgNumJump = 0x1A12
	mb1AddrProgSegJump = 0x1A13
	mb1AddrProgEnd     = 0x1599

	mb1StateBasic  = 0x1000
	mb1StateManual = 0x0800
	mb1StateProg   = 0x0400

	mb1PTemp  = 0
	mb1PHumid = 1

	mb1NProg = 25
)

// MB1 drives a Binder MKFT 115 chamber fitted with the MB1 controller
// over an already-open modbus.Client.
type MB1 struct {
	m *modbus.Client
}

func NewMB1(m *modbus.Client) *MB1 { return &MB1{m: m} }

func (b *MB1) reset() error {
	if err := b.m.WriteSingleRegister(mb1AddrProgReset, 5); err != nil {
		return err
	}
	if _, err := b.m.ReadHoldingRegisters(mb1AddrProgReset, 1); err != nil {
		return err
	}
	_, err := b.m.ReadHoldingRegisters(mb1AddrProgStatus, 1)
	return err
}

// GetActTemp reads the chamber's actual temperature.
func (b *MB1) GetActTemp() (float32, error) { return b.m.ReadFloat(mb1AddrActTemp) }

// GetActHumid reads the chamber's actual humidity.
func (b *MB1) GetActHumid() (float32, error) { return b.m.ReadFloat(mb1AddrActHumid) }

// GetState reads the chamber's run mode.
func (b *MB1) GetState() (string, error) {
	regs, err := b.m.ReadHoldingRegisters(mb1AddrMode, 1)
	if err != nil {
		return "", err
	}
	switch {
	case regs[0]&mb1StateProg != 0:
		return "prog", nil
	case regs[0]&mb1StateManual != 0:
		return "manual", nil
	default:
		return "idle", nil
	}
}

// StartProg switches the chamber into running program progno.
func (b *MB1) StartProg(progno int) error {
	if progno < 0 || progno >= mb1NProg {
		return fmt.Errorf("chamber: mb1 progno %d out of range", progno)
	}
	if _, err := b.GetState(); err != nil {
		return err
	}
	if err := b.m.WriteSingleRegister(mb1AddrMode, 0); err != nil {
		return err
	}
	if err := b.m.WriteSingleRegister(mb1AddrProgno, uint16(progno)); err != nil {
		return err
	}
	return b.m.WriteSingleRegister(mb1AddrMode, mb1StateProg)
}

// StopProg halts the running program, switching to manual or basic
// (idle) mode.
func (b *MB1) StopProg(manual bool) error {
	mode := uint16(mb1StateBasic)
	if manual {
		mode = mb1StateManual
	}
	return b.m.WriteSingleRegister(mb1AddrMode, mode)
}

// LoadProg compiles prog and uploads it as progno, writing the
// temperature stream and, if present, the humidity stream, with a
// reset between every segment write as the controller's handshake
// requires.
func (b *MB1) LoadProg(progno int, prog *Program) error {
	if progno < 0 || progno >= mb1NProg {
		return fmt.Errorf("chamber: mb1 progno %d out of range", progno)
	}
	nseg := len(prog.Segments)
	if nseg >= 100 {
		return fmt.Errorf("chamber: mb1 max 100 segments, got %d", nseg)
	}
	if err := b.reset(); err != nil {
		return err
	}
	tempSegs, humidSegs, err := CompileMB1(prog)
	if err != nil {
		return err
	}

	type stream struct {
		kind int
		segs []MB1Segment
	}
	streams := []stream{{mb1PTemp, tempSegs}}
	if humidSegs != nil {
		streams = append(streams, stream{mb1PHumid, humidSegs})
	}

	for _, st := range streams {
		if err := b.m.WriteSingleRegister(mb1AddrProgNo, uint16(progno)); err != nil {
			return err
		}
		if err := b.m.WriteSingleRegister(mb1AddrProgType, uint16(st.kind)); err != nil {
			return err
		}
		if err := b.m.WriteSingleRegister(mb1AddrProgNSeg, uint16(nseg+1)); err != nil {
			return err
		}
		for i, s := range st.segs {
			if err := b.m.WriteSingleRegister(mb1AddrProgSeg, uint16(i)); err != nil {
				return err
			}
			if err := b.m.WriteSingleRegister(mb1AddrProg6, uint16(s.R6)); err != nil {
				return err
			}
			if err := b.m.WriteFloat(mb1AddrProgVal, float32(s.Value)); err != nil {
				return err
			}
			if err := b.m.WriteFloat(mb1AddrProgGrad, float32(s.Grad)); err != nil {
				return err
			}
			if err := b.m.WriteInt(mb1AddrProgDur, int32(s.Duration)); err != nil {
				return err
			}
			if err := b.m.WriteSingleRegister(mb1AddrProgNumJump, uint16(s.NumJump)); err != nil {
				return err
			}
			if err := b.m.WriteSingleRegister(mb1AddrProgSegJump, uint16(s.SegJump)); err != nil {
				return err
			}
			if err := b.m.WriteFloat(mb1AddrProgLimi, float32(s.MinLim)); err != nil {
				return err
			}
			if err := b.m.WriteFloat(mb1AddrProgLima, float32(s.MaxLim)); err != nil {
				return err
			}
			if st.kind == mb1PTemp {
				if err := b.m.WriteSingleRegister(mb1AddrProgOperc, uint16(s.Operc)); err != nil {
					return err
				}
			}
			if err := b.reset(); err != nil {
				return err
			}
		}
	}
	return b.m.WriteSingleRegister(mb1AddrProgEnd, 0)
}
